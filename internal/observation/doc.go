// Package observation classifies Ingress watch events.
//
// # Overview
//
// The Classifier converts a watch.Event into an Observation carrying the
// ingress key, the event kind, the cluster and region labels and the address
// assigned by the cluster's load-balancing layer. It performs no I/O.
//
// # Labels
//
//   - cluster-name (or cluster_name): name of the cluster owning the ingress
//   - geo-location (or geo_location): region key, read only in multi-geo mode
//
// In single-geo mode every observation carries the configured region.
//
// # Skips
//
// A watch stream routinely delivers partially populated objects, so Classify
// never fails hard. Missing labels, unknown regions, non-Ingress payloads and
// ingresses still waiting for a load balancer address all classify as skips
// marked with ErrMalformedObservation, ErrUnknownGeoKey, ErrUnsupportedEvent
// or ErrNoAddress. Deleted events always classify successfully.
package observation
