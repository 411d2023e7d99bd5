// Package controller runs the ingress reconciliation loop inside a
// controller-runtime manager.
//
// The Loop watches networking.k8s.io/v1 Ingress resources that match a label
// selector. Each event is classified and, when it carries a cluster, region
// and load balancer address, merged into the Cloudflare pool for that
// cluster. The load balancer for the shared hostname is then pointed at that
// pool:
//
//	┌──────────────┐  watch   ┌──────────────┐  ensure origin  ┌──────────────┐
//	│  Ingresses   │─────────>│     Loop     │────────────────>│  Cloudflare  │
//	│ (selector)   │          │ (one event   │  ensure bound   │  pools + LB  │
//	└──────────────┘          │  at a time)  │────────────────>│              │
//	                          └──────────────┘                 └──────────────┘
//
// # Stream lifecycle
//
// The loop cycles Connecting, Streaming and ErrorBackoff. A watch lasts at
// most --watch-timeout; an error event or a failed open waits
// --reconnect-delay before reconnecting. Watches start without a resource
// version, so every reconnect replays all matching ingresses. That relist is
// what repairs failed events and origins lost to concurrent pool writes.
//
// # Shutdown
//
// Events are processed on a context detached from the process context and
// bounded by --event-timeout, so a signal stops the loop only after the
// in-flight event completes.
//
// # Leader Election
//
// With --leader-elect, only the elected replica in a cluster runs the loop.
// Instances in different clusters never coordinate.
package controller
