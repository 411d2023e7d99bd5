package observation

import (
	"github.com/cockroachdb/errors"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/config"
)

// Kind is the type of change an observation reports.
type Kind string

const (
	KindAdded    Kind = "Added"
	KindModified Kind = "Modified"
	KindDeleted  Kind = "Deleted"
)

// Skip reasons. Every error returned by Classify is marked with one of these;
// none of them is fatal.
var (
	ErrMalformedObservation = errors.New("malformed observation")
	ErrUnknownGeoKey        = errors.New("unknown geo location")
	ErrNoAddress            = errors.New("no load balancer address yet")
	ErrUnsupportedEvent     = errors.New("unsupported event type")
)

//nolint:gochecknoglobals // label keys tried in order
var (
	clusterNameLabels = []string{"cluster-name", "cluster_name"}
	geoLocationLabels = []string{"geo-location", "geo_location"}
)

// Observation is one classified ingress change. Empty fields are absent.
type Observation struct {
	Namespace   string
	Name        string
	Kind        Kind
	ClusterName string
	GeoKey      config.GeoKey
	Address     string
}

// Key returns namespace/name.
func (o Observation) Key() string {
	return o.Namespace + "/" + o.Name
}

// Actionable reports whether the observation should be pushed to Cloudflare.
func (o Observation) Actionable() bool {
	return o.Kind != KindDeleted
}

// Classifier turns raw watch events into observations.
type Classifier struct {
	geo      config.GeoTable
	multiGeo bool
	fixedGeo config.GeoKey
}

// NewClassifier creates a Classifier. In single-geo mode (multiGeo false)
// every observation carries fixedGeo.
func NewClassifier(geo config.GeoTable, multiGeo bool, fixedGeo config.GeoKey) *Classifier {
	return &Classifier{geo: geo, multiGeo: multiGeo, fixedGeo: fixedGeo}
}

// Classify extracts an Observation from ev. A non-nil error means the event
// must be skipped; use ReasonOf to label it.
//
// When the object itself could be decoded, the returned Observation carries
// its namespace and name even on skip so callers can log them.
//
//nolint:wrapcheck // errors.Mark wraps new errors
func (c *Classifier) Classify(ev watch.Event) (Observation, error) {
	var kind Kind

	switch ev.Type {
	case watch.Added:
		kind = KindAdded
	case watch.Modified:
		kind = KindModified
	case watch.Deleted:
		kind = KindDeleted
	default:
		return Observation{}, errors.Mark(errors.Newf("event type %q", ev.Type), ErrUnsupportedEvent)
	}

	ing, ok := ev.Object.(*networkingv1.Ingress)
	if !ok || ing == nil {
		return Observation{Kind: kind}, errors.Mark(errors.Newf("object is %T, not an Ingress", ev.Object), ErrMalformedObservation)
	}

	obs := Observation{
		Namespace:   ing.Namespace,
		Name:        ing.Name,
		Kind:        kind,
		ClusterName: firstLabel(ing.Labels, clusterNameLabels),
		Address:     loadBalancerAddress(ing),
	}

	if c.multiGeo {
		obs.GeoKey = config.GeoKey(firstLabel(ing.Labels, geoLocationLabels))
	} else {
		obs.GeoKey = c.fixedGeo
	}

	if kind == KindDeleted {
		return obs, nil
	}

	if obs.ClusterName == "" {
		return obs, errors.Mark(errors.New("no cluster-name label"), ErrMalformedObservation)
	}

	if obs.GeoKey == "" {
		return obs, errors.Mark(errors.New("no geo-location label"), ErrMalformedObservation)
	}

	if !c.geo.Has(obs.GeoKey) {
		return obs, errors.Mark(errors.Newf("geo location %q", obs.GeoKey), ErrUnknownGeoKey)
	}

	if obs.Address == "" {
		return obs, errors.Mark(errors.New("load balancer status is empty"), ErrNoAddress)
	}

	return obs, nil
}

// ReasonOf returns a short metrics label for a Classify error.
func ReasonOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoAddress):
		return "no_address"
	case errors.Is(err, ErrUnknownGeoKey):
		return "unknown_geo"
	case errors.Is(err, ErrUnsupportedEvent):
		return "unsupported_event"
	case errors.Is(err, ErrMalformedObservation):
		return "malformed"
	default:
		return "unknown"
	}
}

func firstLabel(labels map[string]string, keys []string) string {
	for _, key := range keys {
		if value := labels[key]; value != "" {
			return value
		}
	}

	return ""
}

// loadBalancerAddress reads the first status entry only: its IP, else its
// hostname.
func loadBalancerAddress(ing *networkingv1.Ingress) string {
	entries := ing.Status.LoadBalancer.Ingress
	if len(entries) == 0 {
		return ""
	}

	if entries[0].IP != "" {
		return entries[0].IP
	}

	return entries[0].Hostname
}
