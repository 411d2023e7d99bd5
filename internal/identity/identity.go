// Package identity derives deterministic Cloudflare resource names from
// cluster and region labels.
//
// Every controller instance computes the same names from the same inputs, so
// instances running in different clusters converge on shared pools without
// coordinating:
//
//	PoolName("alpha", "eu")  = "k8s-pool-alpha-eu"
//	OriginName("eu")         = "origin-eu"
package identity

import (
	"github.com/cockroachdb/errors"

	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/config"
)

const (
	poolNamePrefix   = "k8s-pool-"
	originNamePrefix = "origin-"
)

// ErrInvariantViolation marks a lookup the classifier should have prevented.
var ErrInvariantViolation = errors.New("identity invariant violated")

// Resolver maps cluster and region labels to resource names and coordinates.
type Resolver struct {
	geo          config.GeoTable
	geoSuffixing bool
}

// NewResolver creates a Resolver over the given geo table. When geoSuffix is
// false pool names omit the region (single-geo deployments).
func NewResolver(geo config.GeoTable, geoSuffix bool) *Resolver {
	return &Resolver{geo: geo, geoSuffixing: geoSuffix}
}

// PoolName returns the pool name for a cluster in a region.
func (r *Resolver) PoolName(clusterName string, geo config.GeoKey) string {
	if !r.geoSuffixing {
		return poolNamePrefix + clusterName
	}

	return poolNamePrefix + clusterName + "-" + string(geo)
}

// OriginName returns the origin name used for addresses from a region.
func (r *Resolver) OriginName(geo config.GeoKey) string {
	return originNamePrefix + string(geo)
}

// CoordinatesOf returns the coordinates of a region.
func (r *Resolver) CoordinatesOf(geo config.GeoKey) (config.GeoLocation, error) {
	loc, ok := r.geo.Lookup(geo)
	if !ok {
		return config.GeoLocation{}, errors.Mark(
			errors.Newf("geo location %q is not in the coordinate table", geo),
			ErrInvariantViolation,
		)
	}

	return loc, nil
}
