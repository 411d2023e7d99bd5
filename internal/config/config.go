// Package config holds the validated controller configuration.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"k8s.io/apimachinery/pkg/labels"
)

const (
	DefaultHostname       = "app.example.com"
	DefaultOriginWeight   = 33
	DefaultLabelSelector  = "dns.external/geo-route=true"
	DefaultTTL            = 30
	DefaultSteeringPolicy = "least_connections"
	DefaultWatchTimeout   = 300 * time.Second
	DefaultReconnectDelay = 5 * time.Second
	DefaultEventTimeout   = 2 * time.Minute
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxRetries     = 3

	MinOriginWeight = 0
	MaxOriginWeight = 100
)

//nolint:gochecknoglobals // fixed set of steering policies accepted by Cloudflare
var steeringPolicies = map[string]struct{}{
	"off":                        {},
	"geo":                        {},
	"random":                     {},
	"dynamic_latency":            {},
	"proximity":                  {},
	"least_outstanding_requests": {},
	"least_connections":          {},
}

// Config holds all configuration options for the controller.
// Values are typically populated from CLI flags or environment variables
// and validated once before the reconciliation loop starts.
type Config struct {
	// APIToken is the Cloudflare API token with Load Balancing permissions (required).
	APIToken string

	// AccountID is the Cloudflare account that owns the pools. If empty, it is
	// auto-detected from the API token.
	AccountID string

	// ZoneID is the Cloudflare zone holding the load balancer (required).
	ZoneID string

	// Hostname is the load balancer hostname shared by all clusters.
	Hostname string

	// GeoLocation is the fixed region of this cluster. Required unless MultiGeo is set.
	GeoLocation GeoKey

	// MultiGeo reads the region from each ingress' geo-location label
	// instead of using GeoLocation.
	MultiGeo bool

	// PoolNameGeoSuffix appends the region to pool names.
	PoolNameGeoSuffix bool

	// GeoLocations is the region coordinate table.
	GeoLocations GeoTable

	// OriginWeight is the weight of every origin this instance writes (0-100).
	OriginWeight float64

	// LabelSelector filters the watched ingresses.
	LabelSelector string

	// Load balancer settings.
	Proxied        bool
	TTL            int64
	SteeringPolicy string

	// WatchTimeout bounds a single watch connection.
	WatchTimeout time.Duration

	// ReconnectDelay is the fixed wait between watch connections.
	ReconnectDelay time.Duration

	// EventTimeout bounds the processing of a single event.
	EventTimeout time.Duration

	// RequestTimeout bounds every Cloudflare API call.
	RequestTimeout time.Duration

	// MaxRetries is the Cloudflare client's retry count for transient failures.
	MaxRetries int

	// ValidateZone checks at startup that Hostname belongs to ZoneID.
	ValidateZone bool

	// MetricsAddr is the address for the Prometheus metrics endpoint.
	MetricsAddr string

	// HealthAddr is the address for health and readiness probe endpoints.
	HealthAddr string

	// LeaderElect enables leader election between replicas in one cluster.
	LeaderElect     bool
	LeaderElectNS   string
	LeaderElectName string
}

// Default returns a Config with every optional field set to its default.
func Default() Config {
	return Config{
		Hostname:          DefaultHostname,
		PoolNameGeoSuffix: true,
		GeoLocations:      DefaultGeoTable(),
		OriginWeight:      DefaultOriginWeight,
		LabelSelector:     DefaultLabelSelector,
		Proxied:           true,
		TTL:               DefaultTTL,
		SteeringPolicy:    DefaultSteeringPolicy,
		WatchTimeout:      DefaultWatchTimeout,
		ReconnectDelay:    DefaultReconnectDelay,
		EventTimeout:      DefaultEventTimeout,
		RequestTimeout:    DefaultRequestTimeout,
		MaxRetries:        DefaultMaxRetries,
		ValidateZone:      true,
		MetricsAddr:       ":8080",
		HealthAddr:        ":8081",
	}
}

// Validate reports the first invalid setting.
//
//nolint:cyclop,wrapcheck,noinlineerr // flat list of checks; errors.Newf creates new errors
func (c *Config) Validate() error {
	if c.APIToken == "" {
		return errors.New("api-token is required (use --api-token or CF_API_TOKEN env var)")
	}

	if c.ZoneID == "" {
		return errors.New("zone-id is required (use --zone-id or CF_ZONE_ID env var)")
	}

	if strings.TrimSpace(c.Hostname) == "" {
		return errors.New("lb-hostname must not be empty")
	}

	if c.GeoLocations.Len() == 0 {
		return errors.New("geo location table is empty")
	}

	if !c.MultiGeo {
		if c.GeoLocation == "" {
			return errors.New("geo-location is required unless multi-geo is enabled")
		}

		if !c.GeoLocations.Has(c.GeoLocation) {
			return errors.Newf("invalid geo-location %q, must be one of: %v", c.GeoLocation, c.GeoLocations.Keys())
		}
	}

	if c.MultiGeo && !c.PoolNameGeoSuffix {
		return errors.New("pool-name-geo-suffix may only be disabled in single-geo mode")
	}

	if c.OriginWeight < MinOriginWeight || c.OriginWeight > MaxOriginWeight {
		return errors.Newf("origin-weight %v must be between %d and %d", c.OriginWeight, MinOriginWeight, MaxOriginWeight)
	}

	if _, err := labels.Parse(c.LabelSelector); err != nil {
		return errors.Wrapf(err, "invalid label-selector %q", c.LabelSelector)
	}

	if _, ok := steeringPolicies[c.SteeringPolicy]; !ok {
		return errors.Newf("unsupported lb-steering-policy %q", c.SteeringPolicy)
	}

	if c.TTL < 0 {
		return errors.Newf("lb-ttl %d must not be negative", c.TTL)
	}

	if c.WatchTimeout < time.Second {
		return errors.Newf("watch-timeout %s must be at least 1s", c.WatchTimeout)
	}

	if c.ReconnectDelay <= 0 || c.EventTimeout <= 0 || c.RequestTimeout <= 0 {
		return errors.New("reconnect-delay, event-timeout and request-timeout must be positive")
	}

	if c.MaxRetries < 0 {
		return errors.Newf("max-retries %d must not be negative", c.MaxRetries)
	}

	return nil
}
