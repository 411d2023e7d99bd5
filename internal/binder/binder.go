// Package binder points the configured Cloudflare load balancer at a pool.
package binder

import (
	"context"
	"log/slog"

	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/lbapi"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/metrics"
)

// Settings are the load balancer fields written on every bind.
type Settings struct {
	Hostname       string
	Proxied        bool
	TTL            int64
	SteeringPolicy string
}

// Binder binds exactly one pool to the configured hostname.
type Binder struct {
	api      lbapi.LoadBalancerAPI
	settings Settings
	metrics  metrics.Collector
	logger   *slog.Logger
}

// New creates a Binder. A nil collector or logger falls back to a no-op
// collector and slog.Default.
func New(api lbapi.LoadBalancerAPI, settings Settings, collector metrics.Collector, logger *slog.Logger) *Binder {
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Binder{
		api:      api,
		settings: settings,
		metrics:  collector,
		logger:   logger.With("component", "lb-binder", "hostname", settings.Hostname),
	}
}

// EnsureBound overwrites the load balancer's default and fallback pools with
// poolID, creating the load balancer when none serves the hostname.
//
// Failures are returned as *lbapi.SyncError and are not retried; the next
// observation of the same ingress binds again.
func (b *Binder) EnsureBound(ctx context.Context, poolID string) error {
	err := b.ensureBound(ctx, poolID)
	if err != nil {
		b.metrics.RecordLoadBalancerBind(ctx, "error")

		return err
	}

	b.metrics.RecordLoadBalancerBind(ctx, "success")

	return nil
}

func (b *Binder) ensureBound(ctx context.Context, poolID string) error {
	hostname := b.settings.Hostname

	summaries, err := b.api.ListLoadBalancers(ctx)
	if err != nil {
		return lbapi.NewSyncError(lbapi.ResourceLoadBalancer, hostname, lbapi.OpList, err)
	}

	desired := b.desired(poolID)

	lbID := findLoadBalancer(summaries, hostname)
	if lbID != "" {
		err = b.api.ReplaceLoadBalancer(ctx, lbID, desired)
		if err != nil {
			return lbapi.NewSyncError(lbapi.ResourceLoadBalancer, hostname, lbapi.OpReplace, err)
		}

		b.logger.Info("load balancer updated", "loadBalancerID", lbID, "poolID", poolID)

		return nil
	}

	lbID, err = b.api.CreateLoadBalancer(ctx, desired)
	if err != nil {
		return lbapi.NewSyncError(lbapi.ResourceLoadBalancer, hostname, lbapi.OpCreate, err)
	}

	b.logger.Info("load balancer created", "loadBalancerID", lbID, "poolID", poolID)

	return nil
}

func (b *Binder) desired(poolID string) *lbapi.LoadBalancer {
	return &lbapi.LoadBalancer{
		Hostname:       b.settings.Hostname,
		DefaultPools:   []string{poolID},
		FallbackPool:   poolID,
		Proxied:        b.settings.Proxied,
		TTL:            b.settings.TTL,
		SteeringPolicy: b.settings.SteeringPolicy,
	}
}

func findLoadBalancer(summaries []lbapi.LoadBalancerSummary, hostname string) string {
	for _, summary := range summaries {
		if summary.Hostname == hostname {
			return summary.ID
		}
	}

	return ""
}
