// Package metrics provides Prometheus metrics instrumentation for the controller.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector provides metrics recording interface.
// This allows components to record metrics without direct prometheus dependency.
//
//nolint:interfacebloat // All methods are needed for comprehensive metrics coverage
type Collector interface {
	// Watch event metrics
	RecordEvent(ctx context.Context, eventType, outcome string)
	RecordEventSkip(ctx context.Context, reason string)
	RecordReconcileDuration(ctx context.Context, status string, duration time.Duration)

	// Watch stream metrics
	RecordStreamReconnect(ctx context.Context, reason string)
	RecordLoopState(ctx context.Context, state string)

	// Remote state metrics
	RecordPoolMerge(ctx context.Context, outcome string)
	RecordLoadBalancerBind(ctx context.Context, status string)

	// Cloudflare API metrics
	RecordAPICall(ctx context.Context, method, resource, status string, duration time.Duration)
	RecordAPIError(ctx context.Context, method, errorType string)
}

// LoopStates lists every state reported through RecordLoopState.
//
//nolint:gochecknoglobals // fixed label set
var LoopStates = []string{"connecting", "streaming", "error_backoff", "stopped"}

// prometheusCollector implements Collector using Prometheus metrics.
type prometheusCollector struct {
	// Watch event metrics
	eventsTotal       *prometheus.CounterVec
	eventSkipsTotal   *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec

	// Watch stream metrics
	streamReconnects *prometheus.CounterVec
	loopState        *prometheus.GaugeVec

	// Remote state metrics
	poolMergesTotal *prometheus.CounterVec
	lbBindsTotal    *prometheus.CounterVec

	// Cloudflare API metrics
	apiDuration    *prometheus.HistogramVec
	apiCallsTotal  *prometheus.CounterVec
	apiErrorsTotal *prometheus.CounterVec
}

// NewCollector creates a new Prometheus metrics collector and registers metrics.
func NewCollector(reg prometheus.Registerer) Collector {
	c := &prometheusCollector{}
	c.initEventMetrics()
	c.initStreamMetrics()
	c.initRemoteMetrics()
	c.initAPIMetrics()
	c.register(reg)

	return c
}

// RecordEvent counts a processed watch event by type and outcome.
func (c *prometheusCollector) RecordEvent(_ context.Context, eventType, outcome string) {
	c.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordEventSkip counts a skipped event by reason.
func (c *prometheusCollector) RecordEventSkip(_ context.Context, reason string) {
	c.eventSkipsTotal.WithLabelValues(reason).Inc()
}

// RecordReconcileDuration records the duration of one event's remote sync.
func (c *prometheusCollector) RecordReconcileDuration(_ context.Context, status string, duration time.Duration) {
	c.reconcileDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStreamReconnect counts a watch stream ending, by reason.
func (c *prometheusCollector) RecordStreamReconnect(_ context.Context, reason string) {
	c.streamReconnects.WithLabelValues(reason).Inc()
}

// RecordLoopState sets the current loop state to 1 and every other state to 0.
func (c *prometheusCollector) RecordLoopState(_ context.Context, state string) {
	for _, known := range LoopStates {
		value := 0.0
		if known == state {
			value = 1
		}

		c.loopState.WithLabelValues(known).Set(value)
	}
}

// RecordPoolMerge counts pool coordinator outcomes (created, merged, unchanged, error).
func (c *prometheusCollector) RecordPoolMerge(_ context.Context, outcome string) {
	c.poolMergesTotal.WithLabelValues(outcome).Inc()
}

// RecordLoadBalancerBind counts load balancer binder results.
func (c *prometheusCollector) RecordLoadBalancerBind(_ context.Context, status string) {
	c.lbBindsTotal.WithLabelValues(status).Inc()
}

// RecordAPICall records a Cloudflare API call.
func (c *prometheusCollector) RecordAPICall(
	_ context.Context,
	method, resource, status string,
	duration time.Duration,
) {
	c.apiDuration.WithLabelValues(method, resource).Observe(duration.Seconds())
	c.apiCallsTotal.WithLabelValues(method, resource, status).Inc()
}

// RecordAPIError records a Cloudflare API error.
func (c *prometheusCollector) RecordAPIError(_ context.Context, method, errorType string) {
	c.apiErrorsTotal.WithLabelValues(method, errorType).Inc()
}

func (c *prometheusCollector) initEventMetrics() {
	c.eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfgeo_events_total",
			Help: "Ingress watch events by type and outcome",
		},
		[]string{"type", "outcome"},
	)
	c.eventSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfgeo_event_skips_total",
			Help: "Ingress watch events skipped by reason",
		},
		[]string{"reason"},
	)
	c.reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cfgeo_reconcile_duration_seconds",
			Help:    "Duration of pool and load balancer sync for one event",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
}

func (c *prometheusCollector) initStreamMetrics() {
	c.streamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfgeo_stream_reconnects_total",
			Help: "Watch stream terminations followed by a reconnect",
		},
		[]string{"reason"},
	)
	c.loopState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cfgeo_loop_state",
			Help: "Current reconciliation loop state (1 for the active state)",
		},
		[]string{"state"},
	)
}

func (c *prometheusCollector) initRemoteMetrics() {
	c.poolMergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfgeo_pool_merges_total",
			Help: "Pool origin merges by outcome",
		},
		[]string{"outcome"},
	)
	c.lbBindsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfgeo_load_balancer_binds_total",
			Help: "Load balancer pool bindings by status",
		},
		[]string{"status"},
	)
}

func (c *prometheusCollector) initAPIMetrics() {
	c.apiDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cfgeo_cloudflare_api_duration_seconds",
			Help:    "Duration of Cloudflare API calls",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "resource"},
	)
	c.apiCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfgeo_cloudflare_api_calls_total",
			Help: "Total Cloudflare API calls",
		},
		[]string{"method", "resource", "status"},
	)
	c.apiErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfgeo_cloudflare_api_errors_total",
			Help: "Total Cloudflare API errors by type",
		},
		[]string{"method", "error_type"},
	)
}

func (c *prometheusCollector) register(reg prometheus.Registerer) {
	reg.MustRegister(
		c.eventsTotal,
		c.eventSkipsTotal,
		c.reconcileDuration,
		c.streamReconnects,
		c.loopState,
		c.poolMergesTotal,
		c.lbBindsTotal,
		c.apiDuration,
		c.apiCallsTotal,
		c.apiErrorsTotal,
	)
}

// NoopCollector is a no-op implementation of Collector for testing.
type NoopCollector struct{}

// NewNoopCollector creates a new no-op collector.
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// RecordEvent is a no-op.
func (c *NoopCollector) RecordEvent(_ context.Context, _, _ string) {}

// RecordEventSkip is a no-op.
func (c *NoopCollector) RecordEventSkip(_ context.Context, _ string) {}

// RecordReconcileDuration is a no-op.
func (c *NoopCollector) RecordReconcileDuration(_ context.Context, _ string, _ time.Duration) {}

// RecordStreamReconnect is a no-op.
func (c *NoopCollector) RecordStreamReconnect(_ context.Context, _ string) {}

// RecordLoopState is a no-op.
func (c *NoopCollector) RecordLoopState(_ context.Context, _ string) {}

// RecordPoolMerge is a no-op.
func (c *NoopCollector) RecordPoolMerge(_ context.Context, _ string) {}

// RecordLoadBalancerBind is a no-op.
func (c *NoopCollector) RecordLoadBalancerBind(_ context.Context, _ string) {}

// RecordAPICall is a no-op.
func (c *NoopCollector) RecordAPICall(_ context.Context, _, _, _ string, _ time.Duration) {}

// RecordAPIError is a no-op.
func (c *NoopCollector) RecordAPIError(_ context.Context, _, _ string) {}
