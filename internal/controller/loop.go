package controller

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/config"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/lbapi"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/metrics"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/observation"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/pool"
)

// ErrStreamTerminated marks a watch stream that ended abnormally.
var ErrStreamTerminated = errors.New("watch stream terminated")

var errNotStreaming = errors.New("ingress watch has not been established yet")

// State is the reconciliation loop state.
type State string

const (
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateErrorBackoff State = "error_backoff"
	StateStopped      State = "stopped"
)

// Reconnect reasons for metrics.
const (
	reconnectTimeout   = "timeout"
	reconnectError     = "error"
	reconnectOpenError = "open_error"
)

// PoolEnsurer adds an address to its cluster pool.
type PoolEnsurer interface {
	EnsureOriginPresent(ctx context.Context, address, clusterName string, geo config.GeoKey) (string, pool.Outcome, error)
}

// PoolBinder points the load balancer at a pool.
type PoolBinder interface {
	EnsureBound(ctx context.Context, poolID string) error
}

// LoopOptions configures a Loop. Zero durations use the config defaults.
type LoopOptions struct {
	LabelSelector  string
	WatchTimeout   time.Duration
	ReconnectDelay time.Duration
	EventTimeout   time.Duration

	Metrics metrics.Collector
	Logger  *slog.Logger
}

// Loop watches ingresses and syncs each event to Cloudflare, one at a time.
//
// It cycles Connecting -> Streaming -> ErrorBackoff -> Connecting until its
// context is cancelled. Every reconnect relists, which replays missed or
// raced updates.
type Loop struct {
	source     EventSource
	classifier *observation.Classifier
	pools      PoolEnsurer
	binder     PoolBinder
	opts       LoopOptions
	metrics    metrics.Collector
	logger     *slog.Logger

	mu       sync.RWMutex
	state    State
	streamed bool
}

// NewLoop creates a Loop.
func NewLoop(
	source EventSource,
	classifier *observation.Classifier,
	pools PoolEnsurer,
	binder PoolBinder,
	opts LoopOptions,
) *Loop {
	if opts.WatchTimeout <= 0 {
		opts.WatchTimeout = config.DefaultWatchTimeout
	}

	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = config.DefaultReconnectDelay
	}

	if opts.EventTimeout <= 0 {
		opts.EventTimeout = config.DefaultEventTimeout
	}

	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopCollector()
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Loop{
		source:     source,
		classifier: classifier,
		pools:      pools,
		binder:     binder,
		opts:       opts,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("component", "reconcile-loop"),
		state:      StateConnecting,
	}
}

// State returns the current loop state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.state
}

// ReadyCheck is a healthz.Checker that passes once a watch stream has been
// established.
func (l *Loop) ReadyCheck(_ *http.Request) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.streamed {
		return errNotStreaming
	}

	return nil
}

// NeedLeaderElection makes the loop run only on the elected replica when
// leader election is enabled.
func (l *Loop) NeedLeaderElection() bool {
	return true
}

// Start runs the loop until ctx is cancelled. It never returns an error for
// stream or remote failures.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("starting reconciliation loop",
		"labelSelector", l.opts.LabelSelector,
		"watchTimeout", l.opts.WatchTimeout,
		"reconnectDelay", l.opts.ReconnectDelay,
	)

	for {
		l.setState(ctx, StateConnecting)

		reason := l.connectAndStream(ctx)
		if ctx.Err() != nil {
			break
		}

		l.metrics.RecordStreamReconnect(ctx, reason)
		l.setState(ctx, StateErrorBackoff)

		if !sleep(ctx, l.opts.ReconnectDelay) {
			break
		}
	}

	l.setState(ctx, StateStopped)
	l.logger.Info("reconciliation loop stopped")

	return nil
}

// connectAndStream runs one Connecting and Streaming cycle and returns the
// reconnect reason.
func (l *Loop) connectAndStream(ctx context.Context) string {
	watcher, err := l.source.Open(ctx, l.opts.LabelSelector, l.opts.WatchTimeout)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Error("failed to open ingress watch", "error", err)
		}

		return reconnectOpenError
	}
	defer watcher.Stop()

	l.setState(ctx, StateStreaming)
	l.logger.Debug("ingress watch established")

	err = l.stream(ctx, watcher)
	if err != nil {
		l.logger.Warn("ingress watch terminated", "error", err)

		return reconnectError
	}

	l.logger.Debug("ingress watch ended, reconnecting")

	return reconnectTimeout
}

// stream delivers events until the result channel closes, an error event
// arrives or ctx is cancelled.
func (l *Loop) stream(ctx context.Context, watcher watch.Interface) error {
	events := watcher.ResultChan()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			if ev.Type == watch.Error {
				//nolint:wrapcheck // errors.Mark wraps a new error
				return errors.Mark(
					errors.Wrap(apierrors.FromObject(ev.Object), "watch returned an error event"),
					ErrStreamTerminated,
				)
			}

			l.handle(ctx, ev)
		}
	}
}

// handle processes one event. Remote work runs on a context detached from
// ctx so shutdown waits for the in-flight event.
func (l *Loop) handle(ctx context.Context, ev watch.Event) {
	eventType := string(ev.Type)
	logger := l.logger.With("reconcileID", uuid.NewString(), "eventType", eventType)

	obs, err := l.classifier.Classify(ev)
	if obs.Name != "" {
		logger = logger.With("ingress", obs.Key())
	}

	if err != nil {
		reason := observation.ReasonOf(err)
		logger.Info("skipping ingress event", "reason", reason, "error", err.Error())
		l.metrics.RecordEventSkip(ctx, reason)
		l.metrics.RecordEvent(ctx, eventType, "skipped")

		return
	}

	logger = logger.With("cluster", obs.ClusterName, "geo", string(obs.GeoKey), "address", obs.Address)

	if !obs.Actionable() {
		logger.Info("ingress deleted, remote pool left unchanged")
		l.metrics.RecordEvent(ctx, eventType, "ignored")

		return
	}

	eventCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.EventTimeout)
	defer cancel()

	start := time.Now()

	err = l.reconcile(eventCtx, obs, logger)
	if err != nil {
		l.logFailure(logger, err)
		l.metrics.RecordReconcileDuration(ctx, "error", time.Since(start))
		l.metrics.RecordEvent(ctx, eventType, "failed")

		return
	}

	l.metrics.RecordReconcileDuration(ctx, "success", time.Since(start))
	l.metrics.RecordEvent(ctx, eventType, "processed")
}

func (l *Loop) reconcile(ctx context.Context, obs observation.Observation, logger *slog.Logger) error {
	poolID, outcome, err := l.pools.EnsureOriginPresent(ctx, obs.Address, obs.ClusterName, obs.GeoKey)
	if err != nil {
		return errors.Wrap(err, "failed to ensure pool origin")
	}

	err = l.binder.EnsureBound(ctx, poolID)
	if err != nil {
		return errors.Wrap(err, "failed to bind load balancer")
	}

	logger.Info("ingress synced", "poolID", poolID, "poolOutcome", string(outcome))

	return nil
}

func (l *Loop) logFailure(logger *slog.Logger, err error) {
	var syncErr *lbapi.SyncError
	if errors.As(err, &syncErr) {
		logger.Error("failed to sync ingress",
			"resource", syncErr.Resource,
			"name", syncErr.Name,
			"op", syncErr.Op,
			"error", syncErr.Err.Error(),
		)

		return
	}

	logger.Error("failed to sync ingress", "error", err.Error())
}

func (l *Loop) setState(ctx context.Context, state State) {
	l.mu.Lock()
	l.state = state

	if state == StateStreaming {
		l.streamed = true
	}
	l.mu.Unlock()

	l.metrics.RecordLoopState(ctx, string(state))
}

// sleep waits for d and reports false if ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
