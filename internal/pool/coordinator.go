// Package pool merges cluster addresses into shared Cloudflare pools.
//
// A pool is shared by every controller instance that reports the same
// cluster and region. Instances never lock: each merge re-reads the pool
// immediately before writing and is safe to re-run, so an address dropped by
// a concurrent write comes back on the next relist.
package pool

import (
	"context"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cockroachdb/errors"

	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/config"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/identity"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/lbapi"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/metrics"
)

const (
	// createAttempts is the initial attempt plus one find-and-merge retry
	// after a lost create race.
	createAttempts = 2

	defaultRaceRetryDelay = time.Second
)

// ErrDuplicateCreateRace marks a failed pool create. The usual cause is a
// concurrent instance creating the same pool first.
var ErrDuplicateCreateRace = errors.New("pool create lost a race")

// Outcome describes what EnsureOriginPresent did to the remote pool.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeMerged    Outcome = "merged"
	OutcomeUnchanged Outcome = "unchanged"
)

// Options configures a Coordinator.
type Options struct {
	// OriginWeight is the weight of every origin this instance adds.
	OriginWeight float64

	// RaceRetryDelay is the pause before retrying after a failed create.
	RaceRetryDelay time.Duration

	Metrics metrics.Collector
	Logger  *slog.Logger
}

// Coordinator ensures that an address is present in the pool of its cluster.
type Coordinator struct {
	api       lbapi.PoolAPI
	resolver  *identity.Resolver
	weight    float64
	raceDelay time.Duration
	metrics   metrics.Collector
	logger    *slog.Logger
}

// NewCoordinator creates a Coordinator over api.
func NewCoordinator(api lbapi.PoolAPI, resolver *identity.Resolver, opts Options) *Coordinator {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopCollector()
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.RaceRetryDelay <= 0 {
		opts.RaceRetryDelay = defaultRaceRetryDelay
	}

	return &Coordinator{
		api:       api,
		resolver:  resolver,
		weight:    opts.OriginWeight,
		raceDelay: opts.RaceRetryDelay,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "pool-coordinator"),
	}
}

// EnsureOriginPresent makes sure address is an origin of the pool for
// clusterName in geo and returns the pool ID.
//
// Remote failures are returned as *lbapi.SyncError marked with
// lbapi.ErrRemoteReadFailed or lbapi.ErrRemoteWriteFailed.
func (c *Coordinator) EnsureOriginPresent(
	ctx context.Context,
	address, clusterName string,
	geo config.GeoKey,
) (string, Outcome, error) {
	location, err := c.resolver.CoordinatesOf(geo)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to resolve pool coordinates")
	}

	target := mergeTarget{
		poolName: c.resolver.PoolName(clusterName, geo),
		location: location,
		origin: lbapi.Origin{
			Name:    c.resolver.OriginName(geo),
			Address: address,
			Enabled: true,
			Weight:  c.weight,
		},
	}

	logger := c.logger.With("pool", target.poolName, "address", address)

	var (
		poolID  string
		outcome Outcome
	)

	err = retry.Do(
		func() error {
			var attemptErr error

			poolID, outcome, attemptErr = c.ensureOnce(ctx, target)

			return attemptErr
		},
		retry.Context(ctx),
		retry.Attempts(createAttempts),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrDuplicateCreateRace)
		}),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(c.raceDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			logger.Warn("pool create failed, retrying as find-and-merge",
				"attempt", attempt+1,
				"error", err,
			)
		}),
	)
	if err != nil {
		c.metrics.RecordPoolMerge(ctx, "error")

		return "", "", asSyncError(target.poolName, err)
	}

	c.metrics.RecordPoolMerge(ctx, string(outcome))

	if outcome != OutcomeUnchanged {
		logger.Info("pool origin ensured", "poolID", poolID, "outcome", outcome)
	} else {
		logger.Debug("pool already contains address", "poolID", poolID)
	}

	return poolID, outcome, nil
}

type mergeTarget struct {
	poolName string
	location config.GeoLocation
	origin   lbapi.Origin
}

func (c *Coordinator) ensureOnce(ctx context.Context, target mergeTarget) (string, Outcome, error) {
	summaries, err := c.api.ListPools(ctx)
	if err != nil {
		return "", "", lbapi.NewSyncError(lbapi.ResourcePool, target.poolName, lbapi.OpList, err)
	}

	poolID := findPool(summaries, target.poolName)
	if poolID == "" {
		return c.create(ctx, target)
	}

	// Origins are read as late as possible to keep the lost-update window small.
	current, err := c.api.GetPool(ctx, poolID)
	if err != nil {
		return "", "", lbapi.NewSyncError(lbapi.ResourcePool, target.poolName, lbapi.OpGet, err)
	}

	if hasAddress(current.Origins, target.origin.Address) {
		return poolID, OutcomeUnchanged, nil
	}

	desired := &lbapi.Pool{
		Name:      target.poolName,
		Origins:   appendOrigin(current.Origins, target.origin),
		Latitude:  target.location.Latitude,
		Longitude: target.location.Longitude,
	}

	err = c.api.ReplacePool(ctx, poolID, desired)
	if err != nil {
		return "", "", lbapi.NewSyncError(lbapi.ResourcePool, target.poolName, lbapi.OpReplace, err)
	}

	return poolID, OutcomeMerged, nil
}

func (c *Coordinator) create(ctx context.Context, target mergeTarget) (string, Outcome, error) {
	poolID, err := c.api.CreatePool(ctx, &lbapi.Pool{
		Name:      target.poolName,
		Origins:   []lbapi.Origin{target.origin},
		Latitude:  target.location.Latitude,
		Longitude: target.location.Longitude,
	})
	if err != nil {
		return "", "", errors.Mark(
			lbapi.NewSyncError(lbapi.ResourcePool, target.poolName, lbapi.OpCreate, err),
			ErrDuplicateCreateRace,
		)
	}

	return poolID, OutcomeCreated, nil
}

// asSyncError keeps SyncErrors as-is and wraps anything else (context
// cancellation between attempts) as a read failure.
func asSyncError(poolName string, err error) error {
	var syncErr *lbapi.SyncError
	if errors.As(err, &syncErr) {
		return err
	}

	return lbapi.NewSyncError(lbapi.ResourcePool, poolName, lbapi.OpList, err)
}

// findPool returns the ID of the first pool named name.
func findPool(summaries []lbapi.PoolSummary, name string) string {
	for _, summary := range summaries {
		if summary.Name == name {
			return summary.ID
		}
	}

	return ""
}

func hasAddress(origins []lbapi.Origin, address string) bool {
	for _, origin := range origins {
		if origin.Address == address {
			return true
		}
	}

	return false
}

// appendOrigin returns existing with pre-existing duplicate addresses
// collapsed (first wins) and origin appended.
func appendOrigin(existing []lbapi.Origin, origin lbapi.Origin) []lbapi.Origin {
	seen := make(map[string]struct{}, len(existing)+1)
	merged := make([]lbapi.Origin, 0, len(existing)+1)

	for _, current := range existing {
		if _, dup := seen[current.Address]; dup {
			continue
		}

		seen[current.Address] = struct{}{}
		merged = append(merged, current)
	}

	return append(merged, origin)
}
