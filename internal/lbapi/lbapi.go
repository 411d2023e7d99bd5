// Package lbapi is the Cloudflare Load Balancing client used by the pool
// coordinator and the load balancer binder.
//
// The interfaces describe full-document semantics: Replace* overwrites the
// whole remote resource. The provider offers no conditional writes, so
// callers must re-read immediately before every write.
package lbapi

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Failure kinds for remote calls that did not succeed after the client's
// own retries.
var (
	ErrRemoteReadFailed  = errors.New("remote read failed")
	ErrRemoteWriteFailed = errors.New("remote write failed")
)

// Origin is a single address inside a pool. Address is the merge identity.
type Origin struct {
	Name    string
	Address string
	Enabled bool
	Weight  float64
}

// Pool is a named group of origins with steering coordinates.
type Pool struct {
	ID        string
	Name      string
	Origins   []Origin
	Latitude  float64
	Longitude float64
}

// PoolSummary is a listed pool without its origins.
type PoolSummary struct {
	ID   string
	Name string
}

// LoadBalancer binds a hostname to pools.
type LoadBalancer struct {
	ID             string
	Hostname       string
	DefaultPools   []string
	FallbackPool   string
	Proxied        bool
	TTL            int64
	SteeringPolicy string
}

// LoadBalancerSummary is a listed load balancer.
type LoadBalancerSummary struct {
	ID       string
	Hostname string
}

// PoolAPI manages account-level pools.
type PoolAPI interface {
	ListPools(ctx context.Context) ([]PoolSummary, error)
	GetPool(ctx context.Context, id string) (*Pool, error)
	CreatePool(ctx context.Context, pool *Pool) (string, error)
	ReplacePool(ctx context.Context, id string, pool *Pool) error
}

// LoadBalancerAPI manages zone-level load balancers.
type LoadBalancerAPI interface {
	ListLoadBalancers(ctx context.Context) ([]LoadBalancerSummary, error)
	CreateLoadBalancer(ctx context.Context, lb *LoadBalancer) (string, error)
	ReplaceLoadBalancer(ctx context.Context, id string, lb *LoadBalancer) error
}

// SyncError reports a remote resource that could not be brought to the
// desired state. It carries enough context to diagnose a failed event.
type SyncError struct {
	// Resource is "pool" or "load_balancer".
	Resource string
	// Name is the pool name or load balancer hostname.
	Name string
	// Op is the failed operation (list, get, create, replace).
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s %q: %s failed: %v", e.Resource, e.Name, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError wraps err and marks it as a read or write failure by op.
func NewSyncError(resource, name, op string, err error) *SyncError {
	kind := ErrRemoteWriteFailed
	if op == OpList || op == OpGet {
		kind = ErrRemoteReadFailed
	}

	return &SyncError{Resource: resource, Name: name, Op: op, Err: errors.Mark(err, kind)}
}

// Operation names used in SyncError and metrics.
const (
	OpList    = "list"
	OpGet     = "get"
	OpCreate  = "create"
	OpReplace = "replace"

	ResourcePool         = "pool"
	ResourceLoadBalancer = "load_balancer"
)
