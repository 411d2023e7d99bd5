// Package lbapitest provides an in-memory Cloudflare Load Balancing fake.
package lbapitest

import (
	"context"
	"slices"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/lbapi"
)

// ErrNotFound is returned for unknown IDs.
var ErrNotFound = errors.New("not found")

// Fake is a goroutine-safe in-memory provider. Hooks run before the
// corresponding operation and may return an error to fail it.
//
// Several coordinators sharing one Fake behave like controller instances in
// different clusters sharing one Cloudflare account: no locking is offered
// beyond single-call atomicity.
type Fake struct {
	mu sync.Mutex

	pools     []lbapi.Pool
	lbs       []lbapi.LoadBalancer
	nextID    int
	calls     map[string]int
	poolNames map[string]string

	// DuplicateNames fails a create when the pool name already exists. Clear
	// it to let duplicate pools accumulate.
	DuplicateNames bool

	BeforeListPools   func() error
	BeforeGetPool     func(id string) error
	BeforeCreatePool  func(pool *lbapi.Pool) error
	BeforeReplacePool func(id string, pool *lbapi.Pool) error
	BeforeListLBs     func() error
	BeforeCreateLB    func(lb *lbapi.LoadBalancer) error
	BeforeReplaceLB   func(id string, lb *lbapi.LoadBalancer) error
}

// New creates an empty Fake. It fails a create whose pool name already
// exists, so a create that follows another writer's create surfaces as a
// lost race.
func New() *Fake {
	return &Fake{
		calls:          map[string]int{},
		poolNames:      map[string]string{},
		DuplicateNames: true,
	}
}

var (
	_ lbapi.PoolAPI         = (*Fake)(nil)
	_ lbapi.LoadBalancerAPI = (*Fake)(nil)
)

// SeedPool stores pool as-is and returns its ID.
func (f *Fake) SeedPool(pool lbapi.Pool) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	pool.ID = f.newID("pool")
	pool.Origins = slices.Clone(pool.Origins)
	f.pools = append(f.pools, pool)
	f.poolNames[pool.Name] = pool.ID

	return pool.ID
}

// SeedLoadBalancer stores lb as-is and returns its ID.
func (f *Fake) SeedLoadBalancer(lb lbapi.LoadBalancer) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	lb.ID = f.newID("lb")
	lb.DefaultPools = slices.Clone(lb.DefaultPools)
	f.lbs = append(f.lbs, lb)

	return lb.ID
}

// Pools returns a copy of all pools in creation order.
func (f *Fake) Pools() []lbapi.Pool {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]lbapi.Pool, 0, len(f.pools))
	for _, pool := range f.pools {
		pool.Origins = slices.Clone(pool.Origins)
		out = append(out, pool)
	}

	return out
}

// PoolByName returns a copy of the named pool.
func (f *Fake) PoolByName(name string) (lbapi.Pool, bool) {
	for _, pool := range f.Pools() {
		if pool.Name == name {
			return pool, true
		}
	}

	return lbapi.Pool{}, false
}

// LoadBalancers returns a copy of all load balancers.
func (f *Fake) LoadBalancers() []lbapi.LoadBalancer {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]lbapi.LoadBalancer, 0, len(f.lbs))
	for _, lb := range f.lbs {
		lb.DefaultPools = slices.Clone(lb.DefaultPools)
		out = append(out, lb)
	}

	return out
}

// Calls returns how many times op ("ListPools", "CreatePool", ...) ran,
// including failed attempts.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[op]
}

// Writes returns the number of create and replace calls across both resources.
func (f *Fake) Writes() int {
	return f.Calls("CreatePool") + f.Calls("ReplacePool") +
		f.Calls("CreateLoadBalancer") + f.Calls("ReplaceLoadBalancer")
}

func (f *Fake) ListPools(_ context.Context) ([]lbapi.PoolSummary, error) {
	f.count("ListPools")

	if err := run(f.BeforeListPools); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]lbapi.PoolSummary, 0, len(f.pools))
	for _, pool := range f.pools {
		out = append(out, lbapi.PoolSummary{ID: pool.ID, Name: pool.Name})
	}

	return out, nil
}

func (f *Fake) GetPool(_ context.Context, id string) (*lbapi.Pool, error) {
	f.count("GetPool")

	if f.BeforeGetPool != nil {
		if err := f.BeforeGetPool(id); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.poolIndex(id)
	if idx < 0 {
		return nil, errors.Wrapf(ErrNotFound, "pool %s", id)
	}

	pool := f.pools[idx]
	pool.Origins = slices.Clone(pool.Origins)

	return &pool, nil
}

func (f *Fake) CreatePool(_ context.Context, pool *lbapi.Pool) (string, error) {
	f.count("CreatePool")

	if f.BeforeCreatePool != nil {
		if err := f.BeforeCreatePool(pool); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.poolNames[pool.Name]; exists && f.DuplicateNames {
		return "", errors.Newf("pool with name %s already exists", pool.Name)
	}

	stored := *pool
	stored.ID = f.newID("pool")
	stored.Origins = slices.Clone(pool.Origins)
	f.pools = append(f.pools, stored)
	f.poolNames[stored.Name] = stored.ID

	return stored.ID, nil
}

func (f *Fake) ReplacePool(_ context.Context, id string, pool *lbapi.Pool) error {
	f.count("ReplacePool")

	if f.BeforeReplacePool != nil {
		if err := f.BeforeReplacePool(id, pool); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.poolIndex(id)
	if idx < 0 {
		return errors.Wrapf(ErrNotFound, "pool %s", id)
	}

	stored := *pool
	stored.ID = id
	stored.Origins = slices.Clone(pool.Origins)
	f.pools[idx] = stored

	return nil
}

func (f *Fake) ListLoadBalancers(_ context.Context) ([]lbapi.LoadBalancerSummary, error) {
	f.count("ListLoadBalancers")

	if err := run(f.BeforeListLBs); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]lbapi.LoadBalancerSummary, 0, len(f.lbs))
	for _, lb := range f.lbs {
		out = append(out, lbapi.LoadBalancerSummary{ID: lb.ID, Hostname: lb.Hostname})
	}

	return out, nil
}

func (f *Fake) CreateLoadBalancer(_ context.Context, lb *lbapi.LoadBalancer) (string, error) {
	f.count("CreateLoadBalancer")

	if f.BeforeCreateLB != nil {
		if err := f.BeforeCreateLB(lb); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	stored := *lb
	stored.ID = f.newID("lb")
	stored.DefaultPools = slices.Clone(lb.DefaultPools)
	f.lbs = append(f.lbs, stored)

	return stored.ID, nil
}

func (f *Fake) ReplaceLoadBalancer(_ context.Context, id string, lb *lbapi.LoadBalancer) error {
	f.count("ReplaceLoadBalancer")

	if f.BeforeReplaceLB != nil {
		if err := f.BeforeReplaceLB(id, lb); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.lbs {
		if f.lbs[i].ID == id {
			stored := *lb
			stored.ID = id
			stored.DefaultPools = slices.Clone(lb.DefaultPools)
			f.lbs[i] = stored

			return nil
		}
	}

	return errors.Wrapf(ErrNotFound, "load balancer %s", id)
}

func (f *Fake) count(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op]++
}

func (f *Fake) newID(prefix string) string {
	f.nextID++

	return prefix + "-" + strconv.Itoa(f.nextID)
}

func (f *Fake) poolIndex(id string) int {
	return slices.IndexFunc(f.pools, func(p lbapi.Pool) bool { return p.ID == id })
}

func run(hook func() error) error {
	if hook == nil {
		return nil
	}

	return hook()
}
