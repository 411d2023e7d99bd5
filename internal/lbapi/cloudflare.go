package lbapi

import (
	"context"
	"strings"
	"time"

	"github.com/cloudflare/cloudflare-go/v6"
	"github.com/cloudflare/cloudflare-go/v6/accounts"
	"github.com/cloudflare/cloudflare-go/v6/load_balancers"
	"github.com/cloudflare/cloudflare-go/v6/option"
	"github.com/cloudflare/cloudflare-go/v6/zones"
	"github.com/cockroachdb/errors"

	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/metrics"
)

// ClientOptions configures the underlying cloudflare-go client.
type ClientOptions struct {
	APIToken string

	// RequestTimeout bounds each HTTP attempt.
	RequestTimeout time.Duration

	// MaxRetries is the SDK retry count for network errors, 429 and 5xx.
	// Retries back off exponentially inside the SDK.
	MaxRetries int

	// BaseURL overrides the API endpoint (tests).
	BaseURL string
}

// NewClient creates a cloudflare-go client with bearer auth, timeouts and retries.
func NewClient(opts ClientOptions) *cloudflare.Client {
	requestOpts := []option.RequestOption{
		option.WithAPIToken(opts.APIToken),
		option.WithMaxRetries(opts.MaxRetries),
	}

	if opts.RequestTimeout > 0 {
		requestOpts = append(requestOpts, option.WithRequestTimeout(opts.RequestTimeout))
	}

	if opts.BaseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(opts.BaseURL))
	}

	return cloudflare.NewClient(requestOpts...)
}

// Cloudflare implements PoolAPI and LoadBalancerAPI on the Cloudflare API.
type Cloudflare struct {
	client    *cloudflare.Client
	accountID string
	zoneID    string
	metrics   metrics.Collector
}

// NewCloudflare creates an adapter for pools in accountID and load balancers in zoneID.
func NewCloudflare(client *cloudflare.Client, accountID, zoneID string, collector metrics.Collector) *Cloudflare {
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}

	return &Cloudflare{
		client:    client,
		accountID: accountID,
		zoneID:    zoneID,
		metrics:   collector,
	}
}

var (
	_ PoolAPI         = (*Cloudflare)(nil)
	_ LoadBalancerAPI = (*Cloudflare)(nil)
)

func (c *Cloudflare) ListPools(ctx context.Context) ([]PoolSummary, error) {
	start := time.Now()

	page, err := c.client.LoadBalancers.Pools.List(ctx, load_balancers.PoolListParams{
		AccountID: cloudflare.F(c.accountID),
	})
	c.observe(ctx, OpList, "pools", start, err)

	if err != nil {
		return nil, errors.Wrap(err, "failed to list pools")
	}

	summaries := make([]PoolSummary, 0, len(page.Result))
	for i := range page.Result {
		summaries = append(summaries, PoolSummary{ID: page.Result[i].ID, Name: page.Result[i].Name})
	}

	return summaries, nil
}

func (c *Cloudflare) GetPool(ctx context.Context, id string) (*Pool, error) {
	start := time.Now()

	remote, err := c.client.LoadBalancers.Pools.Get(ctx, id, load_balancers.PoolGetParams{
		AccountID: cloudflare.F(c.accountID),
	})
	c.observe(ctx, OpGet, "pools", start, err)

	if err != nil {
		return nil, errors.Wrapf(err, "failed to get pool %s", id)
	}

	pool := &Pool{
		ID:        remote.ID,
		Name:      remote.Name,
		Latitude:  remote.Latitude,
		Longitude: remote.Longitude,
		Origins:   make([]Origin, 0, len(remote.Origins)),
	}

	for i := range remote.Origins {
		pool.Origins = append(pool.Origins, Origin{
			Name:    remote.Origins[i].Name,
			Address: remote.Origins[i].Address,
			Enabled: remote.Origins[i].Enabled,
			Weight:  remote.Origins[i].Weight,
		})
	}

	return pool, nil
}

func (c *Cloudflare) CreatePool(ctx context.Context, pool *Pool) (string, error) {
	start := time.Now()

	created, err := c.client.LoadBalancers.Pools.New(ctx, load_balancers.PoolNewParams{
		AccountID: cloudflare.F(c.accountID),
		Name:      cloudflare.F(pool.Name),
		Origins:   cloudflare.F(originParams(pool.Origins)),
		Latitude:  cloudflare.F(pool.Latitude),
		Longitude: cloudflare.F(pool.Longitude),
	})
	c.observe(ctx, OpCreate, "pools", start, err)

	if err != nil {
		return "", errors.Wrapf(err, "failed to create pool %s", pool.Name)
	}

	return created.ID, nil
}

func (c *Cloudflare) ReplacePool(ctx context.Context, id string, pool *Pool) error {
	start := time.Now()

	_, err := c.client.LoadBalancers.Pools.Update(ctx, id, load_balancers.PoolUpdateParams{
		AccountID: cloudflare.F(c.accountID),
		Name:      cloudflare.F(pool.Name),
		Origins:   cloudflare.F(originParams(pool.Origins)),
		Latitude:  cloudflare.F(pool.Latitude),
		Longitude: cloudflare.F(pool.Longitude),
	})
	c.observe(ctx, OpReplace, "pools", start, err)

	if err != nil {
		return errors.Wrapf(err, "failed to update pool %s", pool.Name)
	}

	return nil
}

func (c *Cloudflare) ListLoadBalancers(ctx context.Context) ([]LoadBalancerSummary, error) {
	start := time.Now()

	page, err := c.client.LoadBalancers.List(ctx, load_balancers.LoadBalancerListParams{
		ZoneID: cloudflare.F(c.zoneID),
	})
	c.observe(ctx, OpList, "load_balancers", start, err)

	if err != nil {
		return nil, errors.Wrap(err, "failed to list load balancers")
	}

	summaries := make([]LoadBalancerSummary, 0, len(page.Result))
	for i := range page.Result {
		summaries = append(summaries, LoadBalancerSummary{ID: page.Result[i].ID, Hostname: page.Result[i].Name})
	}

	return summaries, nil
}

func (c *Cloudflare) CreateLoadBalancer(ctx context.Context, lb *LoadBalancer) (string, error) {
	start := time.Now()

	created, err := c.client.LoadBalancers.New(ctx, load_balancers.LoadBalancerNewParams{
		ZoneID:         cloudflare.F(c.zoneID),
		Name:           cloudflare.F(lb.Hostname),
		DefaultPools:   cloudflare.F(lb.DefaultPools),
		FallbackPool:   cloudflare.F(lb.FallbackPool),
		Proxied:        cloudflare.F(lb.Proxied),
		TTL:            cloudflare.F(float64(lb.TTL)),
		SteeringPolicy: cloudflare.F(load_balancers.SteeringPolicy(lb.SteeringPolicy)),
	})
	c.observe(ctx, OpCreate, "load_balancers", start, err)

	if err != nil {
		return "", errors.Wrapf(err, "failed to create load balancer %s", lb.Hostname)
	}

	return created.ID, nil
}

func (c *Cloudflare) ReplaceLoadBalancer(ctx context.Context, id string, lb *LoadBalancer) error {
	start := time.Now()

	_, err := c.client.LoadBalancers.Update(ctx, id, load_balancers.LoadBalancerUpdateParams{
		ZoneID:         cloudflare.F(c.zoneID),
		Name:           cloudflare.F(lb.Hostname),
		DefaultPools:   cloudflare.F(lb.DefaultPools),
		FallbackPool:   cloudflare.F(lb.FallbackPool),
		Proxied:        cloudflare.F(lb.Proxied),
		TTL:            cloudflare.F(float64(lb.TTL)),
		SteeringPolicy: cloudflare.F(load_balancers.SteeringPolicy(lb.SteeringPolicy)),
	})
	c.observe(ctx, OpReplace, "load_balancers", start, err)

	if err != nil {
		return errors.Wrapf(err, "failed to update load balancer %s", lb.Hostname)
	}

	return nil
}

// ResolveAccountID returns accountID when set, otherwise the single account
// visible to the API token.
//
//nolint:wrapcheck // errors.Newf creates new errors
func ResolveAccountID(ctx context.Context, client *cloudflare.Client, accountID string) (string, error) {
	if accountID != "" {
		return accountID, nil
	}

	result, err := client.Accounts.List(ctx, accounts.AccountListParams{})
	if err != nil {
		return "", errors.Wrap(err, "failed to list accounts")
	}

	accountList := result.Result
	if len(accountList) == 0 {
		return "", errors.New("no accounts found for this API token")
	}

	if len(accountList) > 1 {
		return "", errors.Newf("multiple accounts found (%d), please specify --account-id explicitly", len(accountList))
	}

	return accountList[0].ID, nil
}

// ValidateZone checks that hostname is the apex of zoneID or one of its subdomains.
//
//nolint:wrapcheck // errors.Newf creates new errors
func ValidateZone(ctx context.Context, client *cloudflare.Client, zoneID, hostname string) (string, error) {
	zone, err := client.Zones.Get(ctx, zones.ZoneGetParams{ZoneID: cloudflare.F(zoneID)})
	if err != nil {
		return "", errors.Wrapf(err, "failed to get zone %s", zoneID)
	}

	if !HostnameInZone(hostname, zone.Name) {
		return zone.Name, errors.Newf("hostname %q does not belong to zone %q", hostname, zone.Name)
	}

	return zone.Name, nil
}

// HostnameInZone reports whether hostname equals zoneName or is a subdomain of it.
func HostnameInZone(hostname, zoneName string) bool {
	host := strings.ToLower(strings.TrimSuffix(hostname, "."))
	zone := strings.ToLower(strings.TrimSuffix(zoneName, "."))

	if host == "" || zone == "" {
		return false
	}

	return host == zone || strings.HasSuffix(host, "."+zone)
}

func (c *Cloudflare) observe(ctx context.Context, method, resource string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"

		c.metrics.RecordAPIError(ctx, method, metrics.ClassifyAPIError(err))
	}

	c.metrics.RecordAPICall(ctx, method, resource, status, time.Since(start))
}

func originParams(origins []Origin) []load_balancers.OriginParam {
	params := make([]load_balancers.OriginParam, 0, len(origins))

	for _, origin := range origins {
		params = append(params, load_balancers.OriginParam{
			Name:    cloudflare.F(origin.Name),
			Address: cloudflare.F(origin.Address),
			Enabled: cloudflare.F(origin.Enabled),
			Weight:  cloudflare.F(origin.Weight),
		})
	}

	return params
}
