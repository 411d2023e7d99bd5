package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/binder"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/config"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/identity"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/lbapi"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/lbapi/lbapitest"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/observation"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/pool"
)

const (
	testSelector = "dns.external/geo-route=true"
	waitFor      = 5 * time.Second
	tick         = 5 * time.Millisecond
)

var errTransient = errors.New("transient failure")

// scriptedSource returns one scripted stream per Open and an idle stream
// once the script is exhausted.
type scriptedSource struct {
	mu        sync.Mutex
	steps     []func() (watch.Interface, error)
	opens     int
	selectors []string
	timeouts  []time.Duration
}

func newScriptedSource(steps ...func() (watch.Interface, error)) *scriptedSource {
	return &scriptedSource{steps: steps}
}

func (s *scriptedSource) Open(_ context.Context, labelSelector string, timeout time.Duration) (watch.Interface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens++
	s.selectors = append(s.selectors, labelSelector)
	s.timeouts = append(s.timeouts, timeout)

	if len(s.steps) == 0 {
		return watch.NewFake(), nil
	}

	step := s.steps[0]
	s.steps = s.steps[1:]

	return step()
}

func (s *scriptedSource) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.opens
}

// closedStream delivers events and then ends normally, as on a server timeout.
func closedStream(events ...watch.Event) func() (watch.Interface, error) {
	return func() (watch.Interface, error) {
		watcher := watch.NewFakeWithChanSize(len(events), false)
		for _, ev := range events {
			watcher.Action(ev.Type, ev.Object)
		}

		watcher.Stop()

		return watcher, nil
	}
}

// failingStream delivers events and then an error event.
func failingStream(events ...watch.Event) func() (watch.Interface, error) {
	return func() (watch.Interface, error) {
		watcher := watch.NewFakeWithChanSize(len(events)+1, false)
		for _, ev := range events {
			watcher.Action(ev.Type, ev.Object)
		}

		watcher.Error(&metav1.Status{
			Status:  metav1.StatusFailure,
			Message: "too old resource version",
			Reason:  metav1.StatusReasonExpired,
			Code:    410,
		})

		return watcher, nil
	}
}

func webIngress(ip string) *networkingv1.Ingress {
	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "ns",
			Name:      "web",
			Labels: map[string]string{
				"cluster-name":           "alpha",
				"geo-location":           "eu",
				"dns.external/geo-route": "true",
			},
		},
	}

	if ip != "" {
		ing.Status.LoadBalancer.Ingress = []networkingv1.IngressLoadBalancerIngress{{IP: ip}}
	}

	return ing
}

func added(obj *networkingv1.Ingress) watch.Event {
	return watch.Event{Type: watch.Added, Object: obj}
}

func newTestLoop(source EventSource, fake *lbapitest.Fake) *Loop {
	geo := config.DefaultGeoTable()
	resolver := identity.NewResolver(geo, true)

	coordinator := pool.NewCoordinator(fake, resolver, pool.Options{
		OriginWeight:   33,
		RaceRetryDelay: time.Millisecond,
	})
	lbBinder := binder.New(fake, binder.Settings{
		Hostname:       "app.example.com",
		Proxied:        true,
		TTL:            30,
		SteeringPolicy: "least_connections",
	}, nil, nil)

	return NewLoop(source, observation.NewClassifier(geo, true, ""), coordinator, lbBinder, LoopOptions{
		LabelSelector:  testSelector,
		WatchTimeout:   time.Minute,
		ReconnectDelay: time.Millisecond,
		EventTimeout:   time.Second,
	})
}

// startLoop runs loop in the background; the returned func cancels it and
// waits for Start to return.
func startLoop(t *testing.T, loop *Loop) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- loop.Start(ctx)
	}()

	stop := func() {
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("loop did not stop")
		}
	}

	t.Cleanup(cancel)

	return stop
}

func TestLoop_SyncsAddedIngress(t *testing.T) {
	t.Parallel()

	fake := lbapitest.New()
	source := newScriptedSource(closedStream(added(webIngress("1.2.3.4"))))
	loop := newTestLoop(source, fake)

	stop := startLoop(t, loop)

	require.Eventually(t, func() bool {
		return len(fake.LoadBalancers()) == 1
	}, waitFor, tick)

	stop()

	created, ok := fake.PoolByName("k8s-pool-alpha-eu")
	require.True(t, ok)
	assert.Equal(t, []lbapi.Origin{
		{Name: "origin-eu", Address: "1.2.3.4", Enabled: true, Weight: 33},
	}, created.Origins)
	assert.InDelta(t, 50.1109, created.Latitude, 1e-9)
	assert.InDelta(t, 8.6821, created.Longitude, 1e-9)

	lb := fake.LoadBalancers()[0]
	assert.Equal(t, "app.example.com", lb.Hostname)
	assert.Equal(t, []string{created.ID}, lb.DefaultPools)
	assert.Equal(t, created.ID, lb.FallbackPool)
}

func TestLoop_ReconnectRelistRecoversFailedEvent(t *testing.T) {
	t.Parallel()

	fake := lbapitest.New()

	var failing atomic.Bool
	failing.Store(true)

	fake.BeforeCreatePool = func(*lbapi.Pool) error {
		if failing.Load() {
			return errTransient
		}

		return nil
	}

	source := newScriptedSource(
		failingStream(added(webIngress("1.2.3.4"))),
		func() (watch.Interface, error) {
			failing.Store(false)

			return closedStream(added(webIngress("1.2.3.4")))()
		},
	)
	loop := newTestLoop(source, fake)

	stop := startLoop(t, loop)

	require.Eventually(t, func() bool {
		_, ok := fake.PoolByName("k8s-pool-alpha-eu")

		return ok && len(fake.LoadBalancers()) == 1
	}, waitFor, tick)

	stop()

	assert.GreaterOrEqual(t, source.Opens(), 2)
	assert.Equal(t, 2+1, fake.Calls("CreatePool"), "two failed attempts, then one success after relist")
}

func TestLoop_BadEventsDoNotStopStream(t *testing.T) {
	t.Parallel()

	noLabels := webIngress("9.9.9.9")
	noLabels.Name = "unlabelled"
	noLabels.Labels = nil

	unknownGeo := webIngress("8.8.8.8")
	unknownGeo.Name = "mars"
	unknownGeo.Labels["geo-location"] = "mars"

	fake := lbapitest.New()
	source := newScriptedSource(closedStream(
		added(noLabels),
		added(webIngress("")),
		added(unknownGeo),
		watch.Event{Type: watch.Added, Object: &metav1.Status{}},
		watch.Event{Type: watch.Bookmark, Object: webIngress("7.7.7.7")},
		watch.Event{Type: watch.Modified, Object: webIngress("1.2.3.4")},
	))
	loop := newTestLoop(source, fake)

	stop := startLoop(t, loop)

	require.Eventually(t, func() bool {
		return len(fake.LoadBalancers()) == 1
	}, waitFor, tick)

	stop()

	pools := fake.Pools()
	require.Len(t, pools, 1)
	assert.Equal(t, "k8s-pool-alpha-eu", pools[0].Name)
	assert.Equal(t, "1.2.3.4", pools[0].Origins[0].Address)
}

func TestLoop_DeletedEventLeavesRemoteUntouched(t *testing.T) {
	t.Parallel()

	fake := lbapitest.New()
	fake.SeedPool(lbapi.Pool{
		Name:    "k8s-pool-alpha-eu",
		Origins: []lbapi.Origin{{Name: "origin-eu", Address: "1.2.3.4", Enabled: true, Weight: 33}},
	})

	source := newScriptedSource(closedStream(watch.Event{Type: watch.Deleted, Object: webIngress("1.2.3.4")}))
	loop := newTestLoop(source, fake)

	stop := startLoop(t, loop)

	// The second open happens only after the first stream was fully handled.
	require.Eventually(t, func() bool { return source.Opens() >= 2 }, waitFor, tick)

	stop()

	assert.Equal(t, 0, fake.Writes())
	assert.Equal(t, 0, fake.Calls("ListPools"))

	remaining, ok := fake.PoolByName("k8s-pool-alpha-eu")
	require.True(t, ok)
	assert.Len(t, remaining.Origins, 1)
}

func TestLoop_OpenFailureBacksOffAndReconnects(t *testing.T) {
	t.Parallel()

	fake := lbapitest.New()
	source := newScriptedSource(
		func() (watch.Interface, error) { return nil, errTransient },
		func() (watch.Interface, error) { return nil, errTransient },
		closedStream(added(webIngress("1.2.3.4"))),
	)
	loop := newTestLoop(source, fake)

	require.ErrorIs(t, loop.ReadyCheck(nil), errNotStreaming)

	stop := startLoop(t, loop)

	require.Eventually(t, func() bool {
		return len(fake.LoadBalancers()) == 1
	}, waitFor, tick)

	assert.NoError(t, loop.ReadyCheck(nil))

	stop()

	assert.GreaterOrEqual(t, source.Opens(), 3)
}

func TestLoop_PassesSelectorAndTimeout(t *testing.T) {
	t.Parallel()

	source := newScriptedSource(closedStream(), closedStream())
	loop := newTestLoop(source, lbapitest.New())

	stop := startLoop(t, loop)

	require.Eventually(t, func() bool { return source.Opens() >= 3 }, waitFor, tick)

	stop()

	source.mu.Lock()
	defer source.mu.Unlock()

	for i := range source.selectors {
		assert.Equal(t, testSelector, source.selectors[i])
		assert.Equal(t, time.Minute, source.timeouts[i])
	}
}

func TestLoop_StopsOnCancel(t *testing.T) {
	t.Parallel()

	loop := newTestLoop(newScriptedSource(), lbapitest.New())

	stop := startLoop(t, loop)

	require.Eventually(t, func() bool { return loop.State() == StateStreaming }, waitFor, tick)

	stop()

	assert.Equal(t, StateStopped, loop.State())
	assert.True(t, loop.NeedLeaderElection())
}

type cancellingEnsurer struct {
	cancel  context.CancelFunc
	ctxErr  error
	calls   atomic.Int32
	release chan struct{}
}

func (c *cancellingEnsurer) EnsureOriginPresent(
	ctx context.Context,
	_, _ string,
	_ config.GeoKey,
) (string, pool.Outcome, error) {
	c.calls.Add(1)
	c.cancel()
	<-c.release
	c.ctxErr = ctx.Err()

	return "pool-1", pool.OutcomeCreated, nil
}

type recordingBinder struct {
	bound atomic.Value
}

func (r *recordingBinder) EnsureBound(_ context.Context, poolID string) error {
	r.bound.Store(poolID)

	return nil
}

func TestLoop_InFlightEventFinishesOnShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ensurer := &cancellingEnsurer{cancel: cancel, release: make(chan struct{})}
	bound := &recordingBinder{}

	source := newScriptedSource(closedStream(added(webIngress("1.2.3.4"))))
	loop := NewLoop(source, observation.NewClassifier(config.DefaultGeoTable(), true, ""), ensurer, bound, LoopOptions{
		LabelSelector:  testSelector,
		ReconnectDelay: time.Millisecond,
		EventTimeout:   time.Second,
	})

	done := make(chan error, 1)

	go func() {
		done <- loop.Start(ctx)
	}()

	require.Eventually(t, func() bool { return ensurer.calls.Load() == 1 }, waitFor, tick)
	close(ensurer.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("loop did not stop")
	}

	require.NoError(t, ensurer.ctxErr, "event context must outlive process cancellation")
	assert.Equal(t, "pool-1", bound.bound.Load())
	assert.Equal(t, StateStopped, loop.State())
}
