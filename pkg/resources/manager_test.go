package resources

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/observability"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// countingFetcher returns "<server>:<uri>#<n>" where n counts fetches of
// that resource
type countingFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func newCountingFetcher() *countingFetcher {
	return &countingFetcher{calls: make(map[string]int)}
}

func (f *countingFetcher) fetch(_ context.Context, server, uri string) (*protocol.ReadResourceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	key := server + ":" + uri
	f.calls[key]++
	return textResult(uri, key+"#"+string(rune('0'+f.calls[key]))), nil
}

func (f *countingFetcher) count(server, uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[server+":"+uri]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(fetch FetchFunc, opts ...Option) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(fetch, append([]Option{WithLogger(logging.NewNop())}, opts...)...)
	m.now = clock.Now
	return m, clock
}

func TestQualifiedURI(t *testing.T) {
	q := QualifyURI("files", "file:///tmp/a.txt")
	assert.Equal(t, "mcp://files/file:///tmp/a.txt", q)

	server, uri, err := ParseQualifiedURI(q)
	require.NoError(t, err)
	assert.Equal(t, "files", server)
	assert.Equal(t, "file:///tmp/a.txt", uri)

	for _, bad := range []string{"files/x", "mcp://", "mcp://files", "mcp:///x", "mcp://files/"} {
		_, _, err := ParseQualifiedURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestReadResourceCachesUntilTTL(t *testing.T) {
	f := newCountingFetcher()
	m, clock := newTestManager(f.fetch, WithTTL(time.Minute))
	ctx := context.Background()

	first, err := m.ReadResource(ctx, "s", "r")
	require.NoError(t, err)
	second, err := m.ReadResource(ctx, "s", "r")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.count("s", "r"))

	clock.Advance(59 * time.Second)
	_, err = m.ReadResource(ctx, "s", "r")
	require.NoError(t, err)
	assert.Equal(t, 1, f.count("s", "r"))

	clock.Advance(2 * time.Second)
	third, err := m.ReadResource(ctx, "s", "r")
	require.NoError(t, err)
	assert.Equal(t, 2, f.count("s", "r"))
	assert.Equal(t, "s:r#2", third.Contents[0].Text)
}

func TestReadResourceRecordsCacheMetrics(t *testing.T) {
	metrics, err := observability.NewMetrics(observability.MetricsConfig{Namespace: "restest"})
	require.NoError(t, err)
	f := newCountingFetcher()
	m, _ := newTestManager(f.fetch, WithMetrics(metrics))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.ReadResource(ctx, "s", "r")
		require.NoError(t, err)
	}

	expected := `
# HELP restest_resource_cache_lookups_total Resource cache lookups by result
# TYPE restest_resource_cache_lookups_total counter
restest_resource_cache_lookups_total{result="hit"} 2
restest_resource_cache_lookups_total{result="miss"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Gatherer(), strings.NewReader(expected), "restest_resource_cache_lookups_total"))
}

func TestReadResourceFetchErrorIsNotCached(t *testing.T) {
	f := newCountingFetcher()
	f.err = mcperrors.ResourceUnavailable("resource", "r", errors.New("down"))
	m, _ := newTestManager(f.fetch)
	ctx := context.Background()

	_, err := m.ReadResource(ctx, "s", "r")
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeResourceUnavailable))
	assert.Zero(t, m.CacheLen(ctx))

	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	_, err = m.ReadResource(ctx, "s", "r")
	assert.NoError(t, err)
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, server, uri string) (*protocol.ReadResourceResult, error) {
		calls.Add(1)
		<-release
		return textResult(uri, "shared"), nil
	}
	m, _ := newTestManager(fetch)

	const readers = 8
	var wg sync.WaitGroup
	results := make([]*protocol.ReadResourceResult, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.ReadResource(context.Background(), "s", "slow")
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, "shared", r.Contents[0].Text)
	}
}

// blockingFetcher holds every fetch until released and fails fetches whose
// context was cancelled
type blockingFetcher struct {
	calls   atomic.Int32
	release chan struct{}
}

func (f *blockingFetcher) fetch(ctx context.Context, _, uri string) (*protocol.ReadResourceResult, error) {
	f.calls.Add(1)
	<-f.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return textResult(uri, "fresh"), nil
}

func TestCancelledReaderDoesNotFailSharedFetch(t *testing.T) {
	f := &blockingFetcher{release: make(chan struct{})}
	m, _ := newTestManager(f.fetch)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := m.ReadResource(ctx, "s", "slow")
		first <- err
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan *protocol.ReadResourceResult, 1)
	go func() {
		r, err := m.ReadResource(context.Background(), "s", "slow")
		assert.NoError(t, err)
		second <- r
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.Error(t, <-first)

	close(f.release)
	r := <-second
	require.NotNil(t, r)
	assert.Equal(t, "fresh", r.Contents[0].Text)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, m.CacheLen(context.Background()))
}

func TestDropDuringFetchDiscardsResult(t *testing.T) {
	for _, tc := range []struct {
		name string
		drop func(*Manager)
	}{
		{"clear", func(m *Manager) { require.NoError(t, m.ClearCache(context.Background())) }},
		{"remove server", func(m *Manager) { require.NoError(t, m.RemoveServer(context.Background(), "s")) }},
		{"invalidate", func(m *Manager) { m.InvalidateCache(context.Background(), "s", "slow") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := &blockingFetcher{release: make(chan struct{})}
			m, _ := newTestManager(f.fetch)

			done := make(chan error, 1)
			go func() {
				_, err := m.ReadResource(context.Background(), "s", "slow")
				done <- err
			}()
			require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

			tc.drop(m)
			close(f.release)
			require.NoError(t, <-done)
			assert.Zero(t, m.CacheLen(context.Background()))
		})
	}
}

func TestCapacityEvictsOldestUpdate(t *testing.T) {
	f := newCountingFetcher()
	m, clock := newTestManager(f.fetch, WithCapacity(2))
	ctx := context.Background()

	for _, uri := range []string{"a", "b", "c"} {
		_, err := m.ReadResource(ctx, "s", uri)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	assert.Equal(t, 2, m.CacheLen(ctx))

	_, err := m.ReadResource(ctx, "s", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, f.count("s", "a"), "a was evicted and fetched again")
	_, err = m.ReadResource(ctx, "s", "c")
	require.NoError(t, err)
	assert.Equal(t, 1, f.count("s", "c"))
}

func TestRegisterResources(t *testing.T) {
	f := newCountingFetcher()
	m, _ := newTestManager(f.fetch)
	ctx := context.Background()

	require.NoError(t, m.RegisterResources(ctx, "beta", []protocol.Resource{{URI: "b1", Name: "B1"}}))
	require.NoError(t, m.RegisterResources(ctx, "alpha", []protocol.Resource{{URI: "a2"}, {URI: "a1"}}))

	all := m.Resources()
	require.Len(t, all, 3)
	assert.Equal(t, "mcp://alpha/a1", all[0].QualifiedURI)
	assert.Equal(t, "mcp://alpha/a2", all[1].QualifiedURI)
	assert.Equal(t, "beta", all[2].ServerName)

	r, ok := m.Resource("beta", "b1")
	require.True(t, ok)
	assert.Equal(t, "B1", r.Resource.Name)
	_, ok = m.Resource("beta", "nope")
	assert.False(t, ok)

	_, err := m.ReadResource(ctx, "alpha", "a1")
	require.NoError(t, err)
	_, err = m.ReadResource(ctx, "alpha", "a2")
	require.NoError(t, err)

	// a1 disappears, so its cached read goes with it
	require.NoError(t, m.RegisterResources(ctx, "alpha", []protocol.Resource{{URI: "a2"}}))
	assert.Len(t, m.ServerResources("alpha"), 1)
	assert.Equal(t, 1, m.CacheLen(ctx))

	assert.Error(t, m.RegisterResources(ctx, "", nil))
	assert.Error(t, m.RegisterResources(ctx, "a/b", nil))
	assert.Error(t, m.RegisterResources(ctx, "alpha", []protocol.Resource{{Name: "no uri"}}))

	require.NoError(t, m.RemoveServer(ctx, "alpha"))
	assert.Empty(t, m.ServerResources("alpha"))
	assert.Zero(t, m.CacheLen(ctx))
}

func TestSubscribeAndNotify(t *testing.T) {
	f := newCountingFetcher()
	m, _ := newTestManager(f.fetch)
	ctx := context.Background()
	require.NoError(t, m.RegisterResources(ctx, "s", []protocol.Resource{{URI: "r"}}))

	var got []Update
	var mu sync.Mutex
	unsubscribe := m.Subscribe("s", "r", func(u Update) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})

	r, _ := m.Resource("s", "r")
	assert.True(t, r.Subscribed)

	// explicit contents are cached as-is
	require.NoError(t, m.NotifyUpdate(ctx, "s", "r", textResult("r", "pushed")))
	cached, err := m.ReadResource(ctx, "s", "r")
	require.NoError(t, err)
	assert.Equal(t, "pushed", cached.Contents[0].Text)
	assert.Zero(t, f.count("s", "r"))

	// nil contents are fetched
	require.NoError(t, m.NotifyUpdate(ctx, "s", "r", nil))
	assert.Equal(t, 1, f.count("s", "r"))

	mu.Lock()
	require.Len(t, got, 2)
	assert.Equal(t, "mcp://s/r", got[0].QualifiedURI)
	assert.Equal(t, "pushed", got[0].Contents.Contents[0].Text)
	assert.Equal(t, "s:r#1", got[1].Contents.Contents[0].Text)
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	require.NoError(t, m.NotifyUpdate(ctx, "s", "r", textResult("r", "quiet")))
	mu.Lock()
	assert.Len(t, got, 2)
	mu.Unlock()
	r, _ = m.Resource("s", "r")
	assert.False(t, r.Subscribed)
}

func TestPanickingSubscriberDoesNotStopOthers(t *testing.T) {
	f := newCountingFetcher()
	m, _ := newTestManager(f.fetch)

	var delivered atomic.Int32
	m.Subscribe("s", "r", func(Update) { panic("subscriber bug") })
	m.Subscribe("s", "r", func(Update) { delivered.Add(1) })

	require.NotPanics(t, func() {
		require.NoError(t, m.NotifyUpdate(context.Background(), "s", "r", textResult("r", "v")))
	})
	assert.Equal(t, int32(1), delivered.Load())
}

func TestNotifyUpdateFetchFailureDropsEntry(t *testing.T) {
	f := newCountingFetcher()
	m, _ := newTestManager(f.fetch)
	ctx := context.Background()

	_, err := m.ReadResource(ctx, "s", "r")
	require.NoError(t, err)
	require.Equal(t, 1, m.CacheLen(ctx))

	f.mu.Lock()
	f.err = errors.New("gone")
	f.mu.Unlock()
	assert.Error(t, m.NotifyUpdate(ctx, "s", "r", nil))
	assert.Zero(t, m.CacheLen(ctx))
}

func TestInvalidateAndClear(t *testing.T) {
	f := newCountingFetcher()
	m, _ := newTestManager(f.fetch)
	ctx := context.Background()

	for _, uri := range []string{"a", "b"} {
		_, err := m.ReadResource(ctx, "s", uri)
		require.NoError(t, err)
	}
	m.InvalidateCache(ctx, "s", "a")
	assert.Equal(t, 1, m.CacheLen(ctx))
	require.NoError(t, m.ClearCache(ctx))
	assert.Zero(t, m.CacheLen(ctx))
}

func TestRemoveSubscriptions(t *testing.T) {
	f := newCountingFetcher()
	m, _ := newTestManager(f.fetch)

	var hits atomic.Int32
	m.Subscribe("a", "r", func(Update) { hits.Add(1) })
	m.Subscribe("b", "r", func(Update) { hits.Add(1) })
	m.RemoveSubscriptions("a")

	ctx := context.Background()
	require.NoError(t, m.NotifyUpdate(ctx, "a", "r", textResult("r", "x")))
	require.NoError(t, m.NotifyUpdate(ctx, "b", "r", textResult("r", "x")))
	assert.Equal(t, int32(1), hits.Load())
}
