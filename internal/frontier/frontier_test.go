package frontier_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/collect"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/hash/xxhash"
	pubmemory "github.com/JakeFAU/crawl-frontier/internal/publisher/memory"
	"github.com/JakeFAU/crawl-frontier/internal/registry"
	jsonserializer "github.com/JakeFAU/crawl-frontier/internal/serialize/json"
	"github.com/JakeFAU/crawl-frontier/internal/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	frontier  *frontier.Frontier
	known     *memory.KnownURIStore
	registry  *registry.Service
	collector *collect.Collector
	publisher *pubmemory.Publisher
	clock     *testClock
}

func newHarness(t *testing.T, cfg frontier.Config) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	known := memory.NewKnownURIStore(frontier.RecrawlPolicy{Default: time.Hour})
	reg, err := registry.New(known, clock, nil)
	require.NoError(t, err)
	col, err := collect.New(memory.NewCollectionStore(), jsonserializer.New(), xxhash.New(), collect.Config{BufferSize: 3}, nil)
	require.NoError(t, err)
	pub := pubmemory.New()
	f, err := frontier.New(reg, col, jsonserializer.New(), pub, clock, cfg, nil)
	require.NoError(t, err)
	return &harness{frontier: f, known: known, registry: reg, collector: col, publisher: pub, clock: clock}
}

func (h *harness) seed(t *testing.T, uris ...string) {
	t.Helper()
	for _, u := range uris {
		_, err := h.registry.Classify(context.Background(), frontier.NewCrawleableURI(u, "html"))
		require.NoError(t, err)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := frontier.New(nil, nil, nil, nil, nil, frontier.Config{}, nil)
	require.Error(t, err)
}

func TestScheduleDispatchesClaimedSeeds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, frontier.Config{Topic: "dispatch", ClaimBatch: 10})
	h.seed(t, "http://a.example.org/", "http://b.example.org/")

	n, err := h.frontier.Schedule(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "dispatch", msgs[0].Topic)
	msg, ok := msgs[0].Payload.(frontier.DispatchMessage)
	require.True(t, ok)
	require.Equal(t, "http://a.example.org/", msg.URI)
	require.Equal(t, h.clock.Now(), msg.ClaimedAt)
	require.True(t, h.collector.IsOpen("http://a.example.org/"))
	require.True(t, h.collector.IsOpen("http://b.example.org/"))

	again, err := h.frontier.Schedule(ctx)
	require.NoError(t, err)
	require.Zero(t, again)
}

func TestScheduleLeavesUndispatchedSeedsToWatchdog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, frontier.Config{ClaimBatch: 10, StaleClaimAfter: 10 * time.Minute})
	h.seed(t, "http://a.example.org/")
	h.publisher.FailWith(errors.New("unavailable"))

	n, err := h.frontier.Schedule(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.False(t, h.collector.IsOpen("http://a.example.org/"))

	rec, err := h.known.Get(ctx, "http://a.example.org/")
	require.NoError(t, err)
	require.True(t, rec.CrawlingInProcess)

	h.clock.Advance(11 * time.Minute)
	freed, err := h.frontier.ReleaseStale(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, freed)

	h.publisher.FailWith(nil)
	n, err = h.frontier.Schedule(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCompleteFoldsChildrenIntoRegistry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, frontier.Config{ClaimBatch: 10, DrainConcurrency: 2})
	seedURI := "http://seed.example.org/"
	h.seed(t, seedURI, "http://known.example.org/")
	_, err := h.frontier.Schedule(ctx)
	require.NoError(t, err)

	seed := frontier.NewCrawleableURI(seedURI, "html")
	children := []string{
		"http://new.example.org/1",
		"http://new.example.org/2",
		"http://known.example.org/",
		seedURI,
		"http://new.example.org/3",
	}
	for _, u := range children {
		require.NoError(t, h.collector.Append(ctx, seed, frontier.NewCrawleableURI(u, "html")))
	}
	// Same URI with different metadata serializes differently and survives
	// the collector's hash check; the drain dedupes it.
	dup := frontier.NewCrawleableURI("http://new.example.org/1", "html")
	dup.SetData(frontier.KeyMIMEType, "text/html")
	require.NoError(t, h.collector.Append(ctx, seed, dup))

	stats, err := h.frontier.Complete(ctx, seed)
	require.NoError(t, err)
	require.Equal(t, frontier.CompletionStats{
		Seed:       seedURI,
		Children:   6,
		Duplicates: 2,
		New:        3,
		Known:      1,
	}, stats)

	require.False(t, h.collector.IsOpen(seedURI))
	rec, err := h.known.Get(ctx, seedURI)
	require.NoError(t, err)
	require.False(t, rec.CrawlingInProcess)
	require.Equal(t, h.clock.Now(), *rec.LastCrawl)

	child, err := h.known.Get(ctx, "http://new.example.org/3")
	require.NoError(t, err)
	require.Nil(t, child.LastCrawl)

	n, err := h.frontier.Schedule(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestCompleteClassifiesEveryChildBeyondFilterSize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, frontier.Config{ClaimBatch: 10, BloomExpected: 100, BloomFPRate: 0.01})
	seedURI := "http://seed.example.org/"
	h.seed(t, seedURI)
	_, err := h.frontier.Schedule(ctx)
	require.NoError(t, err)

	seed := frontier.NewCrawleableURI(seedURI, "html")
	const total = 2000
	for i := range total {
		child := frontier.NewCrawleableURI(fmt.Sprintf("http://child.example.org/%d", i), "html")
		require.NoError(t, h.collector.Append(ctx, seed, child))
	}

	stats, err := h.frontier.Complete(ctx, seed)
	require.NoError(t, err)
	require.Equal(t, total, stats.Children)
	require.Zero(t, stats.Duplicates)
	require.Equal(t, total, stats.New)
	for i := range total {
		_, err := h.known.Get(ctx, fmt.Sprintf("http://child.example.org/%d", i))
		require.NoError(t, err)
	}
}

func TestCompleteDedupesAcrossFlushedBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, frontier.Config{ClaimBatch: 10})
	seedURI := "http://seed.example.org/"
	h.seed(t, seedURI)
	_, err := h.frontier.Schedule(ctx)
	require.NoError(t, err)

	seed := frontier.NewCrawleableURI(seedURI, "html")
	// buffer size 3: a b c | a d b | c
	order := []string{"a", "b", "c", "a", "d", "b", "c"}
	for i, name := range order {
		child := frontier.NewCrawleableURI("http://child.example.org/"+name, "html")
		child.SetData(frontier.KeyIPAddress, fmt.Sprintf("10.0.0.%d", i))
		require.NoError(t, h.collector.Append(ctx, seed, child))
	}
	stats, ok := h.collector.Stats(seedURI)
	require.True(t, ok)
	require.EqualValues(t, 6, stats.Durable)

	done, err := h.frontier.Complete(ctx, seed)
	require.NoError(t, err)
	require.Equal(t, frontier.CompletionStats{
		Seed:       seedURI,
		Children:   7,
		Duplicates: 3,
		New:        4,
	}, done)
}

func TestCompleteWithoutOpenCollectionReleasesSeed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, frontier.Config{})
	h.seed(t, "http://seed.example.org/")

	stats, err := h.frontier.Complete(ctx, frontier.NewCrawleableURI("http://seed.example.org/", ""))
	require.NoError(t, err)
	require.Zero(t, stats.Children)

	_, err = h.frontier.Complete(ctx, frontier.NewCrawleableURI("http://unknown.example.org/", ""))
	require.ErrorIs(t, err, frontier.ErrNotFound)
	_, err = h.frontier.Complete(ctx, nil)
	require.ErrorIs(t, err, frontier.ErrInvalidURI)
}

func TestRunSchedulesUntilCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, frontier.Config{PollInterval: 5 * time.Millisecond, WatchdogInterval: 5 * time.Millisecond})
	h.seed(t, "http://a.example.org/")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.frontier.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(h.publisher.Messages()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
