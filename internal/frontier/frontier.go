package frontier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

// Dispatch results recorded in metrics.
const (
	dispatchOK         = "ok"
	dispatchOpenError  = "open_error"
	dispatchPublishErr = "publish_error"
)

var tracer = otel.Tracer("github.com/JakeFAU/crawl-frontier/internal/frontier")

// Config controls the scheduling loop.
type Config struct {
	Topic            string
	ClaimBatch       int
	PollInterval     time.Duration
	PollBurst        int
	DrainConcurrency int
	BloomExpected    uint
	BloomFPRate      float64
	WatchdogInterval time.Duration
	StaleClaimAfter  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollBurst <= 0 {
		c.PollBurst = 1
	}
	if c.DrainConcurrency <= 0 {
		c.DrainConcurrency = 8
	}
	if c.BloomExpected == 0 {
		c.BloomExpected = 10000
	}
	if c.BloomFPRate <= 0 || c.BloomFPRate >= 1 {
		c.BloomFPRate = 0.001
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = time.Minute
	}
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = time.Hour
	}
	return c
}

// Frontier composes the registry, the collector and a publisher into the
// crawl cycle: claim due seeds, hand them to workers, and fold the children
// workers collected back into the registry.
type Frontier struct {
	registry   Registry
	collector  Collector
	serializer Serializer
	publisher  Publisher
	clock      Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Frontier.
func New(
	registry Registry,
	collector Collector,
	serializer Serializer,
	publisher Publisher,
	clock Clock,
	cfg Config,
	logger *zap.Logger,
) (*Frontier, error) {
	switch {
	case registry == nil:
		return nil, fmt.Errorf("registry is required")
	case collector == nil:
		return nil, fmt.Errorf("collector is required")
	case serializer == nil:
		return nil, fmt.Errorf("serializer is required")
	case publisher == nil:
		return nil, fmt.Errorf("publisher is required")
	case clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Frontier{
		registry:   registry,
		collector:  collector,
		serializer: serializer,
		publisher:  publisher,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		logger:     logger.Named("frontier"),
	}, nil
}

// Schedule claims one batch of due seeds, opens a collection for each and
// publishes a dispatch message. It returns the number of dispatched seeds.
// Seeds that fail to open or publish stay claimed until the watchdog frees
// them.
func (f *Frontier) Schedule(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "frontier.Schedule")
	defer span.End()

	claimed, err := f.registry.ClaimOutdated(ctx, f.cfg.ClaimBatch)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("schedule: %w", err)
	}
	span.SetAttributes(attribute.Int("frontier.claimed", len(claimed)))
	dispatched := 0
	for _, rec := range claimed {
		seed := NewCrawleableURI(rec.URI, rec.Type)
		if err := f.collector.Open(ctx, seed); err != nil {
			metrics.ObserveDispatch(dispatchOpenError)
			f.logger.Error("open collection failed", zap.String("seed", rec.URI), zap.Error(err))
			continue
		}
		msg := DispatchMessage{URI: rec.URI, Type: rec.Type, ClaimedAt: f.clock.Now()}
		if rec.ClaimedAt != nil {
			msg.ClaimedAt = *rec.ClaimedAt
		}
		id, err := f.publisher.Publish(ctx, f.cfg.Topic, msg)
		if err != nil {
			metrics.ObserveDispatch(dispatchPublishErr)
			f.logger.Error("dispatch failed", zap.String("seed", rec.URI), zap.Error(err))
			if cerr := f.collector.Close(ctx, seed); cerr != nil {
				f.logger.Warn("close undispatched collection failed", zap.String("seed", rec.URI), zap.Error(cerr))
			}
			continue
		}
		metrics.ObserveDispatch(dispatchOK)
		f.logger.Debug("seed dispatched", zap.String("seed", rec.URI), zap.String("message_id", id))
		dispatched++
	}
	span.SetAttributes(attribute.Int("frontier.dispatched", dispatched))
	return dispatched, nil
}

// Complete drains the seed's collection into the registry, closes it and
// releases the seed. Children are deduplicated by URI before classification.
func (f *Frontier) Complete(ctx context.Context, seed *CrawleableURI) (CompletionStats, error) {
	if seed == nil || seed.URI == "" {
		return CompletionStats{}, ErrInvalidURI
	}
	ctx, span := tracer.Start(ctx, "frontier.Complete", trace.WithAttributes(attribute.String("frontier.seed", seed.URI)))
	defer span.End()

	stats := CompletionStats{Seed: seed.URI}
	if err := f.collector.Flush(ctx, seed); err != nil {
		if errors.Is(err, ErrUnknownSeed) {
			f.logger.Warn("completing seed without open collection", zap.String("seed", seed.URI))
		} else {
			f.logger.Error("final flush failed", zap.String("seed", seed.URI), zap.Error(err))
		}
	}

	children, drainStats := f.drain(ctx, seed)
	stats.Children, stats.Duplicates, stats.Dropped = drainStats.Children, drainStats.Duplicates, drainStats.Dropped

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(f.cfg.DrainConcurrency)
	for _, child := range children {
		g.Go(func() error {
			status, err := f.registry.Classify(ctx, child)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				stats.Dropped++
				f.logger.Error("classify child failed",
					zap.String("seed", seed.URI),
					zap.String("child", child.URI),
					zap.Error(err),
				)
			case status == StatusNew:
				stats.New++
			default:
				stats.Known++
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := f.collector.Close(ctx, seed); err != nil {
		f.logger.Error("close collection failed", zap.String("seed", seed.URI), zap.Error(err))
	}
	span.SetAttributes(
		attribute.Int("frontier.children", stats.Children),
		attribute.Int("frontier.new", stats.New),
	)
	if err := f.registry.Release(ctx, seed.URI, f.clock.Now()); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return stats, fmt.Errorf("complete %q: %w", seed.URI, err)
	}
	f.logger.Info("seed completed",
		zap.String("seed", seed.URI),
		zap.Int("children", stats.Children),
		zap.Int("new", stats.New),
		zap.Int("known", stats.Known),
		zap.Int("dropped", stats.Dropped),
	)
	return stats, nil
}

// drain replays the collection and returns the unique, decodable children.
// The bloom filter only screens; a hit is confirmed against the exact set of
// URIs seen in this drain before the child counts as a duplicate.
func (f *Frontier) drain(ctx context.Context, seed *CrawleableURI) ([]*CrawleableURI, CompletionStats) {
	var stats CompletionStats
	filter := bloom.NewWithEstimates(f.cfg.BloomExpected, f.cfg.BloomFPRate)
	filter.AddString(seed.URI)
	seen := map[string]struct{}{seed.URI: {}}
	var children []*CrawleableURI
	for data, err := range f.collector.Replay(ctx, seed) {
		if err != nil {
			f.logger.Error("replay failed", zap.String("seed", seed.URI), zap.Error(err))
			break
		}
		stats.Children++
		child, err := f.serializer.Deserialize(data)
		if err != nil {
			stats.Dropped++
			f.logger.Error("deserialize child failed", zap.String("seed", seed.URI), zap.Error(err))
			continue
		}
		if filter.TestAndAddString(child.URI) {
			if _, dup := seen[child.URI]; dup {
				stats.Duplicates++
				continue
			}
		}
		seen[child.URI] = struct{}{}
		children = append(children, child)
	}
	return children, stats
}

// ReleaseStale frees claims older than the configured stale-claim age.
func (f *Frontier) ReleaseStale(ctx context.Context) (int64, error) {
	return f.registry.ReleaseStaleClaims(ctx, f.cfg.StaleClaimAfter)
}

// Run schedules at the configured pace and runs the claim watchdog until ctx
// is cancelled.
func (f *Frontier) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		limiter := rate.NewLimiter(rate.Every(f.cfg.PollInterval), f.cfg.PollBurst)
		for {
			if err := limiter.Wait(gctx); err != nil {
				return nil
			}
			if _, err := f.Schedule(gctx); err != nil && gctx.Err() == nil {
				f.logger.Error("schedule failed", zap.Error(err))
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(f.cfg.WatchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := f.ReleaseStale(gctx); err != nil && gctx.Err() == nil {
					f.logger.Error("release stale claims failed", zap.Error(err))
				}
			}
		}
	})
	return g.Wait()
}
