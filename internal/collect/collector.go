// Package collect buffers child URIs extracted from a seed and persists them
// in per-seed namespaces until the seed's crawl completes.
package collect

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
	"github.com/JakeFAU/crawl-frontier/internal/namespace"
)

// Defaults applied when Config fields are zero.
const (
	DefaultBufferSize     = 30
	DefaultReplayPageSize = 100
)

// Config controls buffering and namespace allocation.
type Config struct {
	BufferSize         int
	MaxNamespaceLength int
	ReplayPageSize     int
}

type collection struct {
	mu        sync.Mutex
	seed      string
	namespace string
	buffer    []frontier.CollectionRow
	pending   map[string]struct{}
	durable   int64
	closed    bool
}

// Collector implements frontier.Collector on top of a CollectionBackend.
type Collector struct {
	backend    frontier.CollectionBackend
	serializer frontier.Serializer
	hasher     frontier.Hasher
	allocator  *namespace.Allocator
	cfg        Config
	logger     *zap.Logger

	mu          sync.RWMutex
	collections map[string]*collection
}

// New constructs a Collector.
func New(
	backend frontier.CollectionBackend,
	serializer frontier.Serializer,
	hasher frontier.Hasher,
	cfg Config,
	logger *zap.Logger,
) (*Collector, error) {
	if backend == nil {
		return nil, fmt.Errorf("collection backend is required")
	}
	if serializer == nil {
		return nil, fmt.Errorf("serializer is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.MaxNamespaceLength <= 0 {
		cfg.MaxNamespaceLength = namespace.DefaultMaxLength
	}
	if cfg.ReplayPageSize <= 0 {
		cfg.ReplayPageSize = DefaultReplayPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Collector{
		backend:     backend,
		serializer:  serializer,
		hasher:      hasher,
		allocator:   namespace.New(cfg.MaxNamespaceLength),
		cfg:         cfg,
		logger:      logger.Named("collector"),
		collections: make(map[string]*collection),
	}, nil
}

// Open creates the seed's namespace and registers an empty collection. Opening
// a seed that is already open keeps the existing collection.
func (c *Collector) Open(ctx context.Context, seed *frontier.CrawleableURI) error {
	if seed == nil || seed.URI == "" {
		return frontier.ErrInvalidURI
	}
	ns := c.allocator.For(seed)
	if c.IsOpen(seed.URI) {
		c.logger.Warn("collection already open", zap.String("seed", seed.URI))
		return nil
	}
	if err := c.backend.CreateNamespace(ctx, ns); err != nil {
		c.logger.Error("create namespace failed",
			zap.String("seed", seed.URI),
			zap.String("namespace", ns),
			zap.Error(err),
		)
		return fmt.Errorf("open collection for %q: %w", seed.URI, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.collections[seed.URI]; ok {
		return nil
	}
	c.collections[seed.URI] = &collection{
		seed:      seed.URI,
		namespace: ns,
		buffer:    make([]frontier.CollectionRow, 0, c.cfg.BufferSize),
		pending:   make(map[string]struct{}, c.cfg.BufferSize),
	}
	metrics.IncOpenCollections()
	c.logger.Debug("collection opened", zap.String("seed", seed.URI), zap.String("namespace", ns))
	return nil
}

// Append buffers child in the seed's collection and flushes once the buffer is
// full. A child that cannot be serialized is logged and dropped; the call
// still succeeds so the rest of the batch proceeds.
func (c *Collector) Append(ctx context.Context, seed, child *frontier.CrawleableURI) error {
	if seed == nil || child == nil {
		return frontier.ErrInvalidURI
	}
	col, ok := c.lookup(seed.URI)
	if !ok {
		c.logger.Error("append to unknown seed", zap.String("seed", seed.URI), zap.String("child", child.URI))
		metrics.ObserveDropped(metrics.DropUnknownSeed, 1)
		return fmt.Errorf("append to %q: %w", seed.URI, frontier.ErrUnknownSeed)
	}
	data, err := c.serializer.Serialize(child)
	if err != nil {
		c.logger.Error("serialize child failed",
			zap.String("seed", seed.URI),
			zap.String("child", child.URI),
			zap.Error(err),
		)
		metrics.ObserveDropped(metrics.DropSerialize, 1)
		return nil
	}
	hash, err := c.hasher.Hash(data)
	if err != nil {
		c.logger.Error("hash child failed", zap.String("seed", seed.URI), zap.Error(err))
		metrics.ObserveDropped(metrics.DropSerialize, 1)
		return nil
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	if col.closed {
		metrics.ObserveDropped(metrics.DropUnknownSeed, 1)
		return fmt.Errorf("append to %q: %w", seed.URI, frontier.ErrUnknownSeed)
	}
	if _, dup := col.pending[hash]; dup {
		c.logger.Debug("child already buffered", zap.String("seed", seed.URI), zap.String("child", child.URI))
		return nil
	}
	col.buffer = append(col.buffer, frontier.CollectionRow{Owner: col.seed, Hash: hash, Data: data})
	col.pending[hash] = struct{}{}
	if len(col.buffer) >= c.cfg.BufferSize {
		return c.flushLocked(ctx, col)
	}
	return nil
}

// Flush persists the seed's pending buffer.
func (c *Collector) Flush(ctx context.Context, seed *frontier.CrawleableURI) error {
	if seed == nil {
		return frontier.ErrInvalidURI
	}
	col, ok := c.lookup(seed.URI)
	if !ok {
		c.logger.Error("flush of unknown seed", zap.String("seed", seed.URI))
		return fmt.Errorf("flush %q: %w", seed.URI, frontier.ErrUnknownSeed)
	}
	col.mu.Lock()
	defer col.mu.Unlock()
	if col.closed {
		return fmt.Errorf("flush %q: %w", seed.URI, frontier.ErrUnknownSeed)
	}
	return c.flushLocked(ctx, col)
}

// flushLocked writes the buffer as one batch. Duplicate-key and storage
// failures drop the whole buffer; earlier batches stay durable.
func (c *Collector) flushLocked(ctx context.Context, col *collection) error {
	if len(col.buffer) == 0 {
		return nil
	}
	n := len(col.buffer)
	err := c.backend.InsertBatch(ctx, col.namespace, col.buffer)
	col.buffer = make([]frontier.CollectionRow, 0, c.cfg.BufferSize)
	clear(col.pending)
	switch {
	case err == nil:
		col.durable += int64(n)
		metrics.ObserveFlush(metrics.FlushOK, n)
		c.logger.Debug("collection flushed", zap.String("seed", col.seed), zap.Int("records", n))
		return nil
	case errors.Is(err, frontier.ErrDuplicateRecord):
		metrics.ObserveFlush(metrics.FlushDuplicate, n)
		metrics.ObserveDropped(metrics.DropDuplicate, n)
		c.logger.Warn("duplicate record in batch, dropping buffer",
			zap.String("seed", col.seed),
			zap.Int("dropped", n),
			zap.Error(err),
		)
		return nil
	default:
		metrics.ObserveFlush(metrics.FlushError, n)
		metrics.ObserveDropped(metrics.DropFlushError, n)
		c.logger.Error("flush failed, dropping buffer",
			zap.String("seed", col.seed),
			zap.Int("dropped", n),
			zap.Error(err),
		)
		return fmt.Errorf("flush %q: %w", col.seed, err)
	}
}

// Replay yields every durable record of the seed in storage order. Buffered
// records are not included until flushed. An unknown seed yields nothing.
func (c *Collector) Replay(ctx context.Context, seed *frontier.CrawleableURI) iter.Seq2[[]byte, error] {
	if seed == nil {
		return func(func([]byte, error) bool) {}
	}
	col, ok := c.lookup(seed.URI)
	if !ok {
		c.logger.Error("replay of unknown seed", zap.String("seed", seed.URI))
		return func(func([]byte, error) bool) {}
	}
	ns, owner := col.namespace, col.seed
	return func(yield func([]byte, error) bool) {
		var after int64
		for {
			page, err := c.backend.Scan(ctx, ns, owner, after, c.cfg.ReplayPageSize)
			if err != nil {
				c.logger.Error("replay scan failed", zap.String("seed", owner), zap.Error(err))
				yield(nil, fmt.Errorf("replay %q: %w", owner, err))
				return
			}
			for _, rec := range page {
				after = rec.Seq
				if !yield(rec.Data, nil) {
					return
				}
			}
			if len(page) < c.cfg.ReplayPageSize {
				return
			}
		}
	}
}

// Close flushes the remaining buffer and drops the seed's rows. Closing an
// unknown seed is logged and ignored.
func (c *Collector) Close(ctx context.Context, seed *frontier.CrawleableURI) error {
	if seed == nil {
		return frontier.ErrInvalidURI
	}
	c.mu.Lock()
	col, ok := c.collections[seed.URI]
	delete(c.collections, seed.URI)
	c.mu.Unlock()
	if !ok {
		c.logger.Error("close of unknown seed", zap.String("seed", seed.URI))
		return nil
	}
	metrics.DecOpenCollections()

	col.mu.Lock()
	defer col.mu.Unlock()
	col.closed = true
	flushErr := c.flushLocked(ctx, col)
	if err := c.backend.Drop(ctx, col.namespace, col.seed); err != nil {
		c.logger.Error("drop namespace failed",
			zap.String("seed", col.seed),
			zap.String("namespace", col.namespace),
			zap.Error(err),
		)
		return errors.Join(flushErr, fmt.Errorf("close %q: %w", col.seed, err))
	}
	c.logger.Debug("collection closed", zap.String("seed", col.seed), zap.Int64("durable", col.durable))
	return flushErr
}

// Stats reports the buffered and durable record counts of an open seed.
func (c *Collector) Stats(seed string) (frontier.CollectionStats, bool) {
	col, ok := c.lookup(seed)
	if !ok {
		return frontier.CollectionStats{}, false
	}
	col.mu.Lock()
	defer col.mu.Unlock()
	return frontier.CollectionStats{
		Seed:      col.seed,
		Namespace: col.namespace,
		Buffered:  len(col.buffer),
		Durable:   col.durable,
	}, true
}

// IsOpen reports whether seed has an open collection.
func (c *Collector) IsOpen(seed string) bool {
	_, ok := c.lookup(seed)
	return ok
}

func (c *Collector) lookup(seed string) (*collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	col, ok := c.collections[seed]
	return col, ok
}
