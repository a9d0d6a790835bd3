// Package registry wraps a KnownURIStore with validation, logging, metrics,
// and a clock so the scheduling loop never handles timestamps itself.
package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

// Service implements frontier.Registry.
type Service struct {
	store  frontier.KnownURIStore
	clock  frontier.Clock
	logger *zap.Logger
}

// New constructs a Service.
func New(store frontier.KnownURIStore, clock frontier.Clock, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("known uri store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Service{store: store, clock: clock, logger: logger.Named("registry")}, nil
}

// Classify records uri if it has never been seen. The type is stored
// normalized so per-type recrawl TTLs match regardless of case.
func (s *Service) Classify(ctx context.Context, uri *frontier.CrawleableURI) (frontier.URIStatus, error) {
	if uri == nil || uri.URI == "" {
		return 0, frontier.ErrInvalidURI
	}
	status, err := s.store.Classify(ctx, uri.URI, frontier.NormalizeType(uri.Type))
	if err != nil {
		s.logger.Error("classify failed", zap.String("uri", uri.URI), zap.Error(err))
		return 0, fmt.Errorf("classify %q: %w", uri.URI, err)
	}
	metrics.ObserveClassify(status.String())
	return status, nil
}

// ClaimOutdated claims up to limit URIs that are due for crawling.
func (s *Service) ClaimOutdated(ctx context.Context, limit int) ([]frontier.KnownURIRecord, error) {
	if limit <= 0 {
		return []frontier.KnownURIRecord{}, nil
	}
	claimed, err := s.store.ClaimOutdated(ctx, s.clock.Now(), limit)
	if err != nil {
		s.logger.Error("claim outdated failed", zap.Int("limit", limit), zap.Error(err))
		return nil, fmt.Errorf("claim outdated: %w", err)
	}
	metrics.ObserveClaims(len(claimed))
	if len(claimed) > 0 {
		s.logger.Debug("claimed uris", zap.Int("count", len(claimed)))
	}
	return claimed, nil
}

// Release marks uri as crawled at crawledAt. A zero crawledAt uses the clock.
func (s *Service) Release(ctx context.Context, uri string, crawledAt time.Time) error {
	if uri == "" {
		return frontier.ErrInvalidURI
	}
	if crawledAt.IsZero() {
		crawledAt = s.clock.Now()
	}
	if err := s.store.Release(ctx, uri, crawledAt); err != nil {
		s.logger.Error("release failed", zap.String("uri", uri), zap.Error(err))
		return fmt.Errorf("release %q: %w", uri, err)
	}
	metrics.ObserveRelease()
	return nil
}

// ReleaseStaleClaims clears claims older than maxAge.
func (s *Service) ReleaseStaleClaims(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("max claim age must be positive")
	}
	n, err := s.store.ReleaseStaleClaims(ctx, s.clock.Now().Add(-maxAge))
	if err != nil {
		s.logger.Error("release stale claims failed", zap.Error(err))
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	if n > 0 {
		s.logger.Warn("released stale claims", zap.Int64("count", n), zap.Duration("max_age", maxAge))
	}
	metrics.ObserveStaleReleases(n)
	return n, nil
}

// Get returns the stored record for uri.
func (s *Service) Get(ctx context.Context, uri string) (frontier.KnownURIRecord, error) {
	if uri == "" {
		return frontier.KnownURIRecord{}, frontier.ErrInvalidURI
	}
	rec, err := s.store.Get(ctx, uri)
	if err != nil {
		return frontier.KnownURIRecord{}, fmt.Errorf("get %q: %w", uri, err)
	}
	return rec, nil
}
