// Package memory provides in-process storage backends for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// KnownURIStore is a mutex-guarded known-URI registry. Every operation holds
// the store lock, which makes classify and claim linearizable within one
// process.
type KnownURIStore struct {
	mu      sync.Mutex
	policy  frontier.RecrawlPolicy
	records map[string]*frontier.KnownURIRecord
}

// NewKnownURIStore constructs a KnownURIStore applying policy when claiming.
func NewKnownURIStore(policy frontier.RecrawlPolicy) *KnownURIStore {
	return &KnownURIStore{
		policy:  policy,
		records: make(map[string]*frontier.KnownURIRecord),
	}
}

// Classify inserts uri if unseen and reports whether it was new.
func (s *KnownURIStore) Classify(_ context.Context, uri string, uriType string) (frontier.URIStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[uri]; ok {
		return frontier.StatusKnown, nil
	}
	s.records[uri] = &frontier.KnownURIRecord{URI: uri, Type: uriType}
	return frontier.StatusNew, nil
}

// ClaimOutdated flags up to limit eligible records as in process, oldest
// crawl first with never-crawled records ahead of all others.
func (s *KnownURIStore) ClaimOutdated(_ context.Context, now time.Time, limit int) ([]frontier.KnownURIRecord, error) {
	if limit <= 0 {
		return []frontier.KnownURIRecord{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := make([]*frontier.KnownURIRecord, 0)
	for _, rec := range s.records {
		if s.policy.Eligible(*rec, now) {
			candidates = append(candidates, rec)
		}
	}
	slices.SortFunc(candidates, func(a, b *frontier.KnownURIRecord) int {
		return frontier.ClaimOrder(*a, *b)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]frontier.KnownURIRecord, 0, len(candidates))
	for _, rec := range candidates {
		rec.CrawlingInProcess = true
		rec.ClaimedAt = frontier.TimePtr(now)
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

// Release clears the claim flag and records the crawl time.
func (s *KnownURIStore) Release(_ context.Context, uri string, crawledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[uri]
	if !ok {
		return fmt.Errorf("release %q: %w", uri, frontier.ErrNotFound)
	}
	rec.CrawlingInProcess = false
	rec.LastCrawl = frontier.TimePtr(crawledAt)
	rec.ClaimedAt = nil
	return nil
}

// ReleaseStaleClaims clears claims taken before claimedBefore.
func (s *KnownURIStore) ReleaseStaleClaims(_ context.Context, claimedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.records {
		if rec.CrawlingInProcess && rec.ClaimedAt != nil && rec.ClaimedAt.Before(claimedBefore) {
			rec.CrawlingInProcess = false
			rec.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the record for uri.
func (s *KnownURIStore) Get(_ context.Context, uri string) (frontier.KnownURIRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[uri]
	if !ok {
		return frontier.KnownURIRecord{}, fmt.Errorf("get %q: %w", uri, frontier.ErrNotFound)
	}
	return copyRecord(rec), nil
}

// Put stores rec as-is, overwriting any existing record. It exists so tests
// and tools can seed arbitrary crawl histories.
func (s *KnownURIStore) Put(rec frontier.KnownURIRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyRecord(&rec)
	s.records[rec.URI] = &cp
}

func copyRecord(rec *frontier.KnownURIRecord) frontier.KnownURIRecord {
	out := *rec
	if rec.LastCrawl != nil {
		out.LastCrawl = frontier.TimePtr(*rec.LastCrawl)
	}
	if rec.ClaimedAt != nil {
		out.ClaimedAt = frontier.TimePtr(*rec.ClaimedAt)
	}
	return out
}
