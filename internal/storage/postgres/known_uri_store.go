package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// KnownURIStore keeps the known-URI registry in a single Postgres table.
// Classification relies on the primary key and claiming on row locks taken
// with FOR UPDATE SKIP LOCKED, so concurrent frontier processes never create
// or claim the same row twice.
type KnownURIStore struct {
	pool   pool
	table  string
	policy frontier.RecrawlPolicy
}

// NewKnownURIStore connects to Postgres and returns a KnownURIStore.
func NewKnownURIStore(ctx context.Context, cfg Config, policy frontier.RecrawlPolicy) (*KnownURIStore, error) {
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	p, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &KnownURIStore{pool: p, table: table, policy: policy}, nil
}

// NewKnownURIStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewKnownURIStoreWithPool(p pool, table string, policy frontier.RecrawlPolicy) (*KnownURIStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &KnownURIStore{pool: p, table: table, policy: policy}, nil
}

// EnsureSchema creates the store's tables.
func (s *KnownURIStore) EnsureSchema(ctx context.Context) error {
	return EnsureSchema(ctx, s.pool, s.table)
}

// Close releases the underlying pool resources.
func (s *KnownURIStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Classify inserts uri unless it exists. The insert's row count decides the
// outcome, so two concurrent callers cannot both see NEW.
func (s *KnownURIStore) Classify(ctx context.Context, uri string, uriType string) (frontier.URIStatus, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (uri, uri_type, crawling_in_process)
VALUES ($1, $2, FALSE)
ON CONFLICT (uri) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query, uri, uriType)
	if err != nil {
		return 0, fmt.Errorf("insert known uri: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return frontier.StatusNew, nil
	}
	return frontier.StatusKnown, nil
}

// ClaimOutdated selects and flags due rows in one statement.
func (s *KnownURIStore) ClaimOutdated(ctx context.Context, now time.Time, limit int) ([]frontier.KnownURIRecord, error) {
	if limit <= 0 {
		return []frontier.KnownURIRecord{}, nil
	}
	types, ttls := s.policy.Types()
	query := fmt.Sprintf(`
WITH ttl AS (
	SELECT * FROM unnest($1::text[], $2::bigint[]) AS t(uri_type, ttl_ms)
), due AS (
	SELECT k.uri FROM %[1]s k
	WHERE NOT k.crawling_in_process
	  AND (k.last_crawl IS NULL
	       OR k.last_crawl < $4 - COALESCE((SELECT ttl.ttl_ms FROM ttl WHERE ttl.uri_type = k.uri_type), $3))
	ORDER BY k.last_crawl ASC NULLS FIRST, k.uri
	LIMIT $5
	FOR UPDATE SKIP LOCKED
)
UPDATE %[1]s k
SET crawling_in_process = TRUE, claimed_at = $4
FROM due
WHERE k.uri = due.uri
RETURNING k.uri, k.uri_type, COALESCE(k.last_crawl, -1), k.claimed_at`, s.table)

	rows, err := s.pool.Query(ctx, query, types, ttls, s.policy.TTL("").Milliseconds(), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim outdated: %w", err)
	}
	defer rows.Close()

	out := make([]frontier.KnownURIRecord, 0, limit)
	for rows.Next() {
		var (
			rec       frontier.KnownURIRecord
			lastCrawl int64
			claimedAt int64
		)
		if err := rows.Scan(&rec.URI, &rec.Type, &lastCrawl, &claimedAt); err != nil {
			return nil, fmt.Errorf("scan claimed uri: %w", err)
		}
		rec.CrawlingInProcess = true
		if lastCrawl >= 0 {
			rec.LastCrawl = frontier.TimePtr(frontier.MillisToTime(lastCrawl))
		}
		rec.ClaimedAt = frontier.TimePtr(frontier.MillisToTime(claimedAt))
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed uris: %w", err)
	}
	slices.SortFunc(out, frontier.ClaimOrder)
	return out, nil
}

// Release clears the claim and stores crawledAt.
func (s *KnownURIStore) Release(ctx context.Context, uri string, crawledAt time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s
SET crawling_in_process = FALSE, last_crawl = $2, claimed_at = NULL
WHERE uri = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, uri, crawledAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("release known uri: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release %q: %w", uri, frontier.ErrNotFound)
	}
	return nil
}

// ReleaseStaleClaims resets claims taken before claimedBefore.
func (s *KnownURIStore) ReleaseStaleClaims(ctx context.Context, claimedBefore time.Time) (int64, error) {
	query := fmt.Sprintf(`
UPDATE %s
SET crawling_in_process = FALSE, claimed_at = NULL
WHERE crawling_in_process AND claimed_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, claimedBefore.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get loads the record for uri.
func (s *KnownURIStore) Get(ctx context.Context, uri string) (frontier.KnownURIRecord, error) {
	query := fmt.Sprintf(`
SELECT uri, uri_type, crawling_in_process, COALESCE(last_crawl, -1), COALESCE(claimed_at, -1)
FROM %s
WHERE uri = $1`, s.table)
	var (
		rec       frontier.KnownURIRecord
		lastCrawl int64
		claimedAt int64
	)
	err := s.pool.QueryRow(ctx, query, uri).Scan(&rec.URI, &rec.Type, &rec.CrawlingInProcess, &lastCrawl, &claimedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return frontier.KnownURIRecord{}, fmt.Errorf("get %q: %w", uri, frontier.ErrNotFound)
	}
	if err != nil {
		return frontier.KnownURIRecord{}, fmt.Errorf("get known uri: %w", err)
	}
	if lastCrawl >= 0 {
		rec.LastCrawl = frontier.TimePtr(frontier.MillisToTime(lastCrawl))
	}
	if claimedAt >= 0 {
		rec.ClaimedAt = frontier.TimePtr(frontier.MillisToTime(claimedAt))
	}
	return rec, nil
}
