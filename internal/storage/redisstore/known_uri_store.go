// Package redisstore implements the known-URI registry on Redis. Classification
// and claiming run as Lua scripts, so each is a single atomic step on the
// server no matter how many frontier processes share the instance.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "frontier:"

// Config controls the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// KnownURIStore implements frontier.KnownURIStore.
type KnownURIStore struct {
	client redis.UniversalClient
	prefix string
	policy frontier.RecrawlPolicy
}

// NewKnownURIStore connects to Redis and returns a KnownURIStore.
func NewKnownURIStore(ctx context.Context, cfg Config, policy frontier.RecrawlPolicy) (*KnownURIStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewKnownURIStoreWithClient(client, cfg.Prefix, policy), nil
}

// NewKnownURIStoreWithClient wraps an existing client.
func NewKnownURIStoreWithClient(client redis.UniversalClient, prefix string, policy frontier.RecrawlPolicy) *KnownURIStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &KnownURIStore{client: client, prefix: prefix, policy: policy}
}

// Close closes the Redis client.
func (s *KnownURIStore) Close() error {
	return s.client.Close()
}

func (s *KnownURIStore) uriPrefix() string { return s.prefix + "uri:" }
func (s *KnownURIStore) uriKey(uri string) string { return s.uriPrefix() + uri }
func (s *KnownURIStore) idleKey() string { return s.prefix + "idle" }
func (s *KnownURIStore) claimedKey() string { return s.prefix + "claimed" }

// Classify creates the record for uri unless it exists.
func (s *KnownURIStore) Classify(ctx context.Context, uri string, uriType string) (frontier.URIStatus, error) {
	created, err := classifyScript.Run(ctx, s.client, []string{s.uriKey(uri), s.idleKey()}, uri, uriType).Int64()
	if err != nil {
		return 0, fmt.Errorf("classify %q: %w", uri, err)
	}
	if created == 1 {
		return frontier.StatusNew, nil
	}
	return frontier.StatusKnown, nil
}

// ClaimOutdated claims up to limit due URIs, never-crawled first.
func (s *KnownURIStore) ClaimOutdated(ctx context.Context, now time.Time, limit int) ([]frontier.KnownURIRecord, error) {
	if limit <= 0 {
		return []frontier.KnownURIRecord{}, nil
	}
	nowMs := now.UnixMilli()
	args := []any{
		s.uriPrefix(),
		nowMs,
		limit,
		s.policy.TTL("").Milliseconds(),
		s.policy.MinTTL().Milliseconds(),
	}
	types, ttls := s.policy.Types()
	for i := range types {
		args = append(args, types[i], ttls[i])
	}
	res, err := claimScript.Run(ctx, s.client, []string{s.idleKey(), s.claimedKey()}, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim outdated: %w", err)
	}
	out := make([]frontier.KnownURIRecord, 0, len(res)/3)
	claimedAt := frontier.MillisToTime(nowMs)
	for i := 0; i+2 < len(res); i += 3 {
		rec := frontier.KnownURIRecord{
			URI:               res[i],
			Type:              res[i+1],
			CrawlingInProcess: true,
			ClaimedAt:         frontier.TimePtr(claimedAt),
		}
		last, err := parseScore(res[i+2])
		if err != nil {
			return nil, fmt.Errorf("parse last crawl of %q: %w", rec.URI, err)
		}
		if last >= 0 {
			rec.LastCrawl = frontier.TimePtr(frontier.MillisToTime(last))
		}
		out = append(out, rec)
	}
	return out, nil
}

// Release clears the claim on uri and records crawledAt.
func (s *KnownURIStore) Release(ctx context.Context, uri string, crawledAt time.Time) error {
	keys := []string{s.uriKey(uri), s.idleKey(), s.claimedKey()}
	ok, err := releaseScript.Run(ctx, s.client, keys, uri, crawledAt.UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("release %q: %w", uri, err)
	}
	if ok == 0 {
		return fmt.Errorf("release %q: %w", uri, frontier.ErrNotFound)
	}
	return nil
}

// ReleaseStaleClaims returns URIs claimed before claimedBefore to the idle set.
func (s *KnownURIStore) ReleaseStaleClaims(ctx context.Context, claimedBefore time.Time) (int64, error) {
	n, err := staleScript.Run(ctx, s.client, []string{s.idleKey(), s.claimedKey()},
		s.uriPrefix(), claimedBefore.UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return n, nil
}

// Get reads the record for uri.
func (s *KnownURIStore) Get(ctx context.Context, uri string) (frontier.KnownURIRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.uriKey(uri)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return frontier.KnownURIRecord{}, fmt.Errorf("get %q: %w", uri, err)
	}
	if len(fields) == 0 {
		return frontier.KnownURIRecord{}, fmt.Errorf("get %q: %w", uri, frontier.ErrNotFound)
	}
	rec := frontier.KnownURIRecord{
		URI:               uri,
		Type:              fields["type"],
		CrawlingInProcess: fields["crawling"] == "1",
	}
	if rec.LastCrawl, err = parseOptionalMillis(fields["last"]); err != nil {
		return frontier.KnownURIRecord{}, fmt.Errorf("parse last crawl of %q: %w", uri, err)
	}
	if rec.ClaimedAt, err = parseOptionalMillis(fields["claimed"]); err != nil {
		return frontier.KnownURIRecord{}, fmt.Errorf("parse claim time of %q: %w", uri, err)
	}
	return rec, nil
}

// parseScore reads a sorted-set score, which Redis may render in float form.
func parseScore(v string) (int64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

func parseOptionalMillis(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	ms, err := parseScore(v)
	if err != nil {
		return nil, err
	}
	if ms < 0 {
		return nil, nil
	}
	return frontier.TimePtr(frontier.MillisToTime(ms)), nil
}
