// Package mongostore implements the known-URI registry on MongoDB. Every URI
// is one document keyed by the URI itself; claims are single-document
// findAndModify operations.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// Defaults applied when Config fields are empty.
const (
	DefaultDatabase   = "frontier"
	DefaultCollection = "known_uris"
)

// neverCrawled is stored in last_crawl until the first release so that a
// plain ascending sort puts never-crawled URIs first.
const neverCrawled int64 = -1

// Config controls the MongoDB connection.
type Config struct {
	URI        string
	Database   string
	Collection string
}

type document struct {
	URI       string `bson:"_id"`
	Type      string `bson:"type"`
	Crawling  bool   `bson:"crawling"`
	LastCrawl int64  `bson:"last_crawl"`
	ClaimedAt *int64 `bson:"claimed_at"`
}

func (d document) record() frontier.KnownURIRecord {
	rec := frontier.KnownURIRecord{URI: d.URI, Type: d.Type, CrawlingInProcess: d.Crawling}
	if d.LastCrawl >= 0 {
		rec.LastCrawl = frontier.TimePtr(frontier.MillisToTime(d.LastCrawl))
	}
	if d.ClaimedAt != nil {
		rec.ClaimedAt = frontier.TimePtr(frontier.MillisToTime(*d.ClaimedAt))
	}
	return rec
}

// KnownURIStore implements frontier.KnownURIStore.
type KnownURIStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	policy frontier.RecrawlPolicy
}

// NewKnownURIStore connects to MongoDB, ensures indexes and returns a store.
func NewKnownURIStore(ctx context.Context, cfg Config, policy frontier.RecrawlPolicy) (*KnownURIStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo.uri is required")
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	store := NewKnownURIStoreWithCollection(client.Database(orDefault(cfg.Database, DefaultDatabase)).
		Collection(orDefault(cfg.Collection, DefaultCollection)), policy)
	store.client = client
	if err := store.EnsureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

// NewKnownURIStoreWithCollection wraps an existing collection.
func NewKnownURIStoreWithCollection(coll *mongo.Collection, policy frontier.RecrawlPolicy) *KnownURIStore {
	return &KnownURIStore{coll: coll, policy: policy}
}

// EnsureIndexes creates the indexes used by claiming and the watchdog.
func (s *KnownURIStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "crawling", Value: 1}, {Key: "last_crawl", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "claimed_at", Value: 1}}, Options: options.Index().SetSparse(true)},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Close disconnects the client if the store owns it.
func (s *KnownURIStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// Classify upserts uri, inserting only when absent.
func (s *KnownURIStore) Classify(ctx context.Context, uri string, uriType string) (frontier.URIStatus, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: uri}},
		classifyUpdate(uriType),
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		// A concurrent upsert of the same URI won the insert.
		return frontier.StatusKnown, nil
	}
	if err != nil {
		return 0, fmt.Errorf("classify %q: %w", uri, err)
	}
	if res.UpsertedCount == 1 {
		return frontier.StatusNew, nil
	}
	return frontier.StatusKnown, nil
}

func classifyUpdate(uriType string) bson.D {
	return bson.D{{Key: "$setOnInsert", Value: bson.D{
		{Key: "type", Value: uriType},
		{Key: "crawling", Value: false},
		{Key: "last_crawl", Value: neverCrawled},
		{Key: "claimed_at", Value: nil},
	}}}
}

// ClaimOutdated claims due URIs one document at a time until limit is
// reached or nothing is left. Each claim is atomic on its document.
func (s *KnownURIStore) ClaimOutdated(ctx context.Context, now time.Time, limit int) ([]frontier.KnownURIRecord, error) {
	out := make([]frontier.KnownURIRecord, 0, max(limit, 0))
	nowMs := now.UnixMilli()
	filter := claimFilter(s.policy, nowMs)
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "crawling", Value: true},
		{Key: "claimed_at", Value: nowMs},
	}}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "last_crawl", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)
	for len(out) < limit {
		var doc document
		err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("claim outdated: %w", err)
		}
		out = append(out, doc.record())
	}
	return out, nil
}

// claimFilter matches unclaimed documents whose last crawl is older than the
// TTL of their type, or that were never crawled.
func claimFilter(policy frontier.RecrawlPolicy, nowMs int64) bson.D {
	types, ttls := policy.Types()
	branches := bson.A{
		bson.D{{Key: "last_crawl", Value: bson.D{{Key: "$lt", Value: int64(0)}}}},
	}
	for i, uriType := range types {
		branches = append(branches, bson.D{
			{Key: "type", Value: uriType},
			{Key: "last_crawl", Value: bson.D{{Key: "$lt", Value: nowMs - ttls[i]}}},
		})
	}
	fallback := bson.D{{Key: "last_crawl", Value: bson.D{{Key: "$lt", Value: nowMs - policy.TTL("").Milliseconds()}}}}
	if len(types) > 0 {
		fallback = append(bson.D{{Key: "type", Value: bson.D{{Key: "$nin", Value: types}}}}, fallback...)
	}
	branches = append(branches, fallback)
	return bson.D{
		{Key: "crawling", Value: false},
		{Key: "$or", Value: branches},
	}
}

// Release clears the claim and records crawledAt.
func (s *KnownURIStore) Release(ctx context.Context, uri string, crawledAt time.Time) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: uri}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "crawling", Value: false},
			{Key: "last_crawl", Value: crawledAt.UnixMilli()},
			{Key: "claimed_at", Value: nil},
		}}},
	)
	if err != nil {
		return fmt.Errorf("release %q: %w", uri, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("release %q: %w", uri, frontier.ErrNotFound)
	}
	return nil
}

// ReleaseStaleClaims resets claims taken before claimedBefore.
func (s *KnownURIStore) ReleaseStaleClaims(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.D{
			{Key: "crawling", Value: true},
			{Key: "claimed_at", Value: bson.D{{Key: "$lt", Value: claimedBefore.UnixMilli()}}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "crawling", Value: false},
			{Key: "claimed_at", Value: nil},
		}}},
	)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return res.ModifiedCount, nil
}

// Get loads the record for uri.
func (s *KnownURIStore) Get(ctx context.Context, uri string) (frontier.KnownURIRecord, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: uri}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return frontier.KnownURIRecord{}, fmt.Errorf("get %q: %w", uri, frontier.ErrNotFound)
	}
	if err != nil {
		return frontier.KnownURIRecord{}, fmt.Errorf("get %q: %w", uri, err)
	}
	return doc.record(), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
