package frontier

import (
	"context"
	"iter"
	"time"
)

// Serializer converts URIs to and from the opaque bytes stored in collections.
type Serializer interface {
	Serialize(uri *CrawleableURI) ([]byte, error)
	Deserialize(data []byte) (*CrawleableURI, error)
}

// Hasher computes record digests used as part of a collection row key.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// KnownURIStore is the durable, authoritative set of known URIs. Classify and
// ClaimOutdated must be atomic in the backing storage so that concurrent
// callers in different processes never create or claim the same record twice.
type KnownURIStore interface {
	Classify(ctx context.Context, uri string, uriType string) (URIStatus, error)
	ClaimOutdated(ctx context.Context, now time.Time, limit int) ([]KnownURIRecord, error)
	Release(ctx context.Context, uri string, crawledAt time.Time) error
	ReleaseStaleClaims(ctx context.Context, claimedBefore time.Time) (int64, error)
	Get(ctx context.Context, uri string) (KnownURIRecord, error)
}

// CollectionBackend stores per-seed collection rows in namespaces with an
// explicit create/drop lifecycle.
type CollectionBackend interface {
	CreateNamespace(ctx context.Context, namespace string) error
	// InsertBatch writes all rows or none. A row key clash is reported as
	// ErrDuplicateRecord.
	InsertBatch(ctx context.Context, namespace string, rows []CollectionRow) error
	// Scan returns up to limit rows of owner with Seq > afterSeq in Seq order.
	Scan(ctx context.Context, namespace, owner string, afterSeq int64, limit int) ([]StoredRecord, error)
	// Drop removes the owner's rows and the namespace once it holds no rows.
	Drop(ctx context.Context, namespace, owner string) error
}

// Registry is the known-URI registry as seen by the scheduling loop.
type Registry interface {
	Classify(ctx context.Context, uri *CrawleableURI) (URIStatus, error)
	ClaimOutdated(ctx context.Context, limit int) ([]KnownURIRecord, error)
	Release(ctx context.Context, uri string, crawledAt time.Time) error
	ReleaseStaleClaims(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Collector is the job collection store as seen by the scheduling loop.
type Collector interface {
	Open(ctx context.Context, seed *CrawleableURI) error
	Append(ctx context.Context, seed *CrawleableURI, child *CrawleableURI) error
	Flush(ctx context.Context, seed *CrawleableURI) error
	Replay(ctx context.Context, seed *CrawleableURI) iter.Seq2[[]byte, error]
	Close(ctx context.Context, seed *CrawleableURI) error
}

// Publisher pushes dispatch messages to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
