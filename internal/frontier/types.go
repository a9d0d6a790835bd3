// Package frontier defines the core types shared by the known-URI registry,
// the per-seed URI collector, and the scheduling loop that composes them.
package frontier

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

// Well-known metadata keys attached to a CrawleableURI.
const (
	KeyMIMEType  = "http-mime-type"
	KeyIPAddress = "ip-address"
	KeyNamespace = "uri-collector-namespace"
)

// Sentinel errors returned by registry and collector implementations.
var (
	ErrUnknownSeed     = errors.New("no open collection for seed")
	ErrDuplicateRecord = errors.New("duplicate collection record")
	ErrNotFound        = errors.New("known uri record not found")
	ErrInvalidURI      = errors.New("uri is required")
)

// CrawleableURI is a URI plus mutable metadata shared by the components that
// touch it during one crawl cycle. Identity is the URI string.
type CrawleableURI struct {
	URI  string
	Type string

	mu   sync.RWMutex
	data map[string]any
}

// NewCrawleableURI returns a CrawleableURI with an empty metadata map.
func NewCrawleableURI(uri, uriType string) *CrawleableURI {
	return &CrawleableURI{URI: uri, Type: uriType, data: make(map[string]any)}
}

// Data returns the metadata value stored under key.
func (c *CrawleableURI) Data(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// SetData stores a metadata value.
func (c *CrawleableURI) SetData(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]any)
	}
	c.data[key] = value
}

// Metadata returns a copy of the metadata map.
func (c *CrawleableURI) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.data)
}

// String implements fmt.Stringer.
func (c *CrawleableURI) String() string {
	return c.URI
}

// URIStatus is the outcome of classifying a URI against the registry.
type URIStatus int

// Classification outcomes.
const (
	StatusNew URIStatus = iota + 1
	StatusKnown
)

// String implements fmt.Stringer.
func (s URIStatus) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusKnown:
		return "KNOWN"
	default:
		return fmt.Sprintf("URIStatus(%d)", int(s))
	}
}

// KnownURIRecord is one row of the known-URI registry.
type KnownURIRecord struct {
	URI               string     `json:"uri"`
	Type              string     `json:"type"`
	CrawlingInProcess bool       `json:"crawling_in_process"`
	LastCrawl         *time.Time `json:"last_crawl,omitempty"`
	ClaimedAt         *time.Time `json:"claimed_at,omitempty"`
}

// CollectionRow is one record queued for a batch insert into a namespace.
type CollectionRow struct {
	Owner string
	Hash  string
	Data  []byte
}

// StoredRecord is a durable collection row together with its storage order.
type StoredRecord struct {
	Seq  int64
	Data []byte
}

// CollectionStats describes the state of one open collection.
type CollectionStats struct {
	Seed      string `json:"seed"`
	Namespace string `json:"namespace"`
	Buffered  int    `json:"buffered"`
	Durable   int64  `json:"durable"`
}

// CompletionStats summarizes one drained collection.
type CompletionStats struct {
	Seed       string `json:"seed"`
	Children   int    `json:"children"`
	Duplicates int    `json:"duplicates"`
	New        int    `json:"new"`
	Known      int    `json:"known"`
	Dropped    int    `json:"dropped"`
}

// DispatchMessage is published for every claimed seed.
type DispatchMessage struct {
	URI       string    `json:"uri"`
	Type      string    `json:"type"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Key partitions dispatch messages by URI.
func (m DispatchMessage) Key() string {
	return m.URI
}

// MillisToTime converts a stored millisecond timestamp to UTC time.
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	ts := t
	return &ts
}
