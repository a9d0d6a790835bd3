package frontier

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// DefaultRecrawlTTL is the general recrawl interval applied to URI types
// without a configured TTL.
const DefaultRecrawlTTL = 72 * time.Hour

// RecrawlPolicy maps URI types to the time after which a crawled URI becomes
// eligible again.
type RecrawlPolicy struct {
	Default time.Duration
	ByType  map[string]time.Duration
}

// NormalizeType folds a URI type to the case-insensitive form used for TTL
// lookups and storage.
func NormalizeType(uriType string) string {
	return strings.ToLower(strings.TrimSpace(uriType))
}

// TTL returns the recrawl interval for uriType. Type names match
// case-insensitively.
func (p RecrawlPolicy) TTL(uriType string) time.Duration {
	if ttl, ok := p.ByType[uriType]; ok && ttl > 0 {
		return ttl
	}
	want := NormalizeType(uriType)
	for t, ttl := range p.ByType {
		if ttl > 0 && NormalizeType(t) == want {
			return ttl
		}
	}
	if p.Default > 0 {
		return p.Default
	}
	return DefaultRecrawlTTL
}

// MinTTL returns the smallest TTL across all types, which bounds how recent an
// eligible record's last crawl can be.
func (p RecrawlPolicy) MinTTL() time.Duration {
	lowest := p.TTL("")
	for uriType := range p.ByType {
		if ttl := p.TTL(uriType); ttl < lowest {
			lowest = ttl
		}
	}
	return lowest
}

// Eligible reports whether rec may be claimed at now.
func (p RecrawlPolicy) Eligible(rec KnownURIRecord, now time.Time) bool {
	if rec.CrawlingInProcess {
		return false
	}
	if rec.LastCrawl == nil {
		return true
	}
	return now.Sub(*rec.LastCrawl) > p.TTL(rec.Type)
}

// Types returns the configured types, normalized, and their TTLs in
// milliseconds as parallel slices, for backends that push the policy into a
// query.
func (p RecrawlPolicy) Types() ([]string, []int64) {
	types := make([]string, 0, len(p.ByType))
	for uriType := range p.ByType {
		types = append(types, NormalizeType(uriType))
	}
	slices.Sort(types)
	types = slices.Compact(types)
	ttls := make([]int64, 0, len(types))
	for _, uriType := range types {
		ttls = append(ttls, p.TTL(uriType).Milliseconds())
	}
	return types, ttls
}

// ClaimOrder orders records by claim priority: never crawled first, then the
// oldest crawl, then URI.
func ClaimOrder(a, b KnownURIRecord) int {
	switch {
	case a.LastCrawl == nil && b.LastCrawl == nil:
		return cmp.Compare(a.URI, b.URI)
	case a.LastCrawl == nil:
		return -1
	case b.LastCrawl == nil:
		return 1
	}
	if c := a.LastCrawl.Compare(*b.LastCrawl); c != 0 {
		return c
	}
	return cmp.Compare(a.URI, b.URI)
}
