// Package namespace maps URIs to bounded, storage-safe namespace identifiers.
package namespace

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// DefaultMaxLength caps the alphanumeric prefix of a namespace identifier.
const DefaultMaxLength = 30

// Fallback starts identifiers whose first fragment is a digit and stands in
// for URIs without any alphanumeric character.
const Fallback = 'A'

var alphanumeric = regexp.MustCompile(`[0-9A-Za-z]+`)

// Allocator derives namespace identifiers. The zero value uses DefaultMaxLength.
type Allocator struct {
	MaxLength int
}

// New returns an Allocator with the given prefix cap; values <= 0 use the default.
func New(maxLength int) *Allocator {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Allocator{MaxLength: maxLength}
}

// Allocate returns the namespace identifier for uri. It is deterministic and
// never fails.
func (a *Allocator) Allocate(uri string) string {
	limit := a.MaxLength
	if limit <= 0 {
		limit = DefaultMaxLength
	}
	var b strings.Builder
	for _, part := range alphanumeric.FindAllString(uri, -1) {
		if b.Len() >= limit {
			break
		}
		if b.Len() == 0 && isDigit(part[0]) {
			b.WriteByte(Fallback)
		}
		b.WriteString(part)
	}
	if b.Len() == 0 {
		b.WriteByte(Fallback)
	}
	prefix := b.String()
	if len(prefix) > limit {
		prefix = prefix[:limit]
	}
	return prefix + strconv.FormatUint(xxhash.Sum64String(uri), 10)
}

// For returns the namespace cached on uri, allocating and caching it on first use.
func (a *Allocator) For(uri *frontier.CrawleableURI) string {
	if v, ok := uri.Data(frontier.KeyNamespace); ok {
		if ns, ok := v.(string); ok && ns != "" {
			return ns
		}
	}
	ns := a.Allocate(uri.URI)
	uri.SetData(frontier.KeyNamespace, ns)
	return ns
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
