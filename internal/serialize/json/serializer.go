// Package json implements the collection serializer as a JSON document.
package json

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

type document struct {
	URI  string         `json:"uri"`
	Type string         `json:"type,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Serializer encodes CrawleableURIs as JSON. The cached collector namespace is
// not carried over since it belongs to the seed, not the child.
type Serializer struct{}

// New returns a JSON Serializer.
func New() *Serializer {
	return &Serializer{}
}

// Serialize implements frontier.Serializer.
func (Serializer) Serialize(uri *frontier.CrawleableURI) ([]byte, error) {
	if uri == nil || uri.URI == "" {
		return nil, frontier.ErrInvalidURI
	}
	data := uri.Metadata()
	delete(data, frontier.KeyNamespace)
	if len(data) == 0 {
		data = nil
	}
	out, err := json.Marshal(document{URI: uri.URI, Type: uri.Type, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal uri %q: %w", uri.URI, err)
	}
	return out, nil
}

// Deserialize implements frontier.Serializer.
func (Serializer) Deserialize(data []byte) (*frontier.CrawleableURI, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal uri: %w", err)
	}
	if doc.URI == "" {
		return nil, frontier.ErrInvalidURI
	}
	uri := frontier.NewCrawleableURI(doc.URI, doc.Type)
	for k, v := range doc.Data {
		uri.SetData(k, v)
	}
	return uri, nil
}
