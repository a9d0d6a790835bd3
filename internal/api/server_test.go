package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/collect"
	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/hash/xxhash"
	pubmemory "github.com/JakeFAU/crawl-frontier/internal/publisher/memory"
	"github.com/JakeFAU/crawl-frontier/internal/registry"
	jsonserializer "github.com/JakeFAU/crawl-frontier/internal/serialize/json"
	"github.com/JakeFAU/crawl-frontier/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestServer(t *testing.T, mutate func(*config.Config, *Deps)) *Server {
	t.Helper()
	clock := fixedClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	reg, err := registry.New(memory.NewKnownURIStore(frontier.RecrawlPolicy{Default: time.Hour}), clock, nil)
	require.NoError(t, err)
	col, err := collect.New(memory.NewCollectionStore(), jsonserializer.New(), xxhash.New(), collect.Config{BufferSize: 3}, nil)
	require.NoError(t, err)
	f, err := frontier.New(reg, col, jsonserializer.New(), pubmemory.New(), clock, frontier.Config{}, nil)
	require.NoError(t, err)

	cfg := config.Config{Frontier: config.FrontierConfig{ClaimBatch: 10}}
	deps := Deps{Registry: reg, Collector: col, Completer: f}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	srv, err := NewServer(deps, cfg, zap.NewNop())
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServerRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Deps{}, config.Config{}, nil)
	require.Error(t, err)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	rec := do(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, srv, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_ReadyzReportsFailure(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(_ *config.Config, d *Deps) {
		d.Ready = func(context.Context) error { return errors.New("db down") }
	})
	rec := do(t, srv, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_RequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestServer_APIKeyRequired(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(c *config.Config, _ *Deps) {
		c.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	})

	rec := do(t, srv, http.MethodPost, "/v1/uris/classify", `{"uri":"http://a.example.org/"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/uris/classify", strings.NewReader(`{"uri":"http://a.example.org/"}`))
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	srv.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)

	// probes stay open
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", "").Code)
}

func TestServer_ClassifyReportsNewThenKnown(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	body := `{"uri":"http://a.example.org/","type":"html"}`

	rec := do(t, srv, http.MethodPost, "/v1/uris/classify", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"uri":"http://a.example.org/","status":"NEW"}`, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/v1/uris/classify", body)
	require.JSONEq(t, `{"uri":"http://a.example.org/","status":"KNOWN"}`, rec.Body.String())
}

func TestServer_BadRequests(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	cases := []struct {
		name   string
		method string
		target string
		body   string
		code   int
	}{
		{name: "invalid json", method: http.MethodPost, target: "/v1/uris/classify", body: "{", code: http.StatusBadRequest},
		{name: "empty uri", method: http.MethodPost, target: "/v1/uris/classify", body: `{"uri":""}`, code: http.StatusBadRequest},
		{name: "record without uri", method: http.MethodGet, target: "/v1/uris/record", code: http.StatusBadRequest},
		{name: "unknown record", method: http.MethodGet, target: "/v1/uris/record?uri=http://nope/", code: http.StatusNotFound},
		{name: "release unknown", method: http.MethodPost, target: "/v1/uris/release", body: `{"uri":"http://nope/"}`, code: http.StatusNotFound},
		{name: "open without uri", method: http.MethodPost, target: "/v1/collections/open", body: `{}`, code: http.StatusBadRequest},
		{name: "append without seed", method: http.MethodPost, target: "/v1/collections/append", body: `{"children":[]}`, code: http.StatusBadRequest},
		{name: "append unknown seed", method: http.MethodPost, target: "/v1/collections/append", body: `{"seed":"http://nope/","children":[{"uri":"http://c/"}]}`, code: http.StatusNotFound},
		{name: "replay without seed", method: http.MethodGet, target: "/v1/collections/replay", code: http.StatusBadRequest},
		{name: "complete unknown seed", method: http.MethodPost, target: "/v1/seeds/complete", body: `{"uri":"http://nope/"}`, code: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, srv, tc.method, tc.target, tc.body)
			require.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_CrawlCycle(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	seed := "http://seed.example.org/"

	rec := do(t, srv, http.MethodPost, "/v1/uris/classify", `{"uri":"`+seed+`","type":"html"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodPost, "/v1/uris/claim", `{"limit":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var claimed struct {
		URIs []frontier.KnownURIRecord `json:"uris"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimed))
	require.Len(t, claimed.URIs, 1)
	require.Equal(t, seed, claimed.URIs[0].URI)
	require.True(t, claimed.URIs[0].CrawlingInProcess)

	rec = do(t, srv, http.MethodPost, "/v1/uris/claim", `{}`)
	require.JSONEq(t, `{"uris":[]}`, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/v1/collections/open", `{"uri":"`+seed+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodPost, "/v1/collections/append", `{"seed":"`+seed+`","children":[
		{"uri":"http://seed.example.org/a","type":"html","data":{"http-mime-type":"text/html"}},
		{"uri":"http://seed.example.org/b","type":"html"},
		{"uri":"http://other.example.org/","type":"rdf"}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"seed":"`+seed+`","appended":3}`, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/v1/collections/replay?seed="+seed, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	serializer := jsonserializer.New()
	var replayed []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var line replayLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		uri, err := serializer.Deserialize(line.Record)
		require.NoError(t, err)
		replayed = append(replayed, uri.URI)
	}
	require.Equal(t, []string{
		"http://seed.example.org/a",
		"http://seed.example.org/b",
		"http://other.example.org/",
	}, replayed)

	rec = do(t, srv, http.MethodPost, "/v1/seeds/complete", `{"uri":"`+seed+`","type":"html"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var stats frontier.CompletionStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 3, stats.Children)
	require.Equal(t, 3, stats.New)

	rec = do(t, srv, http.MethodGet, "/v1/uris/record?uri="+seed, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Record frontier.KnownURIRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.False(t, got.Record.CrawlingInProcess)
	require.NotNil(t, got.Record.LastCrawl)

	rec = do(t, srv, http.MethodPost, "/v1/collections/close", `{"uri":"`+seed+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ReleaseWithCrawledAt(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	uri := "http://a.example.org/"
	do(t, srv, http.MethodPost, "/v1/uris/classify", `{"uri":"`+uri+`"}`)
	do(t, srv, http.MethodPost, "/v1/uris/claim", `{"limit":1}`)

	rec := do(t, srv, http.MethodPost, "/v1/uris/release", `{"uri":"`+uri+`","crawled_at":"2024-04-30T08:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/v1/uris/record?uri="+uri, "")
	var got struct {
		Record frontier.KnownURIRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.Record.LastCrawl)
	require.True(t, got.Record.LastCrawl.Equal(time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC)))
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(_ *config.Config, d *Deps) {
		d.Ready = func(context.Context) error { panic("boom") }
	})
	rec := do(t, srv, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
