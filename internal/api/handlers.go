package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

const maxClaimLimit = 1000

type uriRequest struct {
	URI  string `json:"uri"`
	Type string `json:"type"`
}

type claimRequest struct {
	Limit int `json:"limit"`
}

type releaseRequest struct {
	URI       string     `json:"uri"`
	CrawledAt *time.Time `json:"crawled_at"`
}

type childRequest struct {
	URI  string         `json:"uri"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type appendRequest struct {
	Seed     string         `json:"seed"`
	Children []childRequest `json:"children"`
}

type replayLine struct {
	Record []byte `json:"record"`
}

func (s *Server) classify(w http.ResponseWriter, r *http.Request) {
	var req uriRequest
	if !decode(w, r, &req) {
		return
	}
	status, err := s.deps.Registry.Classify(r.Context(), frontier.NewCrawleableURI(req.URI, req.Type))
	if err != nil {
		s.fail(w, r, "classify", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uri": req.URI, "status": status.String()})
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decode(w, r, &req) {
		return
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = s.cfg.Frontier.ClaimBatch
	case limit > maxClaimLimit:
		limit = maxClaimLimit
	}
	records, err := s.deps.Registry.ClaimOutdated(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "claim", err)
		return
	}
	if records == nil {
		records = []frontier.KnownURIRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"uris": records})
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decode(w, r, &req) {
		return
	}
	var crawledAt time.Time
	if req.CrawledAt != nil {
		crawledAt = *req.CrawledAt
	}
	if err := s.deps.Registry.Release(r.Context(), req.URI, crawledAt); err != nil {
		s.fail(w, r, "release", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uri": req.URI, "status": "released"})
}

func (s *Server) record(w http.ResponseWriter, r *http.Request) {
	uri := strings.TrimSpace(r.URL.Query().Get("uri"))
	if uri == "" {
		writeError(w, http.StatusBadRequest, "uri is required")
		return
	}
	rec, err := s.deps.Registry.Get(r.Context(), uri)
	if err != nil {
		s.fail(w, r, "get record", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": rec})
}

func (s *Server) openCollection(w http.ResponseWriter, r *http.Request) {
	var req uriRequest
	if !decodeURI(w, r, &req) {
		return
	}
	if err := s.deps.Collector.Open(r.Context(), frontier.NewCrawleableURI(req.URI, req.Type)); err != nil {
		s.fail(w, r, "open collection", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"seed": req.URI, "status": "open"})
}

func (s *Server) appendCollection(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Seed == "" {
		writeError(w, http.StatusBadRequest, "seed is required")
		return
	}
	seed := frontier.NewCrawleableURI(req.Seed, "")
	appended := 0
	for _, c := range req.Children {
		if c.URI == "" {
			continue
		}
		child := frontier.NewCrawleableURI(c.URI, c.Type)
		for k, v := range c.Data {
			child.SetData(k, v)
		}
		if err := s.deps.Collector.Append(r.Context(), seed, child); err != nil {
			s.fail(w, r, "append", err)
			return
		}
		appended++
	}
	writeJSON(w, http.StatusOK, map[string]any{"seed": req.Seed, "appended": appended})
}

func (s *Server) replayCollection(w http.ResponseWriter, r *http.Request) {
	seedURI := strings.TrimSpace(r.URL.Query().Get("seed"))
	if seedURI == "" {
		writeError(w, http.StatusBadRequest, "seed is required")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	lines := 0
	for data, err := range s.deps.Collector.Replay(r.Context(), frontier.NewCrawleableURI(seedURI, "")) {
		if err != nil {
			s.logger.Error("replay aborted",
				zap.String("request_id", requestID(r.Context())),
				zap.String("seed", seedURI),
				zap.Int("lines", lines),
				zap.Error(err),
			)
			return
		}
		if err := enc.Encode(replayLine{Record: data}); err != nil {
			s.logger.Warn("replay client went away", zap.String("seed", seedURI), zap.Error(err))
			return
		}
		lines++
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) closeCollection(w http.ResponseWriter, r *http.Request) {
	var req uriRequest
	if !decodeURI(w, r, &req) {
		return
	}
	if err := s.deps.Collector.Close(r.Context(), frontier.NewCrawleableURI(req.URI, req.Type)); err != nil {
		s.fail(w, r, "close collection", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"seed": req.URI, "status": "closed"})
}

func (s *Server) completeSeed(w http.ResponseWriter, r *http.Request) {
	var req uriRequest
	if !decodeURI(w, r, &req) {
		return
	}
	stats, err := s.deps.Completer.Complete(r.Context(), frontier.NewCrawleableURI(req.URI, req.Type))
	if err != nil {
		s.fail(w, r, "complete seed", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, frontier.ErrInvalidURI):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, frontier.ErrNotFound), errors.Is(err, frontier.ErrUnknownSeed):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, op+" timed out")
	default:
		s.logger.Error(op+" failed",
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func decodeURI(w http.ResponseWriter, r *http.Request, req *uriRequest) bool {
	if !decode(w, r, req) {
		return false
	}
	if strings.TrimSpace(req.URI) == "" {
		writeError(w, http.StatusBadRequest, "uri is required")
		return false
	}
	return true
}
