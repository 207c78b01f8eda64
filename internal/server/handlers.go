package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/models"
	"github.com/hyperjump/councildocs/internal/retrieval"
	"github.com/hyperjump/councildocs/internal/storage"
)

// maxRedirects bounds redirect following; survivors never redirect, so a
// longer chain means a corrupted manifest.
const maxRedirects = 8

type documentResponse struct {
	*models.ManifestEntry
	RedirectedFrom string `json:"redirected_from,omitempty"`
}

// MarshalJSON appends redirected_from to the entry encoding, since the
// promoted ManifestEntry.MarshalJSON would drop it.
func (d documentResponse) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(d.ManifestEntry)
	if err != nil || d.RedirectedFrom == "" {
		return b, err
	}
	from, err := json.Marshal(d.RedirectedFrom)
	if err != nil {
		return nil, err
	}
	out := append(b[:len(b)-1:len(b)-1], `,"redirected_from":`...)
	out = append(out, from...)
	return append(out, '}'), nil
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, ok := s.deps.Manifest.Get(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "document not found")
		return
	}
	resp := documentResponse{ManifestEntry: e}
	if follow, _ := strconv.ParseBool(r.URL.Query().Get("follow")); follow && e.IsDuplicate() {
		cur := e
		for i := 0; cur.IsDuplicate(); i++ {
			next, ok := s.deps.Manifest.Get(cur.RedirectTo)
			if !ok || i == maxRedirects {
				s.logger.Error("broken redirect", zap.String("doc_id", id), zap.String("redirect_to", cur.RedirectTo))
				s.respondError(w, http.StatusInternalServerError, "broken redirect chain")
				return
			}
			cur = next
		}
		resp = documentResponse{ManifestEntry: cur, RedirectedFrom: id}
	}
	resp.Status = resp.DeriveStatus()
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Manifest.Get(id); !ok {
		s.respondError(w, http.StatusNotFound, "document not found")
		return
	}
	chunks, err := s.deps.Chunks.Chunks(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "document has no committed chunks")
			return
		}
		s.logger.Error("read chunks failed", zap.String("doc_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"doc_id": id, "chunks": chunks})
}

func (s *Server) handleRegisterLookup(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.respondError(w, http.StatusBadRequest, "key is required")
		return
	}
	id, ok := s.deps.Register.Lookup(key)
	if !ok {
		s.respondError(w, http.StatusNotFound, "key not registered")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"key": key, "doc_id": id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp interface{}
	if s.deps.Stats != nil {
		resp = s.deps.Stats.Stats()
	} else {
		resp = s.deps.Manifest.Stats()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Searcher == nil {
		s.respondError(w, http.StatusNotImplemented, "search not enabled")
		return
	}
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("search request", zap.String("query", query.Query), zap.Int("limit", query.Limit))
	response, err := s.deps.Searcher.Search(r.Context(), &query)
	if err != nil {
		switch {
		case errors.Is(err, retrieval.ErrInvalidQuery),
			errors.Is(err, retrieval.ErrUnknownVariant),
			errors.Is(err, retrieval.ErrKeywordUnavailable):
			s.respondError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("search failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

type aggregateRequest struct {
	Hits       []models.Hit `json:"hits"`
	Convention string       `json:"convention,omitempty"`
}

// handleAggregate ranks caller-supplied chunk hits, for clients that run
// their own nearest-neighbour search.
func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	conv, err := retrieval.ParseConvention(req.Convention)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ranked, err := retrieval.Rank(req.Hits, conv)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"convention": conv, "results": ranked})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
