package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/councildocs/internal/config"
	"github.com/hyperjump/councildocs/internal/embedding"
	"github.com/hyperjump/councildocs/internal/manifest"
	"github.com/hyperjump/councildocs/internal/metrics"
	"github.com/hyperjump/councildocs/internal/models"
	"github.com/hyperjump/councildocs/internal/register"
	"github.com/hyperjump/councildocs/internal/retrieval"
	"github.com/hyperjump/councildocs/internal/storage"
	"github.com/hyperjump/councildocs/internal/vector"
)

const testDims = 16

type fixture struct {
	handler    http.Handler
	survivorID string
	dupID      string
	survivor   string
}

func newFixture(t *testing.T, withSearch bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	reg, err := register.Open(filepath.Join(dir, "document_ids.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	man, err := manifest.Open(filepath.Join(dir, "document_manifest.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = man.Close() })
	chunks, err := storage.NewDiskChunkStore(filepath.Join(dir, "chunks"))
	if err != nil {
		t.Fatal(err)
	}

	add := func(url, committee string, fn func(e *models.ManifestEntry)) string {
		d := models.Descriptor{URL: url, Committee: committee}
		id, _, err := reg.Assign(&d)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := man.Upsert(models.Document{ID: id, Source: url, URL: url, Committee: committee, Filename: d.DisplayName()}); err != nil {
			t.Fatal(err)
		}
		if err := man.Complete(id, models.StageScraped, nil); err != nil {
			t.Fatal(err)
		}
		if err := man.Complete(id, models.StageDeduplicated, fn); err != nil {
			t.Fatal(err)
		}
		return id
	}
	survivorURL := "https://council.example/docs/minutes.pdf"
	survivorID := add(survivorURL, "Planning", nil)
	dupID := add("https://council.example/docs/minutes_1.pdf", "Planning", func(e *models.ManifestEntry) {
		e.RedirectTo = survivorID
	})

	docChunks := []models.Chunk{
		{DocID: survivorID, ChunkIndex: 0, Text: "riverside allotments scheme approved"},
		{DocID: survivorID, ChunkIndex: 1, Text: "allotments waiting list reviewed"},
	}
	if err := chunks.Stage(ctx, survivorID, docChunks); err != nil {
		t.Fatal(err)
	}
	if err := chunks.Commit(ctx, survivorID); err != nil {
		t.Fatal(err)
	}

	deps := Deps{Register: reg, Manifest: man, Chunks: chunks, Metrics: metrics.New()}
	if withSearch {
		emb := embedding.NewMockEmbedder(testDims)
		set, err := vector.NewIndexSet(filepath.Join(dir, "vectors"), vector.MetricCosine, map[string]int{"small": testDims})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = set.Close() })
		idx, err := set.Get("small")
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range docChunks {
			v, err := emb.Embed(ctx, c.Text)
			if err != nil {
				t.Fatal(err)
			}
			if err := idx.Add(ctx, []string{c.ID()}, [][]float32{v}); err != nil {
				t.Fatal(err)
			}
		}
		deps.Searcher = retrieval.NewSearcher(config.SearchConfig{DefaultLimit: 10, MaxLimit: 50, TopK: 10},
			"small", map[string]embedding.Embedder{"small": emb}, set, man, retrieval.WithMetrics(deps.Metrics))
	}
	srv := NewServer(deps, &config.ServerConfig{Port: 8080}, nil)
	return &fixture{handler: srv.Router(), survivorID: survivorID, dupID: dupID, survivor: survivorURL}
}

func (f *fixture) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, target, &buf)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleGetDocument(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodGet, "/api/v1/documents/"+f.dupID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var doc struct {
		ID             string `json:"doc_id"`
		Status         string `json:"status"`
		RedirectTo     string `json:"redirect_to"`
		RedirectedFrom string `json:"redirected_from"`
	}
	decode(t, w, &doc)
	if doc.ID != f.dupID || doc.Status != string(models.StatusDuplicateRemoved) || doc.RedirectTo != f.survivorID {
		t.Errorf("duplicate: got %+v", doc)
	}

	w = f.do(t, http.MethodGet, "/api/v1/documents/"+f.dupID+"?follow=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("follow status: got %d", w.Code)
	}
	doc.RedirectTo = ""
	decode(t, w, &doc)
	if doc.ID != f.survivorID || doc.RedirectedFrom != f.dupID || doc.RedirectTo != "" {
		t.Errorf("follow: got %+v", doc)
	}

	w = f.do(t, http.MethodGet, "/api/v1/documents/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing: got %d, want 404", w.Code)
	}
}

func TestHandleGetChunks(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodGet, "/api/v1/documents/"+f.survivorID+"/chunks", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Chunks []models.Chunk `json:"chunks"`
	}
	decode(t, w, &out)
	if len(out.Chunks) != 2 || out.Chunks[1].ChunkIndex != 1 {
		t.Errorf("chunks: got %+v", out.Chunks)
	}

	w = f.do(t, http.MethodGet, "/api/v1/documents/"+f.dupID+"/chunks", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("duplicate chunks: got %d, want 404", w.Code)
	}
}

func TestHandleRegisterLookup(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodGet, "/api/v1/register?key="+f.survivor, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out map[string]string
	decode(t, w, &out)
	if out["doc_id"] != f.survivorID {
		t.Errorf("doc_id: got %q, want %q", out["doc_id"], f.survivorID)
	}

	if w := f.do(t, http.MethodGet, "/api/v1/register", nil); w.Code != http.StatusBadRequest {
		t.Errorf("no key: got %d, want 400", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/v1/register?key=https://elsewhere.example/x.pdf", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown key: got %d, want 404", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var st manifest.Stats
	decode(t, w, &st)
	if st.Total != 2 {
		t.Errorf("total: got %d", st.Total)
	}
	if st.ByStatus[models.StatusDuplicateRemoved] != 1 {
		t.Errorf("by_status: got %v", st.ByStatus)
	}
	if st.Stages[models.StageDeduplicated].Complete != 2 {
		t.Errorf("stages: got %v", st.Stages)
	}
}

func TestHandleSearch(t *testing.T) {
	f := newFixture(t, true)
	w := f.do(t, http.MethodPost, "/api/v1/search", models.SearchQuery{Query: "riverside allotments"})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d (%s)", w.Code, w.Body.String())
	}
	var resp models.SearchResponse
	decode(t, w, &resp)
	if len(resp.Results) != 1 || resp.Results[0].DocID != f.survivorID {
		t.Fatalf("results: got %+v", resp.Results)
	}
	if resp.Results[0].HitCount != 2 {
		t.Errorf("hit_count: got %d", resp.Results[0].HitCount)
	}

	if w := f.do(t, http.MethodPost, "/api/v1/search", models.SearchQuery{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty query: got %d, want 400", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/v1/search", models.SearchQuery{Query: "x", Variant: "huge"}); w.Code != http.StatusBadRequest {
		t.Errorf("unknown variant: got %d, want 400", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/v1/search", "{not json"); w.Code != http.StatusBadRequest {
		t.Errorf("bad body: got %d, want 400", w.Code)
	}

	// Searches are counted.
	w = f.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "councildocs_search_requests_total") {
		t.Errorf("metrics: got %d", w.Code)
	}
}

func TestHandleSearch_notEnabled(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodPost, "/api/v1/search", models.SearchQuery{Query: "x"})
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status: got %d, want 501", w.Code)
	}
}

func TestHandleAggregate(t *testing.T) {
	f := newFixture(t, false)
	body := aggregateRequest{
		Convention: "cosine_distance",
		Hits: []models.Hit{
			{DocID: "A", ChunkIndex: 0, Score: 0.1},
			{DocID: "A", ChunkIndex: 1, Score: 0.2},
			{DocID: "B", ChunkIndex: 0, Score: 0.05},
		},
	}
	w := f.do(t, http.MethodPost, "/api/v1/aggregate", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d (%s)", w.Code, w.Body.String())
	}
	var out struct {
		Results []*models.RankedDocument `json:"results"`
	}
	decode(t, w, &out)
	if len(out.Results) != 2 || out.Results[0].DocID != "A" || out.Results[0].HitCount != 2 {
		t.Errorf("results: got %+v", out.Results)
	}

	body.Convention = "bm42"
	if w := f.do(t, http.MethodPost, "/api/v1/aggregate", body); w.Code != http.StatusBadRequest {
		t.Errorf("unknown convention: got %d, want 400", w.Code)
	}
}
