package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/councildocs/internal/config"
	"github.com/hyperjump/councildocs/internal/embedding"
	"github.com/hyperjump/councildocs/internal/keyword"
	"github.com/hyperjump/councildocs/internal/models"
	"github.com/hyperjump/councildocs/internal/retry"
	"github.com/hyperjump/councildocs/internal/vector"
)

const testDims = 1024

type mapCatalog map[string]*models.ManifestEntry

func (c mapCatalog) Get(id string) (*models.ManifestEntry, bool) {
	e, ok := c[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// flakyEmbedder fails the first failures calls.
type flakyEmbedder struct {
	embedding.Embedder
	failures int
	calls    int
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("503 service unavailable")
	}
	return f.Embedder.Embed(ctx, text)
}

type fixture struct {
	searcher *Searcher
	keyword  *keyword.BleveIndex
	embedder *flakyEmbedder
}

var testChunks = []models.Chunk{
	{DocID: "doc_a", ChunkIndex: 0, Text: "riverside allotments scheme approved"},
	{DocID: "doc_a", ChunkIndex: 1, Text: "allotments waiting list"},
	{DocID: "doc_b", ChunkIndex: 0, Text: "parking charges town centre"},
	{DocID: "doc_c", ChunkIndex: 0, Text: "riverside allotments"},
	{DocID: "doc_d", ChunkIndex: 0, Text: "riverside allotments scheme approved"},
}

func entry(id, committee, date string) *models.ManifestEntry {
	return &models.ManifestEntry{Document: models.Document{ID: id, Committee: committee, MeetingDate: date, Filename: id + ".pdf"}}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	mock := embedding.NewMockEmbedder(testDims)

	set, err := vector.NewIndexSet(t.TempDir(), vector.MetricCosine, map[string]int{"small": testDims})
	require.NoError(t, err)
	t.Cleanup(func() { _ = set.Close() })
	idx, err := set.Get("small")
	require.NoError(t, err)

	ids := make([]string, len(testChunks))
	texts := make([]string, len(testChunks))
	for i := range testChunks {
		ids[i] = testChunks[i].ID()
		texts[i] = testChunks[i].Text
	}
	vecs, err := mock.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, ids, vecs))

	kw, err := keyword.NewBleveIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kw.Close() })
	require.NoError(t, kw.IndexChunks(ctx, testChunks))

	a := entry("doc_a", "Planning", "2024-03-05")
	b := entry("doc_b", "Licensing", "2024-05-01")
	c := entry("doc_c", "Planning", "2024-03-05")
	c.NearDuplicateOf = "doc_a"
	d := entry("doc_d", "Planning", "2024-03-05")
	d.RedirectTo = "doc_a"
	catalog := mapCatalog{"doc_a": a, "doc_b": b, "doc_c": c, "doc_d": d}

	flaky := &flakyEmbedder{Embedder: mock}
	cfg := config.SearchConfig{DefaultLimit: 10, MaxLimit: 50, TopK: 10}
	opts = append([]Option{WithKeywordIndex(kw)}, opts...)
	s := NewSearcher(cfg, "small", map[string]embedding.Embedder{"small": flaky}, set, catalog, opts...)
	return &fixture{searcher: s, keyword: kw, embedder: flaky}
}

func docIDs(resp *models.SearchResponse) []string {
	out := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = r.DocID
	}
	return out
}

func TestSearcher_semantic(t *testing.T) {
	f := newFixture(t)
	resp, err := f.searcher.Search(context.Background(), &models.SearchQuery{Query: "riverside allotments"})
	require.NoError(t, err)

	ids := docIDs(resp)
	require.NotEmpty(t, ids)
	assert.Equal(t, "doc_a", ids[0], "two matching chunks should outrank one exact chunk")
	assert.Contains(t, ids, "doc_c", "near duplicates stay retrievable")
	assert.NotContains(t, ids, "doc_d", "exact duplicates are never returned")
	assert.Equal(t, "small", resp.Variant)
	assert.Equal(t, len(testChunks), resp.ChunkHits)
	assert.Equal(t, resp.Total, len(resp.Results))

	top := resp.Results[0]
	assert.Equal(t, 1, top.Rank)
	assert.Equal(t, 2, top.HitCount)
	require.NotNil(t, top.Document)
	assert.Equal(t, "Planning", top.Document.Committee)
}

func TestSearcher_collapseNearDuplicates(t *testing.T) {
	f := newFixture(t)
	collapse := true
	resp, err := f.searcher.Search(context.Background(), &models.SearchQuery{
		Query: "riverside allotments", CollapseNearDup: &collapse,
	})
	require.NoError(t, err)
	ids := docIDs(resp)
	assert.Contains(t, ids, "doc_a")
	assert.NotContains(t, ids, "doc_c")
	for i, r := range resp.Results {
		assert.Equal(t, i+1, r.Rank)
	}
}

func TestSearcher_filters(t *testing.T) {
	f := newFixture(t)
	resp, err := f.searcher.Search(context.Background(), &models.SearchQuery{
		Query: "riverside allotments", Committee: "Licensing",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc_b"}, docIDs(resp))

	resp, err = f.searcher.Search(context.Background(), &models.SearchQuery{
		Query: "riverside allotments", DateFrom: "2024-04-01",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc_b"}, docIDs(resp))
}

func TestSearcher_limit(t *testing.T) {
	f := newFixture(t)
	resp, err := f.searcher.Search(context.Background(), &models.SearchQuery{Query: "riverside allotments", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
	assert.Equal(t, 3, resp.Total)
}

func TestSearcher_keywordOnly(t *testing.T) {
	f := newFixture(t)
	resp, err := f.searcher.Search(context.Background(), &models.SearchQuery{Query: "parking", KeywordEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc_b"}, docIDs(resp))
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-9, "keyword scores are normalised by the best hit")
	assert.Equal(t, 0, f.embedder.calls, "keyword-only queries must not call the embedding service")
}

func TestSearcher_hybrid(t *testing.T) {
	f := newFixture(t)
	resp, err := f.searcher.Search(context.Background(), &models.SearchQuery{
		Query: "waiting list", KeywordEnabled: true, SemanticEnabled: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "doc_a", resp.Results[0].DocID)
}

func TestSearcher_errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.searcher.Search(ctx, &models.SearchQuery{Query: ""})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = f.searcher.Search(ctx, &models.SearchQuery{Query: "x", Variant: "huge"})
	assert.ErrorIs(t, err, ErrUnknownVariant)

	bare := NewSearcher(config.SearchConfig{DefaultLimit: 10}, "small", nil, nil, nil)
	_, err = bare.Search(ctx, &models.SearchQuery{Query: "x", KeywordEnabled: true})
	assert.ErrorIs(t, err, ErrKeywordUnavailable)
}

func TestSearcher_retriesEmbedding(t *testing.T) {
	policy := retry.New(config.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})
	f := newFixture(t, WithRetryPolicy(policy))
	f.embedder.failures = 2

	resp, err := f.searcher.Search(context.Background(), &models.SearchQuery{Query: "riverside allotments"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
	assert.Equal(t, 3, f.embedder.calls)
}

func TestSearcher_embeddingFailure(t *testing.T) {
	f := newFixture(t)
	f.embedder.failures = 1
	_, err := f.searcher.Search(context.Background(), &models.SearchQuery{Query: "riverside allotments"})
	assert.Error(t, err)
}
