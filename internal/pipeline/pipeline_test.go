package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/councildocs/internal/config"
	"github.com/hyperjump/councildocs/internal/dedup"
	"github.com/hyperjump/councildocs/internal/embedding"
	"github.com/hyperjump/councildocs/internal/keyword"
	"github.com/hyperjump/councildocs/internal/manifest"
	"github.com/hyperjump/councildocs/internal/models"
	"github.com/hyperjump/councildocs/internal/register"
	"github.com/hyperjump/councildocs/internal/storage"
	"github.com/hyperjump/councildocs/internal/vector"
)

const testDims = 64

// countingEmbedder counts batches and fails with err when set.
type countingEmbedder struct {
	embedding.Embedder
	mu    sync.Mutex
	calls int
	texts int
	err   error
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls++
	c.texts += len(texts)
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.Embedder.EmbedBatch(ctx, texts)
}

// cancellingStore cancels the run once the first document is committed.
type cancellingStore struct {
	storage.ChunkStore
	cancel context.CancelFunc
}

func (s *cancellingStore) Commit(ctx context.Context, docID string) error {
	err := s.ChunkStore.Commit(ctx, docID)
	s.cancel()
	return err
}

type harness struct {
	t        *testing.T
	cfg      *config.Config
	p        *Pipeline
	reg      *register.Register
	manifest *manifest.Manifest
	texts    *storage.TextStore
	chunks   storage.ChunkStore
	vectors  *vector.IndexSet
	keyword  *keyword.BleveIndex
	embedder *countingEmbedder
}

type harnessOption func(*config.Config, *Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg, err := config.Default(t.TempDir())
	require.NoError(t, err)
	cfg.Pipeline.Workers = 2
	cfg.Chunking.ChunkSize = 120
	cfg.NearDup.Threshold = 0.8
	cfg.Embedding.CheckpointEvery = 2
	cfg.Embedding.Variants = map[string]config.VariantConfig{"small": {Model: "mock", Dimensions: testDims}}
	cfg.Embedding.DefaultVariant = "small"
	cfg.Embedding.Retry = config.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	require.NoError(t, os.MkdirAll(cfg.Storage.DocumentsDir, 0755))

	data := cfg.Storage.DataDir
	reg, err := register.Open(filepath.Join(data, "document_ids.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	man, err := manifest.Open(filepath.Join(data, "document_manifest.jsonl"), manifest.WithMaxFailures(cfg.Pipeline.MaxFailures))
	require.NoError(t, err)
	t.Cleanup(func() { _ = man.Close() })
	texts, err := storage.NewTextStore(filepath.Join(data, "text"))
	require.NoError(t, err)
	chunks, err := storage.NewChunkStore(storage.BackendJSONL, data)
	require.NoError(t, err)
	t.Cleanup(func() { _ = chunks.Close() })
	vectors, err := vector.NewIndexSet(filepath.Join(data, "vectors"), vector.MetricCosine, map[string]int{"small": testDims})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })
	kw, err := keyword.NewBleveIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kw.Close() })

	emb := &countingEmbedder{Embedder: embedding.NewMockEmbedder(testDims)}
	deps := Deps{
		Register:  reg,
		Manifest:  man,
		Texts:     texts,
		Chunks:    chunks,
		Vectors:   vectors,
		Keyword:   kw,
		Embedders: map[string]embedding.Embedder{"small": emb},
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}
	p, err := New(cfg, deps)
	require.NoError(t, err)
	return &harness{
		t: t, cfg: cfg, p: p, reg: reg, manifest: man, texts: texts,
		chunks: deps.Chunks, vectors: vectors, keyword: kw, embedder: emb,
	}
}

// prose returns words distinct tokens grouped into twelve-word sentences.
func prose(seed string, words int) string {
	var b strings.Builder
	for i := 0; i < words; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s%d", seed, i)
		if i%12 == 11 {
			b.WriteByte('.')
		}
	}
	b.WriteByte('.')
	return b.String()
}

func inline(name, text string) models.Descriptor {
	return models.Descriptor{
		URL:       "https://council.example/docs/" + name,
		Committee: "Planning",
		Text:      text,
	}
}

func (h *harness) writeDoc(name, text string) models.Descriptor {
	h.t.Helper()
	require.NoError(h.t, os.WriteFile(filepath.Join(h.cfg.Storage.DocumentsDir, name), []byte(text), 0644))
	return models.Descriptor{Path: name, Committee: "Licensing"}
}

func (h *harness) ingest(descs ...models.Descriptor) *IngestReport {
	h.t.Helper()
	rep, err := h.p.Ingest(context.Background(), descs)
	require.NoError(h.t, err)
	return rep
}

func (h *harness) id(d models.Descriptor) string {
	h.t.Helper()
	id, ok := h.reg.Lookup(d.Key())
	require.True(h.t, ok, "descriptor %q not registered", d.Key())
	return id
}

func (h *harness) entry(id string) *models.ManifestEntry {
	h.t.Helper()
	e, ok := h.manifest.Get(id)
	require.True(h.t, ok)
	return e
}

func (h *harness) vectorIDs(docID string) []string {
	h.t.Helper()
	idx, err := h.vectors.Get("small")
	require.NoError(h.t, err)
	var out []string
	for _, id := range idx.IDs() {
		if strings.HasPrefix(id, models.ChunkIDPrefix(docID)) {
			out = append(out, id)
		}
	}
	return out
}

func TestNew_requiresStores(t *testing.T) {
	cfg, err := config.Default(t.TempDir())
	require.NoError(t, err)
	_, err = New(cfg, Deps{})
	assert.Error(t, err)
}

func TestIngest_idempotent(t *testing.T) {
	h := newHarness(t)
	descs := []models.Descriptor{
		inline("minutes.pdf", prose("alpha", 40)),
		inline("agenda.pdf", prose("beta", 40)),
		{URL: "https://council.example/docs/report.pdf", Title: "Report"},
		{Title: "no key"},
	}

	rep := h.ingest(descs...)
	assert.Equal(t, 3, rep.New)
	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, 1, rep.Skipped, "url-only descriptors wait for the scraper")
	assert.Equal(t, 1, rep.Rejected)

	again := h.ingest(descs...)
	assert.Equal(t, 0, again.New)
	assert.Equal(t, 0, again.Processed)
	assert.Equal(t, 3, again.Skipped)
	assert.Equal(t, 3, h.manifest.Len())

	e := h.entry(h.id(descs[0]))
	assert.True(t, e.Scraped)
	assert.Equal(t, "minutes.pdf", e.Filename)
	assert.True(t, h.texts.Has(e.ID))
	assert.False(t, h.entry(h.id(descs[2])).Scraped)
}

// withRemover enables duplicate file removal and stores the remover in out.
func withRemover(t *testing.T, out **dedup.Remover) harnessOption {
	return func(cfg *config.Config, d *Deps) {
		r, err := dedup.NewRemover(filepath.Join(cfg.Storage.DataDir, "deletion_log.jsonl"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })
		d.Remover = r
		*out = r
	}
}

func TestDedup_exactDuplicates(t *testing.T) {
	var remover *dedup.Remover
	h := newHarness(t, withRemover(t, &remover))
	text := prose("gamma", 60)
	keep := h.writeDoc("minutes.txt", text)
	dup := h.writeDoc("minutes_1.txt", text)
	other := h.writeDoc("report.txt", prose("delta", 60))
	h.ingest(keep, dup, other)

	rep, err := h.p.Dedup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Processed)
	assert.Equal(t, 1, rep.Duplicates)

	keepID, dupID := h.id(keep), h.id(dup)
	assert.Equal(t, keepID, h.entry(dupID).RedirectTo)
	assert.Equal(t, models.StatusDuplicateRemoved, h.entry(dupID).DeriveStatus())
	assert.Empty(t, h.entry(keepID).RedirectTo)
	assert.Equal(t, h.entry(keepID).ContentHash, h.entry(dupID).ContentHash)
	assert.Empty(t, h.entry(h.id(other)).RedirectTo)

	_, err = os.Stat(filepath.Join(h.cfg.Storage.DocumentsDir, "minutes_1.txt"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "duplicate file should be removed")
	records, err := remover.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, dupID, records[0].DocID)

	// A later copy loses to the survivor even though its name sorts first.
	late := inline("agenda.pdf", text)
	h.ingest(late)
	rep, err = h.p.Dedup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, keepID, h.entry(h.id(late)).RedirectTo)
	assert.Empty(t, h.entry(keepID).RedirectTo)
}

func TestDedup_survivorKeepsWinningAfterReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	text := prose("zeta", 60)
	keep := h.writeDoc("b_minutes.txt", text)
	dup := h.writeDoc("b_minutes_1.txt", text)
	h.ingest(keep, dup)
	_, err := h.p.Dedup(ctx)
	require.NoError(t, err)
	keepID, dupID := h.id(keep), h.id(dup)
	require.Equal(t, keepID, h.entry(dupID).RedirectTo)

	_, err = h.p.Reset(ctx, ResetOptions{DocIDs: []string{keepID}, From: models.StageDeduplicated})
	require.NoError(t, err)
	// Sorts ahead of the survivor on every tie-break but incumbency.
	late := h.writeDoc("a_minutes.txt", text)
	h.ingest(late)
	rep, err := h.p.Dedup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Processed)

	assert.Empty(t, h.entry(keepID).RedirectTo)
	assert.Equal(t, keepID, h.entry(dupID).RedirectTo)
	assert.Equal(t, keepID, h.entry(h.id(late)).RedirectTo)
}

func TestDedup_repointsRedirectsOfCollapsedSurvivor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	text := prose("eta", 60)
	keep := h.writeDoc("b_minutes.txt", text)
	dup := h.writeDoc("b_minutes_1.txt", text)
	report := h.writeDoc("a_report.txt", prose("theta", 60))
	h.ingest(keep, dup, report)
	_, err := h.p.Dedup(ctx)
	require.NoError(t, err)
	keepID, dupID, reportID := h.id(keep), h.id(dup), h.id(report)
	require.Equal(t, keepID, h.entry(dupID).RedirectTo)

	// The survivor's text now matches the report, which wins the tie-break.
	_, err = h.p.Reset(ctx, ResetOptions{DocIDs: []string{keepID}, From: models.StageDeduplicated})
	require.NoError(t, err)
	pages, err := h.texts.Get(reportID)
	require.NoError(t, err)
	require.NoError(t, h.texts.Put(keepID, pages))
	_, err = h.p.Dedup(ctx)
	require.NoError(t, err)

	assert.Equal(t, reportID, h.entry(keepID).RedirectTo)
	assert.Equal(t, reportID, h.entry(dupID).RedirectTo, "redirects never point at a duplicate")
	assert.Empty(t, h.entry(reportID).RedirectTo)
}

func TestDedup_extractionFailure(t *testing.T) {
	h := newHarness(t)
	missing := models.Descriptor{Path: "missing.txt"}
	empty := h.writeDoc("empty.txt", "   \n ")
	h.ingest(missing, empty)

	rep, err := h.p.Dedup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, 0, rep.Processed)

	for _, d := range []models.Descriptor{missing, empty} {
		e := h.entry(h.id(d))
		assert.False(t, e.Deduplicated)
		assert.Equal(t, models.StageDeduplicated, e.ErrorStage)
		assert.Empty(t, e.ContentHash, "failed extractions are never hashed")
	}
}

func TestNearDup_annotatesAndClears(t *testing.T) {
	h := newHarness(t)
	base := prose("item", 200)
	a := inline("a.pdf", base)
	b := inline("b.pdf", strings.Replace(base, "item100", "changed", 1))
	c := inline("c.pdf", prose("other", 200))
	h.ingest(a, b, c)
	_, err := h.p.Dedup(context.Background())
	require.NoError(t, err)

	rep, err := h.p.NearDup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Clusters)

	aID, bID := h.id(a), h.id(b)
	primary, member := aID, bID
	if bID < aID {
		primary, member = bID, aID
	}
	assert.Equal(t, primary, h.entry(member).NearDuplicateOf)
	assert.Empty(t, h.entry(primary).NearDuplicateOf)
	assert.Empty(t, h.entry(h.id(c)).NearDuplicateOf)

	// A stale annotation is cleared on the next run.
	require.NoError(t, h.manifest.Update(h.id(c), func(e *models.ManifestEntry) error {
		e.NearDuplicateOf = primary
		return nil
	}))
	rep, err = h.p.NearDup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Empty(t, h.entry(h.id(c)).NearDuplicateOf)
}

func TestNearDup_disabled(t *testing.T) {
	off := false
	h := newHarness(t, func(cfg *config.Config, _ *Deps) { cfg.NearDup.Enabled = &off })
	rep, err := h.p.NearDup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Processed)
}

func TestRun_endToEnd(t *testing.T) {
	h := newHarness(t)
	a := inline("minutes.pdf", prose("allotment", 80))
	b := inline("report.pdf", prose("parking", 80))
	cover := inline("cover.pdf", prose("cover", 30))
	cover.Category = "cover_sheet"
	dup := inline("minutes_copy.pdf", prose("allotment", 80))
	h.ingest(a, b, cover, dup)

	reports, err := h.p.Run(context.Background(), []string{"small"})
	require.NoError(t, err)
	require.Len(t, reports, 4)
	assert.Equal(t, "embedded_small", reports[3].Stage)
	assert.Equal(t, 2, reports[3].Processed)

	for _, d := range []models.Descriptor{a, b} {
		e := h.entry(h.id(d))
		assert.True(t, e.Chunked)
		assert.True(t, e.Embedded["small"])
		assert.Equal(t, models.StatusEmbedded, e.DeriveStatus())
		require.NotNil(t, e.ChunkParams)
		assert.Equal(t, 120, e.ChunkParams.Size)

		chunks, err := h.chunks.Chunks(context.Background(), e.ID)
		require.NoError(t, err)
		assert.Len(t, chunks, e.NumChunks)
		assert.Len(t, h.vectorIDs(e.ID), e.NumChunks)
	}

	c := h.entry(h.id(cover))
	assert.True(t, c.Excluded)
	assert.False(t, c.Chunked)
	assert.Equal(t, models.StatusExcluded, c.DeriveStatus())
	assert.Empty(t, h.vectorIDs(c.ID))

	d := h.entry(h.id(dup))
	assert.False(t, d.Chunked, "duplicates are never chunked")

	count, err := h.keyword.DocCount()
	require.NoError(t, err)
	assert.Greater(t, count, uint64(0))
	hits, err := h.keyword.Search(context.Background(), "parking3", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, h.id(b), hits[0].DocID)

	_, err = os.Stat(h.vectors.Path("small"))
	assert.NoError(t, err, "index saved at checkpoint")

	st := h.p.Stats()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.Stages[models.EmbeddedStage("small")].Complete)

	// Nothing left to do on a second run.
	calls := h.embedder.calls
	reports, err = h.p.Run(context.Background(), []string{"small"})
	require.NoError(t, err)
	for _, r := range reports {
		assert.Equal(t, 0, r.Processed, r.Stage)
	}
	assert.Equal(t, calls, h.embedder.calls)
}

func TestEmbed_lowSignalChunksSkipped(t *testing.T) {
	h := newHarness(t)
	d := inline("apologies.pdf", "Apologies for absence were received.")
	h.ingest(d)
	_, err := h.p.Run(context.Background(), []string{"small"})
	require.NoError(t, err)

	e := h.entry(h.id(d))
	assert.True(t, e.Embedded["small"])
	assert.Empty(t, h.vectorIDs(e.ID))
	assert.Equal(t, 0, h.embedder.texts)
}

func TestEmbed_unknownVariant(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.Embed(context.Background(), "huge")
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestEmbed_failureKeepsEarlierStages(t *testing.T) {
	h := newHarness(t)
	d := inline("minutes.pdf", prose("budget", 60))
	h.ingest(d)
	ctx := context.Background()
	_, err := h.p.Dedup(ctx)
	require.NoError(t, err)
	_, err = h.p.Chunk(ctx)
	require.NoError(t, err)

	h.embedder.err = errors.New("503 service unavailable")
	id := h.id(d)
	for run := 1; run <= h.cfg.Pipeline.MaxFailures; run++ {
		rep, err := h.p.Embed(ctx, "small")
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Failed)
		if run == h.cfg.Pipeline.MaxFailures {
			assert.Equal(t, 1, rep.Review)
		}
	}
	assert.Equal(t, 2*h.cfg.Pipeline.MaxFailures, h.embedder.calls, "each attempt is retried once")

	e := h.entry(id)
	assert.True(t, e.Chunked)
	assert.False(t, e.Embedded["small"])
	assert.True(t, e.NeedsReview)
	assert.Equal(t, models.EmbeddedStage("small"), e.ErrorStage)
	assert.Empty(t, h.vectorIDs(id))

	// Held for review until the errors are reset.
	h.embedder.err = nil
	rep, err := h.p.Embed(ctx, "small")
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Processed)

	n, err := h.p.ResetErrors()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rep, err = h.p.Embed(ctx, "small")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Empty(t, h.entry(id).ErrorMessage)
}

func TestChunk_resumesAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, func(cfg *config.Config, d *Deps) {
		cfg.Pipeline.Workers = 1
		d.Chunks = &cancellingStore{ChunkStore: d.Chunks, cancel: cancel}
	})
	descs := []models.Descriptor{
		inline("a.pdf", prose("one", 50)),
		inline("b.pdf", prose("two", 50)),
		inline("c.pdf", prose("three", 50)),
	}
	h.ingest(descs...)
	_, err := h.p.Dedup(context.Background())
	require.NoError(t, err)

	rep, err := h.p.Chunk(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rep.Failed, "cancellation is not a document failure")

	chunked := 0
	for _, d := range descs {
		if h.entry(h.id(d)).Chunked {
			chunked++
		}
	}
	assert.GreaterOrEqual(t, chunked, 1)
	assert.Less(t, chunked, len(descs))

	integrity, err := h.p.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, integrity.OK(), "%v", integrity.Violations)

	rep, err = h.p.Chunk(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(descs)-chunked, rep.Processed)
	for _, d := range descs {
		assert.True(t, h.entry(h.id(d)).Chunked)
	}
}

func TestVerifyRepair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	descs := []models.Descriptor{
		inline("a.pdf", prose("one", 50)),
		inline("b.pdf", prose("two", 50)),
		inline("c.pdf", prose("three", 50)),
	}
	h.ingest(descs...)
	_, err := h.p.Dedup(ctx)
	require.NoError(t, err)
	_, err = h.p.Chunk(ctx)
	require.NoError(t, err)

	uncommitted, missing, unflagged := h.id(descs[0]), h.id(descs[1]), h.id(descs[2])
	chunks, err := h.chunks.Chunks(ctx, uncommitted)
	require.NoError(t, err)
	// Crash between marking chunked and committing.
	require.NoError(t, h.chunks.Delete(ctx, uncommitted))
	require.NoError(t, h.chunks.Stage(ctx, uncommitted, chunks))
	// Chunks lost while the flag stayed set.
	require.NoError(t, h.chunks.Delete(ctx, missing))
	// Flag cleared while chunks stayed.
	require.NoError(t, h.manifest.Reset(unflagged, models.StageChunked))
	// Chunks for a document nobody registered.
	require.NoError(t, h.chunks.Stage(ctx, "ghost", chunks))
	require.NoError(t, h.chunks.Commit(ctx, "ghost"))

	integrity, err := h.p.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, integrity.Checked)
	assert.ElementsMatch(t, []Violation{
		{DocID: uncommitted, Kind: UncommittedChunks},
		{DocID: missing, Kind: MissingChunks},
		{DocID: unflagged, Kind: ChunksWithoutFlag},
		{DocID: "ghost", Kind: OrphanChunks},
	}, integrity.Violations)

	_, err = h.p.Chunk(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
	var ie *IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Len(t, ie.Violations, 4)

	fixed, err := h.p.Repair(ctx)
	require.NoError(t, err)
	assert.Len(t, fixed, 4)

	integrity, err = h.p.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, integrity.OK(), "%v", integrity.Violations)

	assert.True(t, h.entry(uncommitted).Chunked)
	got, err := h.chunks.Chunks(ctx, uncommitted)
	require.NoError(t, err)
	assert.Equal(t, chunks, got)
	assert.False(t, h.entry(missing).Chunked)
	_, err = h.chunks.Chunks(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rep, err := h.p.Chunk(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Processed)
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := inline("a.pdf", prose("one", 50))
	b := inline("b.pdf", prose("two", 50))
	h.ingest(a, b)
	_, err := h.p.Run(ctx, []string{"small"})
	require.NoError(t, err)
	aID, bID := h.id(a), h.id(b)

	t.Run("unknown document", func(t *testing.T) {
		_, err := h.p.Reset(ctx, ResetOptions{DocIDs: []string{"nope"}})
		assert.ErrorIs(t, err, manifest.ErrNotFound)
	})

	t.Run("one variant", func(t *testing.T) {
		n, err := h.p.Reset(ctx, ResetOptions{DocIDs: []string{aID}, From: models.EmbeddedStage("small")})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		e := h.entry(aID)
		assert.True(t, e.Chunked)
		assert.False(t, e.Embedded["small"])
		assert.Empty(t, h.vectorIDs(aID))
		assert.NotEmpty(t, h.vectorIDs(bID))
		_, err = h.chunks.Chunks(ctx, aID)
		assert.NoError(t, err)
	})

	t.Run("from chunked", func(t *testing.T) {
		_, err := h.p.Reset(ctx, ResetOptions{DocIDs: []string{bID}, From: models.StageChunked})
		require.NoError(t, err)
		e := h.entry(bID)
		assert.True(t, e.Deduplicated)
		assert.False(t, e.Chunked)
		assert.Zero(t, e.NumChunks)
		assert.Empty(t, h.vectorIDs(bID))
		_, err = h.chunks.Chunks(ctx, bID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		hits, err := h.keyword.Search(ctx, "two3", 5, nil)
		require.NoError(t, err)
		assert.Empty(t, hits)

		integrity, err := h.p.Verify(ctx)
		require.NoError(t, err)
		assert.True(t, integrity.OK())
	})

	t.Run("full reset", func(t *testing.T) {
		n, err := h.p.Reset(ctx, ResetOptions{All: true})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		for _, id := range []string{aID, bID} {
			e := h.entry(id)
			assert.False(t, e.Scraped)
			assert.False(t, e.Deduplicated)
			assert.False(t, h.texts.Has(id))
		}
		committed, err := h.chunks.Committed(ctx)
		require.NoError(t, err)
		assert.Empty(t, committed)

		// Re-delivery brings the documents back under the same ids.
		rep := h.ingest(a, b)
		assert.Equal(t, 0, rep.New)
		assert.Equal(t, 2, rep.Processed)
	})
}

func TestReset_fullKeepsRemovedDuplicate(t *testing.T) {
	var remover *dedup.Remover
	h := newHarness(t, withRemover(t, &remover))
	ctx := context.Background()
	text := prose("iota", 60)
	keep := h.writeDoc("minutes.txt", text)
	dup := h.writeDoc("minutes_1.txt", text)
	h.ingest(keep, dup)
	_, err := h.p.Dedup(ctx)
	require.NoError(t, err)
	keepID, dupID := h.id(keep), h.id(dup)

	_, err = h.p.Reset(ctx, ResetOptions{All: true})
	require.NoError(t, err)
	assert.False(t, h.texts.Has(keepID))
	assert.True(t, h.texts.Has(dupID), "the removed file's text is its last copy")
	e := h.entry(dupID)
	assert.False(t, e.Scraped)
	assert.False(t, e.Deduplicated)
	assert.Equal(t, keepID, e.RedirectTo)

	h.ingest(keep, dup)
	rep, err := h.p.Dedup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Processed)
	assert.Zero(t, rep.Failed)

	e = h.entry(dupID)
	assert.Equal(t, keepID, e.RedirectTo)
	assert.Empty(t, e.ErrorMessage)
	assert.Equal(t, models.StatusDuplicateRemoved, e.DeriveStatus())
	assert.Empty(t, h.entry(keepID).RedirectTo)
	records, err := remover.Records()
	require.NoError(t, err)
	assert.Len(t, records, 1, "an already removed file is not logged twice")
}

func TestReport_DocIDs(t *testing.T) {
	r := newReport("chunked")
	r.failed("b", errors.New("x"), false)
	r.failed("a", errors.New("y"), true)
	assert.Equal(t, []string{"a", "b"}, r.DocIDs())
	assert.Equal(t, 2, r.Failed)
	assert.Equal(t, 1, r.Review)
}
