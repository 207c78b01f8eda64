// Package pipeline runs the document processing stages (ingest, exact dedup,
// near-duplicate annotation, chunking, embedding) over the manifest, and
// provides the maintenance operations (reset, verify, repair) that keep the
// manifest and the chunk store consistent.
//
// Every stage selects its work from the manifest, so a stage interrupted by a
// crash or cancellation simply picks up the remaining documents on the next run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/councildocs/internal/chunker"
	"github.com/hyperjump/councildocs/internal/config"
	"github.com/hyperjump/councildocs/internal/dedup"
	"github.com/hyperjump/councildocs/internal/embedding"
	"github.com/hyperjump/councildocs/internal/extract"
	"github.com/hyperjump/councildocs/internal/keyword"
	"github.com/hyperjump/councildocs/internal/manifest"
	"github.com/hyperjump/councildocs/internal/metrics"
	"github.com/hyperjump/councildocs/internal/models"
	"github.com/hyperjump/councildocs/internal/neardup"
	"github.com/hyperjump/councildocs/internal/register"
	"github.com/hyperjump/councildocs/internal/retry"
	"github.com/hyperjump/councildocs/internal/storage"
	"github.com/hyperjump/councildocs/internal/vector"
)

// ErrUnknownVariant is returned when a stage names an embedding variant without an embedder.
var ErrUnknownVariant = errors.New("unknown embedding variant")

// Deps are the stores and clients the pipeline operates on. Keyword and
// Remover are optional.
type Deps struct {
	Register  *register.Register
	Manifest  *manifest.Manifest
	Texts     *storage.TextStore
	Chunks    storage.ChunkStore
	Extractor *extract.Extractor
	Vectors   *vector.IndexSet
	Keyword   keyword.Index
	Embedders map[string]embedding.Embedder
	// Remover, when set, deletes the files of exact duplicates.
	Remover *dedup.Remover
}

// Pipeline runs the processing stages.
type Pipeline struct {
	Deps

	documentsDir    string
	workers         int
	checkpointEvery int
	nearDupEnabled  bool
	lowSignalWords  int
	lowSignalTerms  []string

	chunker  *chunker.Chunker
	gate     *chunker.Gate
	detector *neardup.Detector
	policy   *retry.Policy

	logger  *zap.Logger
	metrics *metrics.Metrics

	// embedMu serialises embed stages so vector index saves never interleave.
	embedMu sync.Mutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithRetryPolicy overrides the retry policy built from the embedding config.
func WithRetryPolicy(policy *retry.Policy) Option {
	return func(p *Pipeline) { p.policy = policy }
}

// New builds a pipeline from cfg over deps.
func New(cfg *config.Config, deps Deps, opts ...Option) (*Pipeline, error) {
	if deps.Register == nil || deps.Manifest == nil || deps.Texts == nil || deps.Chunks == nil {
		return nil, fmt.Errorf("pipeline: register, manifest, text store and chunk store are required")
	}
	c, err := chunker.New(
		chunker.Params{Size: cfg.Chunking.ChunkSize, OverlapPercent: cfg.Chunking.Overlap()},
		chunker.WithStripPatterns(cfg.Chunking.StripPatterns...),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p := &Pipeline{
		Deps:            deps,
		documentsDir:    cfg.Storage.DocumentsDir,
		workers:         cfg.Pipeline.Workers,
		checkpointEvery: cfg.Embedding.CheckpointEvery,
		nearDupEnabled:  cfg.NearDup.EnabledOrDefault(),
		lowSignalWords:  cfg.Chunking.LowSignalMaxWords,
		lowSignalTerms:  cfg.Chunking.LowSignalKeywords,
		chunker:         c,
		gate:            chunker.NewGate(cfg.Chunking.ExcludedCategories),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers <= 0 {
		p.workers = 1
	}
	if p.checkpointEvery <= 0 {
		p.checkpointEvery = 25
	}
	if p.Extractor == nil {
		p.Extractor = extract.NewExtractor()
	}
	if p.policy == nil {
		p.policy = retry.New(cfg.Embedding.Retry,
			retry.WithLogger(p.logger),
			retry.WithNotify(func(error, time.Duration) { p.metrics.RecordEmbeddingRetry() }))
	}
	p.detector, err = neardup.NewDetector(neardup.Params{
		ShingleSize: cfg.NearDup.ShingleSize,
		NumPerm:     cfg.NearDup.NumPerm,
		Threshold:   cfg.NearDup.Threshold,
		Bands:       cfg.NearDup.Bands,
		Rows:        cfg.NearDup.Rows,
	}, neardup.WithLogger(p.logger))
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return p, nil
}

// Report summarises one stage run.
type Report struct {
	Stage     string            `json:"stage"`
	Processed int               `json:"processed"`
	Skipped   int               `json:"skipped"`
	Failed    int               `json:"failed"`
	Review    int               `json:"review"`
	Errors    map[string]string `json:"errors,omitempty"`
	Duration  time.Duration     `json:"duration"`

	// Duplicates counts documents redirected by exact dedup.
	Duplicates int `json:"duplicates,omitempty"`
	// Clusters counts near-duplicate clusters found.
	Clusters int `json:"clusters,omitempty"`

	mu sync.Mutex
}

func newReport(stage string) *Report {
	return &Report{Stage: stage}
}

func (r *Report) processed() {
	r.mu.Lock()
	r.Processed++
	r.mu.Unlock()
}

func (r *Report) skipped() {
	r.mu.Lock()
	r.Skipped++
	r.mu.Unlock()
}

func (r *Report) failed(docID string, err error, review bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed++
	if review {
		r.Review++
	}
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[docID] = err.Error()
}

// DocIDs returns the documents with errors, sorted.
func (r *Report) DocIDs() []string {
	out := make([]string, 0, len(r.Errors))
	for id := range r.Errors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// begin starts timing a stage; the returned func finishes the report.
func (p *Pipeline) begin(stage string) (*Report, func()) {
	rep := newReport(stage)
	start := time.Now()
	if p.logger != nil {
		p.logger.Info("Stage started", zap.String("stage", stage))
	}
	return rep, func() {
		rep.Duration = time.Since(start)
		p.metrics.ObserveStage(stage, rep.Duration)
		if p.logger != nil {
			p.logger.Info("Stage finished",
				zap.String("stage", stage),
				zap.Int("processed", rep.Processed),
				zap.Int("skipped", rep.Skipped),
				zap.Int("failed", rep.Failed),
				zap.Int("review", rep.Review),
				zap.Duration("duration", rep.Duration))
		}
	}
}

// forEach runs fn for every entry on the bounded worker pool. fn returns an
// error only for failures that must halt the stage; document-level failures
// are recorded by fn itself. Cancellation stops scheduling new entries.
func (p *Pipeline) forEach(ctx context.Context, entries []*models.ManifestEntry, fn func(ctx context.Context, e *models.ManifestEntry) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, e := range entries {
		if gctx.Err() != nil {
			break
		}
		e := e
		g.Go(func() error { return fn(gctx, e) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// fail records a document-level failure at stage. Cancellation is not a
// failure of the document: nothing is recorded and the error is returned so
// the stage stops.
func (p *Pipeline) fail(ctx context.Context, rep *Report, e *models.ManifestEntry, stage models.Stage, cause error) error {
	if ctx.Err() != nil && (errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded)) {
		return cause
	}
	review, err := p.Manifest.Fail(e.ID, stage, cause)
	if err != nil {
		return err
	}
	rep.failed(e.ID, cause, review)
	p.metrics.RecordStageDocument(string(stage), "error")
	if p.logger != nil {
		fields := []zap.Field{
			zap.String("doc_id", e.ID),
			zap.String("stage", string(stage)),
			zap.Error(cause),
		}
		if review {
			p.logger.Warn("Document flagged for review", fields...)
		} else {
			p.logger.Warn("Document failed", fields...)
		}
	}
	return nil
}

// resolvePath returns the local file of a document; relative paths are
// resolved against the documents directory.
func (p *Pipeline) resolvePath(e *models.ManifestEntry) string {
	if e.Path == "" {
		return ""
	}
	path := filepath.FromSlash(e.Path)
	if filepath.IsAbs(path) || p.documentsDir == "" {
		return path
	}
	return filepath.Join(p.documentsDir, path)
}

// Variants returns the embedding variants the pipeline has embedders for, sorted.
func (p *Pipeline) Variants() []string {
	out := make([]string, 0, len(p.Embedders))
	for v := range p.Embedders {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Stats returns manifest statistics and publishes them as metrics.
func (p *Pipeline) Stats() *manifest.Stats {
	st := p.Manifest.Stats(p.Variants()...)
	p.metrics.ObserveManifest(st)
	return st
}

// Run executes dedup, near-dup, chunk and every requested embed stage in
// order. Stages are strictly sequential; Run stops at the first stage error.
func (p *Pipeline) Run(ctx context.Context, variants []string) ([]*Report, error) {
	var reports []*Report
	steps := []func(context.Context) (*Report, error){p.Dedup, p.NearDup, p.Chunk}
	for _, v := range variants {
		v := v
		steps = append(steps, func(ctx context.Context) (*Report, error) { return p.Embed(ctx, v) })
	}
	for _, step := range steps {
		rep, err := step(ctx)
		if rep != nil {
			reports = append(reports, rep)
		}
		if err != nil {
			return reports, err
		}
	}
	p.Stats()
	return reports, nil
}
