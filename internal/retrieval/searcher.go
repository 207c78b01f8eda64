package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/config"
	"github.com/hyperjump/councildocs/internal/embedding"
	"github.com/hyperjump/councildocs/internal/keyword"
	"github.com/hyperjump/councildocs/internal/metrics"
	"github.com/hyperjump/councildocs/internal/models"
	"github.com/hyperjump/councildocs/internal/retry"
	"github.com/hyperjump/councildocs/internal/vector"
)

var (
	// ErrUnknownVariant is returned for a query naming an unconfigured embedding variant.
	ErrUnknownVariant = errors.New("unknown embedding variant")
	// ErrKeywordUnavailable is returned when a keyword pass is requested without a keyword index.
	ErrKeywordUnavailable = errors.New("keyword index not available")
	// ErrInvalidQuery wraps query validation failures.
	ErrInvalidQuery = errors.New("invalid query")
)

// Catalog resolves document metadata by doc_id. *manifest.Manifest satisfies it.
type Catalog interface {
	Get(id string) (*models.ManifestEntry, bool)
}

// Searcher runs a query against the chunk indexes and returns ranked documents.
type Searcher struct {
	cfg            config.SearchConfig
	defaultVariant string
	embedders      map[string]embedding.Embedder
	vectors        *vector.IndexSet
	keyword        keyword.Index
	catalog        Catalog
	policy         *retry.Policy
	logger         *zap.Logger
	metrics        *metrics.Metrics
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithKeywordIndex enables the keyword pass.
func WithKeywordIndex(idx keyword.Index) Option {
	return func(s *Searcher) { s.keyword = idx }
}

// WithRetryPolicy routes query embedding through p.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(s *Searcher) { s.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Searcher) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Searcher) { s.metrics = m }
}

// NewSearcher creates a searcher. embedders holds one embedder per variant and
// must contain defaultVariant.
func NewSearcher(cfg config.SearchConfig, defaultVariant string, embedders map[string]embedding.Embedder, vectors *vector.IndexSet, catalog Catalog, opts ...Option) *Searcher {
	s := &Searcher{
		cfg:            cfg,
		defaultVariant: defaultVariant,
		embedders:      embedders,
		vectors:        vectors,
		catalog:        catalog,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search validates q, runs the requested passes and returns the ranked documents.
func (s *Searcher) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	resp, err := s.search(ctx, q)
	chunkHits := 0
	if resp != nil {
		chunkHits = resp.ChunkHits
		resp.QueryTime = time.Since(start).Milliseconds()
	}
	s.metrics.RecordSearch(time.Since(start), chunkHits, err)
	return resp, err
}

func (s *Searcher) search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	if !q.KeywordEnabled && !q.SemanticEnabled {
		q.SemanticEnabled = true
		q.KeywordEnabled = s.cfg.KeywordEnabled && s.keyword != nil
	}
	if err := q.Validate(s.cfg.DefaultLimit, s.cfg.MaxLimit); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if q.KeywordEnabled && s.keyword == nil {
		return nil, ErrKeywordUnavailable
	}
	if q.Variant == "" {
		q.Variant = s.defaultVariant
	}
	topK := q.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}

	var passes [][]models.Hit
	if q.SemanticEnabled {
		hits, err := s.semanticPass(ctx, q.Variant, q.Query, topK)
		if err != nil {
			return nil, err
		}
		passes = append(passes, hits)
	}
	if q.KeywordEnabled {
		hits, err := s.keywordPass(ctx, q.Query, topK)
		if err != nil {
			return nil, err
		}
		passes = append(passes, hits)
	}

	merged := Merge(passes...)
	ranked := s.resolve(q, Aggregate(merged))

	resp := &models.SearchResponse{
		Query:     q.Query,
		Variant:   q.Variant,
		Total:     len(ranked),
		ChunkHits: len(merged),
	}
	if len(ranked) > q.Limit {
		ranked = ranked[:q.Limit]
	}
	resp.Results = ranked
	if s.logger != nil {
		s.logger.Debug("Search complete",
			zap.String("query", q.Query),
			zap.String("variant", q.Variant),
			zap.Int("chunk_hits", resp.ChunkHits),
			zap.Int("documents", resp.Total))
	}
	return resp, nil
}

// semanticPass embeds the query and returns similarity hits from the variant's index.
func (s *Searcher) semanticPass(ctx context.Context, variant, query string, topK int) ([]models.Hit, error) {
	emb, ok := s.embedders[variant]
	if !ok || s.vectors == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	var vec []float32
	embed := func(ctx context.Context) error {
		v, err := emb.Embed(ctx, query)
		if err != nil {
			return err
		}
		vec = v
		return nil
	}
	var err error
	if s.policy != nil {
		err = s.policy.Do(ctx, embed)
	} else {
		err = embed(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}

	idx, err := s.vectors.Get(variant)
	if err != nil {
		return nil, err
	}
	results, err := idx.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	hits := make([]models.Hit, 0, len(results))
	for _, r := range results {
		docID, chunk, err := models.ParseChunkID(r.ID)
		if err != nil {
			continue
		}
		hits = append(hits, models.Hit{DocID: docID, ChunkIndex: chunk, Score: r.Score})
	}
	return Normalize(hits, ConventionFor(idx.Metric()))
}

func (s *Searcher) keywordPass(ctx context.Context, query string, topK int) ([]models.Hit, error) {
	results, err := s.keyword.Search(ctx, query, topK, &keyword.SearchOptions{PhraseBoost: 1.5})
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	hits := make([]models.Hit, len(results))
	for i, r := range results {
		hits[i] = r.Hit()
	}
	return Normalize(hits, KeywordScore)
}

// resolve attaches metadata, drops documents that are unknown, removed or
// filtered out, collapses near-duplicate clusters when asked, and renumbers ranks.
func (s *Searcher) resolve(q *models.SearchQuery, ranked []*models.RankedDocument) []*models.RankedDocument {
	collapse := s.cfg.CollapseNearDup
	if q.CollapseNearDup != nil {
		collapse = *q.CollapseNearDup
	}
	seenCluster := make(map[string]bool)
	out := ranked[:0]
	for _, r := range ranked {
		if s.catalog != nil {
			e, ok := s.catalog.Get(r.DocID)
			if !ok || e.RedirectTo != "" {
				continue
			}
			if !q.Matches(&e.Document) {
				continue
			}
			doc := e.Document
			r.Document = &doc
			if collapse {
				cluster := e.NearDuplicateOf
				if cluster == "" {
					cluster = e.ID
				}
				if seenCluster[cluster] {
					continue
				}
				seenCluster[cluster] = true
			}
		}
		out = append(out, r)
	}
	for i, r := range out {
		r.Rank = i + 1
	}
	return out
}
