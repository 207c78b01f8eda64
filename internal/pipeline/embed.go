package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/chunker"
	"github.com/hyperjump/councildocs/internal/models"
)

type embedded struct {
	chunks  []models.Chunk
	vectors [][]float32
}

// Embed embeds the committed chunks of every chunked document not yet
// embedded for variant. Documents are processed in checkpoint groups: the
// vectors of a group are added to the index, the index is saved, and only
// then are the documents marked embedded, so a crash never leaves a flag set
// without saved vectors. Low-signal chunks are not embedded.
func (p *Pipeline) Embed(ctx context.Context, variant string) (*Report, error) {
	stage := models.EmbeddedStage(variant)
	rep, done := p.begin(string(stage))
	defer done()

	embedder, ok := p.Embedders[variant]
	if !ok {
		return rep, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	if p.Vectors == nil {
		return rep, fmt.Errorf("pipeline: no vector index configured")
	}
	idx, err := p.Vectors.Get(variant)
	if err != nil {
		return rep, err
	}

	p.embedMu.Lock()
	defer p.embedMu.Unlock()

	pending := p.Manifest.Eligible(stage)
	for start := 0; start < len(pending); start += p.checkpointEvery {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		group := pending[start:min(start+p.checkpointEvery, len(pending))]

		results := make(map[string]*embedded, len(group))
		var mu sync.Mutex
		err := p.forEach(ctx, group, func(ctx context.Context, e *models.ManifestEntry) error {
			chunks, err := p.Chunks.Chunks(ctx, e.ID)
			if err != nil {
				return p.fail(ctx, rep, e, stage, fmt.Errorf("load chunks: %w", err))
			}
			kept := chunks[:0:0]
			texts := make([]string, 0, len(chunks))
			for _, c := range chunks {
				if chunker.IsLowSignal(c.Text, p.lowSignalWords, p.lowSignalTerms) {
					continue
				}
				kept = append(kept, c)
				texts = append(texts, c.Text)
			}

			var vecs [][]float32
			if len(texts) > 0 {
				started := time.Now()
				err = p.policy.Do(ctx, func(ctx context.Context) error {
					var err error
					vecs, err = embedder.EmbedBatch(ctx, texts)
					return err
				})
				p.metrics.RecordEmbeddingBatch(variant, err)
				if err != nil {
					// Drop anything an earlier attempt left in the index.
					if _, rmErr := idx.RemoveByPrefix(ctx, models.ChunkIDPrefix(e.ID)); rmErr != nil && p.logger != nil {
						p.logger.Warn("Failed to drop partial vectors", zap.String("doc_id", e.ID), zap.Error(rmErr))
					}
					return p.fail(ctx, rep, e, stage, fmt.Errorf("embed: %w", err))
				}
				if p.logger != nil {
					p.logger.Debug("Embedded document",
						zap.String("doc_id", e.ID),
						zap.String("variant", variant),
						zap.Int("chunks", len(texts)),
						zap.Int("low_signal", len(chunks)-len(texts)),
						zap.Duration("duration", time.Since(started)))
				}
			}
			mu.Lock()
			results[e.ID] = &embedded{chunks: kept, vectors: vecs}
			mu.Unlock()
			return nil
		})
		if err != nil {
			return rep, err
		}
		if err := p.checkpoint(ctx, rep, variant, group, results); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// checkpoint writes one group of embedded documents to the indexes, saves
// the vector index and marks the documents embedded.
func (p *Pipeline) checkpoint(ctx context.Context, rep *Report, variant string, group []*models.ManifestEntry, results map[string]*embedded) error {
	if len(results) == 0 {
		return nil
	}
	stage := models.EmbeddedStage(variant)
	idx, err := p.Vectors.Get(variant)
	if err != nil {
		return err
	}

	var indexed []*models.ManifestEntry
	for _, e := range group {
		res, ok := results[e.ID]
		if !ok {
			continue
		}
		if _, err := idx.RemoveByPrefix(ctx, models.ChunkIDPrefix(e.ID)); err != nil {
			return err
		}
		if len(res.chunks) > 0 {
			ids := make([]string, len(res.chunks))
			for i := range res.chunks {
				ids[i] = res.chunks[i].ID()
			}
			if err := idx.Add(ctx, ids, res.vectors); err != nil {
				if err := p.fail(ctx, rep, e, stage, fmt.Errorf("index vectors: %w", err)); err != nil {
					return err
				}
				continue
			}
			if p.Keyword != nil {
				if err := p.Keyword.IndexChunks(ctx, res.chunks); err != nil {
					return fmt.Errorf("keyword index %s: %w", e.ID, err)
				}
			}
		}
		indexed = append(indexed, e)
	}

	if err := p.Vectors.Save(variant); err != nil {
		return fmt.Errorf("save %s index: %w", variant, err)
	}
	for _, e := range indexed {
		if err := p.Manifest.Complete(e.ID, stage, nil); err != nil {
			return err
		}
		rep.processed()
		p.metrics.RecordStageDocument(string(stage), "complete")
	}
	if p.logger != nil {
		p.logger.Info("Embedding checkpoint",
			zap.String("variant", variant),
			zap.Int("documents", len(indexed)),
			zap.Int("vectors", idx.Size()))
	}
	return nil
}
