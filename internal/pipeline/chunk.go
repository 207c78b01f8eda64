package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/models"
)

// Chunk splits the cached text of every deduplicated, not yet chunked
// survivor into chunks. Documents whose category is gated out are marked
// excluded instead. The stage refuses to run while the chunk store and the
// manifest disagree; run Repair first.
//
// Each document follows stage, mark chunked, commit. A crash after staging
// leaves only an uncommitted list that the next attempt replaces; a crash
// after marking leaves staged chunks that Repair commits.
func (p *Pipeline) Chunk(ctx context.Context) (*Report, error) {
	stage := models.StageChunked
	rep, done := p.begin(string(stage))
	defer done()

	integrity, err := p.Verify(ctx)
	if err != nil {
		return rep, err
	}
	if len(integrity.Violations) > 0 {
		return rep, &IntegrityError{Violations: integrity.Violations}
	}

	params := p.chunker.Params().Model()
	err = p.forEach(ctx, p.Manifest.Eligible(stage), func(ctx context.Context, e *models.ManifestEntry) error {
		if !p.gate.Allows(e.Category) {
			if err := p.Manifest.Update(e.ID, func(e *models.ManifestEntry) error {
				e.Excluded = true
				return nil
			}); err != nil {
				return err
			}
			rep.skipped()
			p.metrics.RecordStageDocument(string(stage), "excluded")
			if p.logger != nil {
				p.logger.Debug("Category excluded from chunking",
					zap.String("doc_id", e.ID), zap.String("category", e.Category))
			}
			return nil
		}

		pages, err := p.Texts.Get(e.ID)
		if err != nil {
			return p.fail(ctx, rep, e, stage, fmt.Errorf("load text: %w", err))
		}
		chunks, _ := p.chunker.ChunkPages(e.ID, pages)
		if len(chunks) == 0 {
			return p.fail(ctx, rep, e, stage, fmt.Errorf("no chunkable text"))
		}
		if err := p.Chunks.Stage(ctx, e.ID, chunks); err != nil {
			return p.fail(ctx, rep, e, stage, fmt.Errorf("stage chunks: %w", err))
		}
		location := p.Chunks.Location(e.ID)
		err = p.Manifest.Complete(e.ID, stage, func(e *models.ManifestEntry) {
			e.ChunkLocation = location
			cp := *params
			e.ChunkParams = &cp
			e.NumChunks = len(chunks)
		})
		if err != nil {
			return err
		}
		if err := p.Chunks.Commit(ctx, e.ID); err != nil {
			// The entry is chunked with staged chunks; Repair commits them.
			if p.logger != nil {
				p.logger.Error("Chunk commit failed", zap.String("doc_id", e.ID), zap.Error(err))
			}
			return fmt.Errorf("commit chunks of %s: %w", e.ID, err)
		}
		rep.processed()
		p.metrics.RecordStageDocument(string(stage), "complete")
		return nil
	})
	return rep, err
}
