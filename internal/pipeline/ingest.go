package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/manifest"
	"github.com/hyperjump/councildocs/internal/models"
	"github.com/hyperjump/councildocs/internal/register"
)

// IngestReport extends Report with register outcomes.
type IngestReport struct {
	*Report
	// New counts descriptors that received a fresh doc_id.
	New int `json:"new"`
	// Rejected counts descriptors whose key could not be normalised.
	Rejected int `json:"rejected"`
}

// Ingest registers descriptors, records their metadata in the manifest and
// marks documents scraped once their content is available: a local path, or
// text delivered inline (which is cached as a single unpaginated page).
// Re-delivered descriptors keep their doc_id and only refresh metadata.
func (p *Pipeline) Ingest(ctx context.Context, descs []models.Descriptor) (*IngestReport, error) {
	rep, done := p.begin(string(models.StageScraped))
	defer done()
	out := &IngestReport{Report: rep}

	for i := range descs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d := &descs[i]
		id, created, err := p.Register.Assign(d)
		if err != nil {
			if errors.Is(err, register.ErrInvalidKey) {
				out.Rejected++
				rep.failed(fmt.Sprintf("descriptor[%d]", i), err, false)
				if p.logger != nil {
					p.logger.Warn("Rejected descriptor", zap.Int("index", i), zap.Error(err))
				}
				continue
			}
			return out, err
		}
		if created {
			out.New++
		}
		source, _ := p.Register.Key(id)
		entry, err := p.Manifest.Upsert(models.Document{
			ID:          id,
			Source:      source,
			URL:         d.URL,
			Path:        d.Path,
			Title:       d.Title,
			Filename:    d.DisplayName(),
			Committee:   d.Committee,
			MeetingDate: d.MeetingDate,
			Category:    d.Category,
		})
		if err != nil {
			return out, err
		}
		if entry.Scraped {
			rep.skipped()
			continue
		}
		if d.Text != "" {
			if err := p.Texts.Put(id, []models.Page{{Number: 0, Text: d.Text}}); err != nil {
				return out, err
			}
		} else if d.Path == "" {
			// URL only: the scraper has not fetched the file yet.
			rep.skipped()
			continue
		}
		if err := p.Manifest.Complete(id, models.StageScraped, nil); err != nil {
			if errors.Is(err, manifest.ErrAlreadyComplete) || errors.Is(err, manifest.ErrNeedsReview) {
				rep.skipped()
				continue
			}
			return out, err
		}
		rep.processed()
		p.metrics.RecordStageDocument(string(models.StageScraped), "complete")
	}
	return out, nil
}
