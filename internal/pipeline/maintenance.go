package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/manifest"
	"github.com/hyperjump/councildocs/internal/models"
)

// ErrIntegrity is matched by every IntegrityError.
var ErrIntegrity = errors.New("chunk store and manifest disagree")

// Kinds of integrity violation.
const (
	// OrphanChunks: committed chunks for a doc_id the manifest does not know.
	OrphanChunks = "orphan_chunks"
	// ChunksWithoutFlag: committed chunks while the manifest shows chunked=false.
	ChunksWithoutFlag = "chunks_without_flag"
	// UncommittedChunks: chunked=true but the chunks are still staged.
	UncommittedChunks = "uncommitted_chunks"
	// MissingChunks: chunked=true with no chunks stored at all.
	MissingChunks = "missing_chunks"
)

// Violation is one inconsistency found by Verify.
type Violation struct {
	DocID string `json:"doc_id"`
	Kind  string `json:"kind"`
}

// IntegrityReport is the result of Verify.
type IntegrityReport struct {
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations"`
}

// OK reports whether no violation was found.
func (r *IntegrityReport) OK() bool {
	return len(r.Violations) == 0
}

// IntegrityError halts a stage that found violations.
type IntegrityError struct {
	Violations []Violation
}

func (e *IntegrityError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d violation(s)", ErrIntegrity, len(e.Violations))
	for i, v := range e.Violations {
		if i == 5 {
			b.WriteString(", ...")
			break
		}
		fmt.Fprintf(&b, ", %s %s", v.DocID, v.Kind)
	}
	return b.String()
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

// Verify cross-checks the chunk store against the manifest.
func (p *Pipeline) Verify(ctx context.Context) (*IntegrityReport, error) {
	committed, err := p.Chunks.Committed(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	has := make(map[string]bool, len(committed))
	for _, id := range committed {
		has[id] = true
	}

	rep := &IntegrityReport{Violations: []Violation{}}
	known := make(map[string]bool)
	for _, e := range p.Manifest.List() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rep.Checked++
		known[e.ID] = true
		switch {
		case e.Chunked && !has[e.ID]:
			staged, err := p.Chunks.HasStaged(ctx, e.ID)
			if err != nil {
				return nil, fmt.Errorf("verify %s: %w", e.ID, err)
			}
			kind := MissingChunks
			if staged {
				kind = UncommittedChunks
			}
			rep.Violations = append(rep.Violations, Violation{DocID: e.ID, Kind: kind})
		case !e.Chunked && has[e.ID]:
			rep.Violations = append(rep.Violations, Violation{DocID: e.ID, Kind: ChunksWithoutFlag})
		}
	}
	for _, id := range committed {
		if !known[id] {
			rep.Violations = append(rep.Violations, Violation{DocID: id, Kind: OrphanChunks})
		}
	}
	sort.Slice(rep.Violations, func(i, j int) bool { return rep.Violations[i].DocID < rep.Violations[j].DocID })
	return rep, nil
}

// Repair fixes every violation Verify reports: staged chunks of chunked
// documents are committed, flags without chunks are reset, and chunks the
// manifest does not account for are deleted. It returns the violations fixed.
func (p *Pipeline) Repair(ctx context.Context) ([]Violation, error) {
	rep, err := p.Verify(ctx)
	if err != nil {
		return nil, err
	}
	touched := make(map[string]bool)
	var fixed []Violation
	for _, v := range rep.Violations {
		var err error
		switch v.Kind {
		case UncommittedChunks:
			err = p.Chunks.Commit(ctx, v.DocID)
		case MissingChunks, ChunksWithoutFlag:
			err = p.resetDoc(ctx, v.DocID, models.StageChunked, touched)
		case OrphanChunks:
			err = p.dropDerived(ctx, v.DocID, models.StageChunked, touched)
		}
		if err != nil {
			return fixed, fmt.Errorf("repair %s %s: %w", v.DocID, v.Kind, err)
		}
		fixed = append(fixed, v)
		if p.logger != nil {
			p.logger.Info("Repaired", zap.String("doc_id", v.DocID), zap.String("kind", v.Kind))
		}
	}
	return fixed, p.saveVectors(touched)
}

// ResetOptions selects what Reset clears.
type ResetOptions struct {
	DocIDs []string
	All    bool
	// From is the first stage to clear; empty means a full reset.
	From models.Stage
}

// Reset clears From and every later stage for the selected documents,
// deleting the data those stages produced before the manifest flags so a
// crash in between is caught by Verify. An embedded_<variant> stage clears
// only that variant. It returns the number of documents reset.
func (p *Pipeline) Reset(ctx context.Context, opts ResetOptions) (int, error) {
	from := opts.From
	if from == "" {
		from = models.StageScraped
	}
	if from.Order() < 0 {
		return 0, fmt.Errorf("reset: unknown stage %q", from)
	}
	ids := opts.DocIDs
	if opts.All {
		ids = ids[:0:0]
		for _, e := range p.Manifest.List() {
			ids = append(ids, e.ID)
		}
	}
	for _, id := range ids {
		if _, ok := p.Manifest.Get(id); !ok {
			return 0, fmt.Errorf("reset: %w: %s", manifest.ErrNotFound, id)
		}
	}

	touched := make(map[string]bool)
	n := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return n, errors.Join(err, p.saveVectors(touched))
		}
		if err := p.resetDoc(ctx, id, from, touched); err != nil {
			return n, errors.Join(err, p.saveVectors(touched))
		}
		n++
	}
	if p.logger != nil {
		p.logger.Info("Reset documents", zap.Int("count", n), zap.String("from", string(from)))
	}
	return n, p.saveVectors(touched)
}

// ResetErrors clears error, failure and review state on every document.
func (p *Pipeline) ResetErrors() (int, error) {
	return p.Manifest.ResetErrors()
}

func (p *Pipeline) resetDoc(ctx context.Context, id string, from models.Stage, touched map[string]bool) error {
	e, ok := p.Manifest.Get(id)
	if !ok {
		return fmt.Errorf("reset: %w: %s", manifest.ErrNotFound, id)
	}
	if err := p.dropDerived(ctx, id, from, touched); err != nil {
		return err
	}
	if from != models.StageScraped {
		return p.Manifest.Reset(id, from)
	}
	// The cached text of a duplicate whose file was removed is the only copy
	// left; it stays, and so does the redirect, so the next dedup run files
	// the document behind the same survivor.
	if e.IsDuplicate() && p.fileRemoved(e) {
		if p.logger != nil {
			p.logger.Debug("Keeping text of removed duplicate", zap.String("doc_id", id), zap.String("redirect_to", e.RedirectTo))
		}
		return p.Manifest.Reset(id, from, manifest.KeepRedirect())
	}
	if err := p.Texts.Delete(id); err != nil {
		return err
	}
	return p.Manifest.Reset(id, from)
}

// fileRemoved reports whether e names a local file that no longer exists.
func (p *Pipeline) fileRemoved(e *models.ManifestEntry) bool {
	path := p.resolvePath(e)
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return errors.Is(err, fs.ErrNotExist)
}

// dropDerived deletes the chunks and vectors of from and later stages for id.
// The text cache is handled by resetDoc.
func (p *Pipeline) dropDerived(ctx context.Context, id string, from models.Stage, touched map[string]bool) error {
	variants := p.vectorVariants()
	if v, ok := from.Variant(); ok && p.Vectors != nil {
		variants = []string{v}
	}
	for _, v := range variants {
		idx, err := p.Vectors.Get(v)
		if err != nil {
			return err
		}
		n, err := idx.RemoveByPrefix(ctx, models.ChunkIDPrefix(id))
		if err != nil {
			return err
		}
		if n > 0 {
			touched[v] = true
		}
	}
	if _, ok := from.Variant(); ok || from.Order() > models.StageChunked.Order() {
		return nil
	}
	if p.Keyword != nil {
		if _, err := p.Keyword.DeleteDocument(ctx, id); err != nil {
			return err
		}
	}
	return p.Chunks.Delete(ctx, id)
}

func (p *Pipeline) vectorVariants() []string {
	if p.Vectors == nil {
		return nil
	}
	return p.Vectors.Variants()
}

func (p *Pipeline) saveVectors(touched map[string]bool) error {
	var errs []error
	for v := range touched {
		if err := p.Vectors.Save(v); err != nil {
			errs = append(errs, fmt.Errorf("save %s index: %w", v, err))
		}
	}
	return errors.Join(errs...)
}
