// Package manifest tracks the per-document stage flags of the pipeline in a
// durable append-only log. Every mutation is persisted before it returns, so
// a crash loses at most the document in flight.
package manifest

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/jsonl"
	"github.com/hyperjump/councildocs/internal/models"
)

var (
	// ErrNotFound is returned for unknown doc_ids.
	ErrNotFound = errors.New("manifest entry not found")
	// ErrPrerequisite is returned when the previous stage is not complete.
	ErrPrerequisite = errors.New("prerequisite stage not complete")
	// ErrAlreadyComplete is returned when the stage flag is already set.
	ErrAlreadyComplete = errors.New("stage already complete")
	// ErrNeedsReview is returned for entries that exceeded the failure cap.
	ErrNeedsReview = errors.New("entry needs manual review")
	// ErrDuplicate is returned when a stage after deduplication is started
	// for an exact duplicate.
	ErrDuplicate = errors.New("entry is an exact duplicate")
)

// DefaultMaxFailures is the failure cap per stage before an entry is surfaced
// for review.
const DefaultMaxFailures = 3

// Manifest is the store of manifest entries keyed by doc_id.
type Manifest struct {
	mu          sync.Mutex
	entries     map[string]*models.ManifestEntry
	log         *jsonl.Log
	maxFailures int
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Manifest.
type Option func(*Manifest)

// WithMaxFailures sets the per-stage failure cap.
func WithMaxFailures(n int) Option {
	return func(m *Manifest) {
		if n > 0 {
			m.maxFailures = n
		}
	}
}

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manifest) { m.logger = l }
}

// WithClock overrides the time source used for last_updated.
func WithClock(now func() time.Time) Option {
	return func(m *Manifest) { m.now = now }
}

// Open loads the manifest log at path, creating it if needed. When a doc_id
// appears on several lines the last one wins.
func Open(path string, opts ...Option) (*Manifest, error) {
	m := &Manifest{
		entries:     make(map[string]*models.ManifestEntry),
		maxFailures: DefaultMaxFailures,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	lines := 0
	err := jsonl.Scan(path, jsonl.Decode(func(e models.ManifestEntry) error {
		if e.ID == "" {
			return fmt.Errorf("manifest record without doc_id")
		}
		lines++
		entry := e
		m.entries[e.ID] = &entry
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	log, err := jsonl.OpenLog(path)
	if err != nil {
		return nil, err
	}
	m.log = log
	if m.logger != nil {
		m.logger.Debug("manifest loaded",
			zap.String("path", path),
			zap.Int("entries", len(m.entries)),
			zap.Int("lines", lines))
	}
	return m, nil
}

// persistLocked derives the status, stamps the entry, appends it to the log
// and only then publishes it in memory.
func (m *Manifest) persistLocked(e *models.ManifestEntry) error {
	e.Status = e.DeriveStatus()
	e.LastUpdated = m.now().UTC()
	if err := m.log.Append(e); err != nil {
		return fmt.Errorf("persist manifest entry %s: %w", e.ID, err)
	}
	m.entries[e.ID] = e
	return nil
}

// Get returns a copy of the entry for id.
func (m *Manifest) Get(id string) (*models.ManifestEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Upsert creates the entry for doc.ID or refreshes its descriptive metadata.
// Processing state (hash, flags, redirects) is never touched, except that a
// category exclusion is lifted when the category changes on a document not
// yet chunked. Nothing is
// written when the metadata is unchanged, so re-delivered descriptors do not
// grow the log.
func (m *Manifest) Upsert(doc models.Document) (*models.ManifestEntry, error) {
	if doc.ID == "" {
		return nil, fmt.Errorf("upsert: empty doc_id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.entries[doc.ID]
	var e *models.ManifestEntry
	if ok {
		e = cur.Clone()
	} else {
		e = &models.ManifestEntry{Document: models.Document{ID: doc.ID}}
	}
	before := e.Document
	mergeMetadata(&e.Document, doc)
	if ok && e.Document == before {
		return e, nil
	}
	// The category gate runs again for the corrected category.
	if e.Excluded && !e.Chunked && e.Category != before.Category {
		e.Excluded = false
	}
	if err := m.persistLocked(e); err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

func mergeMetadata(dst *models.Document, src models.Document) {
	set := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	set(&dst.Source, src.Source)
	set(&dst.URL, src.URL)
	set(&dst.Path, src.Path)
	set(&dst.Title, src.Title)
	set(&dst.Filename, src.Filename)
	set(&dst.Committee, src.Committee)
	set(&dst.MeetingDate, src.MeetingDate)
	set(&dst.Category, src.Category)
}

// Update applies fn to a copy of the entry and persists the result. If fn or
// the write fails the stored entry is unchanged.
func (m *Manifest) Update(id string, fn func(e *models.ManifestEntry) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e := cur.Clone()
	if err := fn(e); err != nil {
		return err
	}
	return m.persistLocked(e)
}

func (m *Manifest) checkLocked(id string, stage models.Stage) (*models.ManifestEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.NeedsReview {
		return nil, fmt.Errorf("%w: %s", ErrNeedsReview, id)
	}
	if e.Done(stage) {
		return nil, fmt.Errorf("%w: %s %s", ErrAlreadyComplete, id, stage)
	}
	if pre, ok := stage.Prerequisite(); ok && !e.Done(pre) {
		return nil, fmt.Errorf("%w: %s needs %s before %s", ErrPrerequisite, id, pre, stage)
	}
	if stage.Order() > models.StageDeduplicated.Order() && e.IsDuplicate() {
		return nil, fmt.Errorf("%w: %s redirects to %s", ErrDuplicate, id, e.RedirectTo)
	}
	return e, nil
}

// Begin checks that stage may run for id: the prerequisite is complete, the
// stage itself is not, and the entry is not held for review.
func (m *Manifest) Begin(id string, stage models.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.checkLocked(id, stage)
	return err
}

// Complete sets the stage flag and persists the entry immediately. fn, when
// non-nil, records stage outputs on the same line. An error left by an
// earlier attempt at this stage is cleared.
func (m *Manifest) Complete(id string, stage models.Stage, fn func(e *models.ManifestEntry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.checkLocked(id, stage)
	if err != nil {
		return err
	}
	e := cur.Clone()
	if fn != nil {
		fn(e)
	}
	e.SetDone(stage, true)
	if e.ErrorStage == stage {
		e.ErrorMessage, e.ErrorStage = "", ""
	}
	delete(e.Failures, stage)
	if err := m.persistLocked(e); err != nil {
		return err
	}
	if m.logger != nil {
		m.logger.Debug("stage complete", zap.String("doc_id", id), zap.String("stage", string(stage)))
	}
	return nil
}

// Fail records a failed attempt at stage. The flag stays false so the next
// run retries; once the stage has failed maxFailures times the entry is
// flagged for review and skipped until reset. review reports that transition.
func (m *Manifest) Fail(id string, stage models.Stage, cause error) (review bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e := cur.Clone()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	e.ErrorMessage = msg
	e.ErrorStage = stage
	if e.Failures == nil {
		e.Failures = make(map[models.Stage]int)
	}
	e.Failures[stage]++
	if e.Failures[stage] >= m.maxFailures && !e.NeedsReview {
		e.NeedsReview = true
		review = true
	}
	if err := m.persistLocked(e); err != nil {
		return false, err
	}
	if m.logger != nil {
		m.logger.Debug("stage failed",
			zap.String("doc_id", id),
			zap.String("stage", string(stage)),
			zap.Int("failures", e.Failures[stage]),
			zap.Bool("needs_review", e.NeedsReview),
			zap.String("error", msg))
	}
	return review, nil
}

// covers reports whether resetting from `from` resets stage s. A per-variant
// embedded stage covers only itself.
func covers(from, s models.Stage) bool {
	if _, ok := from.Variant(); ok {
		return s == from
	}
	return s.Order() >= from.Order()
}

// ResetOption adjusts what Reset clears.
type ResetOption func(*resetOptions)

type resetOptions struct {
	keepRedirect bool
}

// KeepRedirect keeps the entry's redirect_to through the reset. Used for
// duplicates whose file was removed, so the next dedup run can still place
// them behind their survivor.
func KeepRedirect() ResetOption {
	return func(o *resetOptions) { o.keepRedirect = true }
}

// Reset clears the flags of from and every later stage for id, together with
// the outputs recorded by those stages and any error or review state they
// left. Resetting from scraped is a full reset.
func (m *Manifest) Reset(id string, from models.Stage, opts ...ResetOption) error {
	if from.Order() < 0 {
		return fmt.Errorf("reset: unknown stage %q", from)
	}
	var o resetOptions
	for _, opt := range opts {
		opt(&o)
	}
	return m.Update(id, func(e *models.ManifestEntry) error {
		redirect := e.RedirectTo
		resetEntry(e, from)
		if o.keepRedirect {
			e.RedirectTo = redirect
		}
		return nil
	})
}

func resetEntry(e *models.ManifestEntry, from models.Stage) {
	if covers(from, models.StageScraped) {
		e.Scraped = false
		e.NumPages = 0
	}
	if covers(from, models.StageDeduplicated) {
		e.Deduplicated = false
		e.ContentHash = ""
		e.RedirectTo = ""
		e.NearDuplicateOf = ""
	}
	if covers(from, models.StageChunked) {
		e.Chunked = false
		e.Excluded = false
		e.ChunkLocation = ""
		e.ChunkParams = nil
		e.NumChunks = 0
	}
	if v, ok := from.Variant(); ok {
		e.SetDone(models.EmbeddedStage(v), false)
	} else if covers(from, models.StageEmbedded) {
		e.SetDone(models.StageEmbedded, false)
	}
	if e.ErrorStage != "" && covers(from, e.ErrorStage) {
		e.ErrorMessage, e.ErrorStage = "", ""
		e.NeedsReview = false
	}
	for s := range e.Failures {
		if covers(from, s) {
			delete(e.Failures, s)
		}
	}
	if len(e.Failures) == 0 {
		e.Failures = nil
	}
}

// ResetErrors clears error, failure and review state on every entry, leaving
// stage flags alone. It returns the number of entries changed.
func (m *Manifest) ResetErrors() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.sortedIDsLocked() {
		cur := m.entries[id]
		if cur.ErrorMessage == "" && !cur.NeedsReview && len(cur.Failures) == 0 {
			continue
		}
		e := cur.Clone()
		e.ErrorMessage, e.ErrorStage = "", ""
		e.NeedsReview = false
		e.Failures = nil
		if err := m.persistLocked(e); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *Manifest) sortedIDsLocked() []string {
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns copies of all entries sorted by doc_id.
func (m *Manifest) List() []*models.ManifestEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ManifestEntry, 0, len(m.entries))
	for _, id := range m.sortedIDsLocked() {
		out = append(out, m.entries[id].Clone())
	}
	return out
}

// Eligible returns the entries stage may run for, sorted by doc_id: the
// prerequisite is done, the stage is not, the entry is not held for review,
// and for stages after deduplication it is neither a duplicate nor excluded
// by the category gate.
func (m *Manifest) Eligible(stage models.Stage) []*models.ManifestEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ManifestEntry
	for _, id := range m.sortedIDsLocked() {
		e := m.entries[id]
		if _, err := m.checkLocked(id, stage); err != nil {
			continue
		}
		if stage.Order() >= models.StageChunked.Order() && e.Excluded {
			continue
		}
		out = append(out, e.Clone())
	}
	return out
}

// Compact rewrites the log with one line per entry.
func (m *Manifest) Compact() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.sortedIDsLocked()
	err := m.log.Replace(func(emit func(v any) error) error {
		for _, id := range ids {
			if err := emit(m.entries[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("compact manifest: %w", err)
	}
	return nil
}

// Close closes the underlying log.
func (m *Manifest) Close() error {
	return m.log.Close()
}
