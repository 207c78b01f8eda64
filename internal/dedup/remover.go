package dedup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/jsonl"
)

// DeletionRecord is one line of the deletion log.
type DeletionRecord struct {
	DocID       string    `json:"doc_id"`
	Path        string    `json:"path"`
	RedirectTo  string    `json:"redirect_to"`
	ContentHash string    `json:"content_hash"`
	RemovedAt   time.Time `json:"removed_at"`
}

// Remover deletes the files of exact duplicates and records every deletion.
type Remover struct {
	log    *jsonl.Log
	logger *zap.Logger
	now    func() time.Time
}

// RemoverOption configures a Remover.
type RemoverOption func(*Remover)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) RemoverOption {
	return func(r *Remover) { r.logger = l }
}

// NewRemover opens (or creates) the deletion log at logPath.
func NewRemover(logPath string, opts ...RemoverOption) (*Remover, error) {
	log, err := jsonl.OpenLog(logPath)
	if err != nil {
		return nil, fmt.Errorf("open deletion log: %w", err)
	}
	r := &Remover{log: log, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Remove deletes the file at rec.Path and appends rec to the log. A file that
// is already gone is logged anyway so the log stays complete.
func (r *Remover) Remove(rec DeletionRecord) error {
	if rec.Path == "" {
		return nil
	}
	if err := os.Remove(rec.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove duplicate %s: %w", rec.Path, err)
	}
	if rec.RemovedAt.IsZero() {
		rec.RemovedAt = r.now().UTC()
	}
	if err := r.log.Append(rec); err != nil {
		return fmt.Errorf("append deletion log: %w", err)
	}
	if r.logger != nil {
		r.logger.Info("Removed duplicate file",
			zap.String("doc_id", rec.DocID),
			zap.String("path", rec.Path),
			zap.String("redirect_to", rec.RedirectTo))
	}
	return nil
}

// Records returns every deletion logged so far.
func (r *Remover) Records() ([]DeletionRecord, error) {
	var out []DeletionRecord
	err := jsonl.Scan(r.log.Path(), jsonl.Decode(func(rec DeletionRecord) error {
		out = append(out, rec)
		return nil
	}))
	return out, err
}

// Close closes the deletion log.
func (r *Remover) Close() error {
	return r.log.Close()
}
