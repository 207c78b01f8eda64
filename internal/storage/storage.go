// Package storage persists extracted text and chunks.
//
// Chunks are written in two phases. Stage writes a document's new chunk list
// where readers cannot see it; Commit makes it the document's committed list
// in one atomic step. The pipeline commits only after the manifest records
// chunked=true, so a committed chunk list never exists for a document the
// manifest shows as unchunked, except transiently in a crash window that
// verify and repair detect.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hyperjump/councildocs/internal/models"
)

// ErrNotFound is returned when a document has no stored data of the requested kind.
var ErrNotFound = errors.New("not found")

// ChunkStore persists per-document chunk lists.
type ChunkStore interface {
	// Stage replaces the staged chunk list of docID.
	Stage(ctx context.Context, docID string, chunks []models.Chunk) error
	// Commit promotes the staged list to committed, replacing any previous
	// committed list. Returns ErrNotFound when nothing is staged.
	Commit(ctx context.Context, docID string) error
	// Chunks returns the committed chunks of docID ordered by index.
	Chunks(ctx context.Context, docID string) ([]models.Chunk, error)
	// HasStaged reports whether docID has an uncommitted staged list.
	HasStaged(ctx context.Context, docID string) (bool, error)
	// Committed lists the doc_ids that have committed chunks, sorted.
	Committed(ctx context.Context) ([]string, error)
	// Delete removes staged and committed chunks of docID.
	Delete(ctx context.Context, docID string) error
	// Location describes where the chunks of docID live, for the manifest.
	Location(docID string) string
	Close() error
}

// Backends.
const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// NewChunkStore opens the chunk store for backend under dataDir.
func NewChunkStore(backend, dataDir string) (ChunkStore, error) {
	switch backend {
	case BackendJSONL, "":
		return NewDiskChunkStore(filepath.Join(dataDir, "chunks"))
	case BackendSQLite:
		return NewSQLiteChunkStore(filepath.Join(dataDir, "chunks.db"))
	}
	return nil, fmt.Errorf("unknown chunk backend: %q", backend)
}
