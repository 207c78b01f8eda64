package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hyperjump/councildocs/internal/jsonl"
	"github.com/hyperjump/councildocs/internal/models"
)

const (
	chunkExt  = ".jsonl"
	stagedExt = ".jsonl.staged"
)

// DiskChunkStore keeps one JSONL file per document. The staged list is a
// sibling file that Commit renames over the committed one.
type DiskChunkStore struct {
	dir string
}

// NewDiskChunkStore creates dir if needed.
func NewDiskChunkStore(dir string) (*DiskChunkStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}
	return &DiskChunkStore{dir: dir}, nil
}

func (s *DiskChunkStore) committedPath(docID string) string {
	return filepath.Join(s.dir, docID+chunkExt)
}

func (s *DiskChunkStore) stagedPath(docID string) string {
	return filepath.Join(s.dir, docID+stagedExt)
}

// Stage writes chunks to the staged file atomically.
func (s *DiskChunkStore) Stage(ctx context.Context, docID string, chunks []models.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := jsonl.WriteFile(s.stagedPath(docID), func(emit func(v any) error) error {
		for i := range chunks {
			if err := emit(&chunks[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("stage chunks for %s: %w", docID, err)
	}
	return nil
}

// Commit renames the staged file over the committed one.
func (s *DiskChunkStore) Commit(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(s.stagedPath(docID), s.committedPath(docID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("commit chunks for %s: nothing staged: %w", docID, ErrNotFound)
		}
		return fmt.Errorf("commit chunks for %s: %w", docID, err)
	}
	return nil
}

// Chunks reads the committed file.
func (s *DiskChunkStore) Chunks(ctx context.Context, docID string) ([]models.Chunk, error) {
	path := s.committedPath(docID)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("chunks for %s: %w", docID, ErrNotFound)
		}
		return nil, err
	}
	var out []models.Chunk
	err := jsonl.Scan(path, jsonl.Decode(func(c models.Chunk) error {
		out = append(out, c)
		return ctx.Err()
	}))
	if err != nil {
		return nil, fmt.Errorf("read chunks for %s: %w", docID, err)
	}
	return out, nil
}

// HasStaged reports whether a staged file exists.
func (s *DiskChunkStore) HasStaged(_ context.Context, docID string) (bool, error) {
	_, err := os.Stat(s.stagedPath(docID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Committed lists documents with a committed file.
func (s *DiskChunkStore) Committed(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list chunk directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, chunkExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, chunkExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes both files; missing files are ignored.
func (s *DiskChunkStore) Delete(_ context.Context, docID string) error {
	for _, p := range []string{s.stagedPath(docID), s.committedPath(docID)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete chunks for %s: %w", docID, err)
		}
	}
	return nil
}

// Location returns the committed file path relative to the data dir.
func (s *DiskChunkStore) Location(docID string) string {
	return filepath.ToSlash(filepath.Join(filepath.Base(s.dir), docID+chunkExt))
}

// Close is a no-op.
func (s *DiskChunkStore) Close() error {
	return nil
}
