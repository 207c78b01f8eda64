package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hyperjump/councildocs/internal/models"
)

// TextStore caches extracted page text per document as text/<doc_id>.json so
// later stages never re-extract.
type TextStore struct {
	dir string
}

type textRecord struct {
	DocID string        `json:"doc_id"`
	Pages []models.Page `json:"pages"`
}

// NewTextStore creates dir if needed.
func NewTextStore(dir string) (*TextStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create text directory: %w", err)
	}
	return &TextStore{dir: dir}, nil
}

func (s *TextStore) path(docID string) string {
	return filepath.Join(s.dir, docID+".json")
}

// Put stores the pages of docID, replacing earlier text atomically.
func (s *TextStore) Put(docID string, pages []models.Page) error {
	data, err := json.Marshal(textRecord{DocID: docID, Pages: pages})
	if err != nil {
		return fmt.Errorf("marshal text for %s: %w", docID, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+docID+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path(docID)); err != nil {
		return fmt.Errorf("store text for %s: %w", docID, err)
	}
	return nil
}

// Get returns the stored pages of docID.
func (s *TextStore) Get(docID string) ([]models.Page, error) {
	data, err := os.ReadFile(s.path(docID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("text for %s: %w", docID, ErrNotFound)
		}
		return nil, err
	}
	var rec textRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode text for %s: %w", docID, err)
	}
	return rec.Pages, nil
}

// Has reports whether text is stored for docID.
func (s *TextStore) Has(docID string) bool {
	_, err := os.Stat(s.path(docID))
	return err == nil
}

// Delete removes the stored text; a missing file is not an error.
func (s *TextStore) Delete(docID string) error {
	if err := os.Remove(s.path(docID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
