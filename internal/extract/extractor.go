// Package extract provides page-aware text extraction from council document formats.
package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/councildocs/internal/models"
)

// ErrNoText is returned when a document parses but yields no text. An empty
// extraction is an error, never a zero-length document.
var ErrNoText = errors.New("no extractable text")

// ErrUnsupported is returned for formats the extractor cannot read.
var ErrUnsupported = errors.New("unsupported document format")

// Extractor extracts pages of plain text from document files.
type Extractor struct {
	maxBytes int64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxBytes rejects files larger than n bytes (0 = unlimited).
func WithMaxBytes(n int64) Option {
	return func(e *Extractor) { e.maxBytes = n }
}

// NewExtractor returns a new Extractor.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract reads the file at path and returns its pages.
// PDFs yield one page per PDF page, spreadsheets one page per sheet, and
// everything else a single unpaginated page (Number 0).
func (e *Extractor) Extract(path string) ([]models.Page, error) {
	if e.maxBytes > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat file: %w", err)
		}
		if info.Size() > e.maxBytes {
			return nil, fmt.Errorf("file %s is %d bytes, limit %d", path, info.Size(), e.maxBytes)
		}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	return e.ExtractBytes(content, ext)
}

// ExtractBytes extracts pages from content based on the given extension.
// ext should include the leading dot (e.g. ".pdf").
func (e *Extractor) ExtractBytes(content []byte, ext string) ([]models.Page, error) {
	var (
		pages []models.Page
		err   error
	)
	switch ext {
	case ".pdf":
		pages, err = extractPDF(content)
	case ".docx":
		pages, err = extractDOCX(content)
	case ".xlsx":
		pages, err = extractExcel(content)
	case ".txt", ".md", ".html", ".htm", ".csv", "":
		pages = []models.Page{{Text: extractPlain(content)}}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
	if err != nil {
		return nil, err
	}
	if !HasText(pages) {
		return nil, ErrNoText
	}
	return pages, nil
}

// HasText reports whether any page contains non-whitespace text.
func HasText(pages []models.Page) bool {
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}

// JoinPages concatenates page texts with blank lines between them.
func JoinPages(pages []models.Page) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\n\n")
}
