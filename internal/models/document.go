// Package models defines core data structures for council documents, chunks, manifest entries, and retrieval results.
package models

import (
	"path"
	"strings"
)

// Status is the coarse processing status of a document, derived from its manifest flags.
type Status string

const (
	StatusPending           Status = "pending"
	StatusReadyForChunking  Status = "ready_for_chunking"
	StatusReadyForEmbedding Status = "ready_for_embedding"
	StatusEmbedded          Status = "embedded"
	StatusDuplicateRemoved  Status = "duplicate_removed"
	StatusExcluded          Status = "excluded"
	StatusError             Status = "error"
)

// Document is one source artifact (usually a PDF) observed in a scrape.
// Documents are never physically deleted; exact duplicates are marked
// StatusDuplicateRemoved and point at their survivor through RedirectTo.
type Document struct {
	ID              string `json:"doc_id"`
	Source          string `json:"source"`
	URL             string `json:"url,omitempty"`
	Path            string `json:"path,omitempty"`
	Title           string `json:"title,omitempty"`
	Filename        string `json:"filename,omitempty"`
	Committee       string `json:"committee,omitempty"`
	MeetingDate     string `json:"meeting_date,omitempty"`
	Category        string `json:"category,omitempty"`
	ContentHash     string `json:"content_hash,omitempty"`
	Status          Status `json:"status"`
	RedirectTo      string `json:"redirect_to,omitempty"`
	NearDuplicateOf string `json:"near_duplicate_of,omitempty"`
	NumPages        int    `json:"num_pages,omitempty"`
}

// Descriptor is one raw record delivered by the scraper feed.
// The same descriptor may be delivered many times.
type Descriptor struct {
	URL         string `json:"url,omitempty"`
	Path        string `json:"path,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Title       string `json:"title,omitempty"`
	Committee   string `json:"committee,omitempty"`
	MeetingDate string `json:"meeting_date,omitempty"`
	Category    string `json:"document_category,omitempty"`
	Text        string `json:"text,omitempty"`
}

// Key returns the stable identifying key of the descriptor: the local path when
// present, otherwise the source URL.
func (d *Descriptor) Key() string {
	if p := strings.TrimSpace(d.Path); p != "" {
		return p
	}
	return strings.TrimSpace(d.URL)
}

// DisplayName returns the filename, falling back to the last element of the key.
func (d *Descriptor) DisplayName() string {
	if d.Filename != "" {
		return d.Filename
	}
	key := strings.TrimRight(strings.ReplaceAll(d.Key(), "\\", "/"), "/")
	if i := strings.IndexAny(key, "?#"); i >= 0 && strings.Contains(key, "://") {
		key = key[:i]
	}
	return path.Base(key)
}

// Page is the extracted text of one page. Number is 1-based; 0 means the
// source is not paginated.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}
