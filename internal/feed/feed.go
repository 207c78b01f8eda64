// Package feed reads scraper descriptors from line-delimited JSON and
// normalizes their metadata (category tags, meeting dates).
package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hyperjump/councildocs/internal/jsonl"
	"github.com/hyperjump/councildocs/internal/models"
)

// CategoryPublicPack tags the combined "public pack" PDFs that repeat the
// content of the individual agenda items.
const CategoryPublicPack = "public_pack"

// Batch is the result of reading one feed file.
type Batch struct {
	Descriptors []models.Descriptor
	// Rejected holds lines that were not valid descriptors.
	Rejected []*jsonl.LineError
}

// ReadFile reads all descriptors from the feed file at path.
func ReadFile(path string) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open feed: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read reads descriptors from r, one JSON object per line. Malformed lines
// are collected in Batch.Rejected rather than failing the whole read.
func Read(r io.Reader) (*Batch, error) {
	b := &Batch{}
	line := 0
	err := jsonl.ScanReader(r, func(data []byte) error {
		line++
		var d models.Descriptor
		if err := json.Unmarshal(data, &d); err != nil {
			b.Rejected = append(b.Rejected, &jsonl.LineError{Line: line, Err: err})
			return nil
		}
		Normalize(&d)
		b.Descriptors = append(b.Descriptors, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	return b, nil
}

// Normalize trims fields, fills the filename, tags public packs and
// infers a category from the title when none was supplied.
func Normalize(d *models.Descriptor) {
	d.URL = strings.TrimSpace(d.URL)
	d.Path = strings.TrimSpace(d.Path)
	d.Title = strings.Join(strings.Fields(d.Title), " ")
	d.Committee = strings.Join(strings.Fields(d.Committee), " ")
	d.Category = strings.ToLower(strings.TrimSpace(d.Category))
	if d.Filename == "" && d.Key() != "" {
		d.Filename = d.DisplayName()
	}
	if IsPublicPack(d.Title, d.Filename) {
		d.Category = CategoryPublicPack
	}
	if d.Category == "" {
		d.Category = InferCategory(d.Title + " " + d.Filename)
	}
	if date, ok := NormalizeDate(d.MeetingDate); ok {
		d.MeetingDate = date
	}
}

// IsPublicPack reports whether the title or filename names a public pack.
func IsPublicPack(title, filename string) bool {
	for _, s := range []string{title, filename} {
		s = strings.ToLower(s)
		if strings.Contains(s, "public") && strings.Contains(s, "pack") {
			return true
		}
	}
	return false
}

var categoryKeywords = []struct {
	keyword  string
	category string
}{
	{"cover sheet", "cover_sheet"},
	{"front sheet", "cover_sheet"},
	{"minutes", "minutes"},
	{"agenda", "agenda"},
	{"appendix", "appendix"},
	{"annex", "appendix"},
	{"report", "report"},
	{"decision", "decision"},
	{"supplement", "supplementary"},
}

// InferCategory guesses a category from free text; "other" when nothing matches.
func InferCategory(text string) string {
	text = strings.ToLower(strings.NewReplacer("_", " ", "-", " ").Replace(text))
	for _, kc := range categoryKeywords {
		if strings.Contains(text, kc.keyword) {
			return kc.category
		}
	}
	return "other"
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"02/01/2006",
	"2 January 2006",
	"Monday, 2 January 2006",
	"Monday 2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
}

// NormalizeDate converts a meeting date in one of the layouts council sites
// use into YYYY-MM-DD. Day/month order is the UK convention.
func NormalizeDate(s string) (string, bool) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}
