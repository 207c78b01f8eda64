// Package cli provides output helpers for the councildocs commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hyperjump/councildocs/internal/manifest"
	"github.com/hyperjump/councildocs/internal/models"
	"github.com/hyperjump/councildocs/internal/pipeline"
	"github.com/hyperjump/councildocs/internal/storage"
	"github.com/hyperjump/councildocs/pkg/utils"
)

// OutputFormat is the format of command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat validates an --output value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (supported: text, json)", s)
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes ranked documents to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d documents from %d chunk hits in %dms\n\n", response.Total, response.ChunkHits, response.QueryTime)
	WriteRanked(w, response.Results)
	return nil
}

// WriteRanked writes one block per ranked document.
func WriteRanked(w io.Writer, ranked []*models.RankedDocument) {
	for _, r := range ranked {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Score: %.4f (hits: %d, avg: %.4f, max: %.4f)\n",
			r.Rank, r.Score, r.HitCount, r.AvgSimilarity, r.MaxSimilarity)
		fmt.Fprintf(w, "ID: %s\n", r.DocID)
		if d := r.Document; d != nil {
			if d.Title != "" {
				fmt.Fprintf(w, "Title: %s\n", d.Title)
			} else if d.Filename != "" {
				fmt.Fprintf(w, "File: %s\n", d.Filename)
			}
			if d.Committee != "" || d.MeetingDate != "" {
				fmt.Fprintf(w, "Meeting: %s %s\n", d.Committee, d.MeetingDate)
			}
			if d.NearDuplicateOf != "" {
				fmt.Fprintf(w, "Near duplicate of: %s\n", d.NearDuplicateOf)
			}
		}
		if len(r.Chunks) > 0 {
			fmt.Fprintf(w, "Chunks: %s\n", joinInts(r.Chunks))
		}
		fmt.Fprintln(w)
	}
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ", ")
}

// StatusReport is what the status command prints.
type StatusReport struct {
	*manifest.Stats
	Registered int             `json:"registered"`
	Usage      []storage.Usage `json:"disk_usage,omitempty"`
}

// WriteStatus writes per-stage counts, status counts and disk usage.
func WriteStatus(w io.Writer, st *StatusReport, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, st)
	}
	fmt.Fprintf(w, "Documents: %d (registered keys: %d)\n\n", st.Total, st.Registered)
	fmt.Fprintf(w, "%-20s %9s %9s %9s %9s %9s\n", "STAGE", "COMPLETE", "PENDING", "ERROR", "REVIEW", "SKIPPED")
	for _, stage := range st.StageOrder() {
		c := st.Stages[stage]
		fmt.Fprintf(w, "%-20s %9d %9d %9d %9d %9d\n", stage, c.Complete, c.Pending, c.Errored, c.Review, c.Skipped)
	}
	if len(st.ByStatus) > 0 {
		statuses := make([]string, 0, len(st.ByStatus))
		for s := range st.ByStatus {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		fmt.Fprintf(w, "\n%-20s %9s\n", "STATUS", "COUNT")
		for _, s := range statuses {
			fmt.Fprintf(w, "%-20s %9d\n", s, st.ByStatus[models.Status(s)])
		}
	}
	if len(st.Usage) > 0 {
		var total int64
		fmt.Fprintf(w, "\n%-20s %9s\n", "DATA", "SIZE")
		for _, u := range st.Usage {
			fmt.Fprintf(w, "%-20s %9s\n", u.Name, FormatBytes(u.Bytes))
			total += u.Bytes
		}
		fmt.Fprintf(w, "%-20s %9s\n", "total", FormatBytes(total))
	}
	return nil
}

// WriteReports writes one line per stage run, plus the failed documents.
func WriteReports(w io.Writer, reports []*pipeline.Report, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, reports)
	}
	for _, r := range reports {
		fmt.Fprintf(w, "%-20s processed=%d skipped=%d failed=%d review=%d", r.Stage, r.Processed, r.Skipped, r.Failed, r.Review)
		if r.Duplicates > 0 {
			fmt.Fprintf(w, " duplicates=%d", r.Duplicates)
		}
		if r.Clusters > 0 {
			fmt.Fprintf(w, " clusters=%d", r.Clusters)
		}
		fmt.Fprintf(w, " (%s)\n", r.Duration.Round(1e6))
		for _, id := range r.DocIDs() {
			fmt.Fprintf(w, "  %s: %s\n", id, utils.Truncate(r.Errors[id], 160))
		}
	}
	return nil
}

// WriteIntegrity writes the result of verify or repair.
func WriteIntegrity(w io.Writer, checked int, violations []pipeline.Violation, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, &pipeline.IntegrityReport{Checked: checked, Violations: violations})
	}
	fmt.Fprintf(w, "Checked %d documents: %d violation(s)\n", checked, len(violations))
	for _, v := range violations {
		fmt.Fprintf(w, "  %-24s %s\n", v.Kind, v.DocID)
	}
	return nil
}

// WriteEntry writes one manifest entry.
func WriteEntry(w io.Writer, e *models.ManifestEntry, format OutputFormat) error {
	e.Status = e.DeriveStatus()
	if format == OutputJSON {
		return WriteJSON(w, e)
	}
	fmt.Fprintf(w, "ID:       %s\n", e.ID)
	fmt.Fprintf(w, "Source:   %s\n", e.Source)
	fmt.Fprintf(w, "Status:   %s\n", e.Status)
	if e.Title != "" {
		fmt.Fprintf(w, "Title:    %s\n", e.Title)
	}
	if e.Committee != "" || e.MeetingDate != "" {
		fmt.Fprintf(w, "Meeting:  %s %s\n", e.Committee, e.MeetingDate)
	}
	if e.RedirectTo != "" {
		fmt.Fprintf(w, "Redirect: %s\n", e.RedirectTo)
	}
	if e.NearDuplicateOf != "" {
		fmt.Fprintf(w, "Near dup: %s\n", e.NearDuplicateOf)
	}
	if e.NumChunks > 0 {
		fmt.Fprintf(w, "Chunks:   %d\n", e.NumChunks)
	}
	if v := e.Variants(); len(v) > 0 {
		fmt.Fprintf(w, "Embedded: %s\n", strings.Join(v, ", "))
	}
	if e.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:    [%s] %s\n", e.ErrorStage, e.ErrorMessage)
	}
	return nil
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
