package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/councildocs/internal/models"
	"github.com/hyperjump/councildocs/internal/pipeline"
)

const testConfig = `storage:
  data_dir: ./data
embedding:
  provider: mock
  default_variant: small
  variants:
    small:
      model: mock-small
      dimensions: 16
  retry:
    max_attempts: 2
    initial_interval: 1ms
pipeline:
  workers: 2
`

func words(seed string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", seed, i)
	}
	return strings.Join(parts, " ") + "."
}

// workspace writes a config and a feed file and returns their paths.
func workspace(t *testing.T) (cfgPath, feedPath string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(testConfig), 0600); err != nil {
		t.Fatal(err)
	}
	alpha, beta := words("alpha", 150), words("beta", 150)
	lines := []string{
		mustJSON(t, models.Descriptor{URL: "https://council.example/planning/minutes.pdf", Committee: "Planning", MeetingDate: "2024-03-12", Text: alpha}),
		mustJSON(t, models.Descriptor{URL: "https://council.example/planning/minutes_copy.pdf", Committee: "Planning", Text: alpha}),
		mustJSON(t, models.Descriptor{URL: "https://council.example/cabinet/agenda.pdf", Committee: "Cabinet", Text: beta}),
		`{"url": broken`,
	}
	feedPath = filepath.Join(dir, "feed.jsonl")
	if err := os.WriteFile(feedPath, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, feedPath
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("councildocs %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestCLI_endToEnd(t *testing.T) {
	cfg, feedFile := workspace(t)

	out := mustExecute(t, "--config", cfg, "ingest", feedFile)
	if !strings.Contains(out, "3 descriptors, new=3 rejected=0 malformed=1") {
		t.Errorf("ingest output: %q", out)
	}
	// Re-delivery keeps doc_ids.
	out = mustExecute(t, "--config", cfg, "ingest", feedFile)
	if !strings.Contains(out, "new=0") {
		t.Errorf("second ingest output: %q", out)
	}

	out = mustExecute(t, "--config", cfg, "-o", "json", "run")
	var reports []pipeline.Report
	if err := json.Unmarshal([]byte(out), &reports); err != nil {
		t.Fatalf("run output is not JSON: %v\n%s", err, out)
	}
	if len(reports) != 4 {
		t.Fatalf("expected dedup, neardup, chunk and one embed report, got %d", len(reports))
	}
	if reports[0].Duplicates != 1 {
		t.Errorf("dedup duplicates: got %d, want 1", reports[0].Duplicates)
	}
	if reports[2].Processed != 2 || reports[3].Processed != 2 {
		t.Errorf("chunk/embed processed: got %d/%d, want 2/2", reports[2].Processed, reports[3].Processed)
	}

	id := strings.TrimSpace(mustExecute(t, "--config", cfg, "lookup", "https://council.example/cabinet/agenda.pdf"))
	if id == "" {
		t.Fatal("lookup returned no doc_id")
	}
	out = mustExecute(t, "--config", cfg, "show", id, "--chunks")
	if !strings.Contains(out, "Status:   embedded") || !strings.Contains(out, "beta0") {
		t.Errorf("show output: %q", out)
	}

	mustExecute(t, "--config", cfg, "verify")

	out = mustExecute(t, "--config", cfg, "-o", "json", "search", "beta1", "beta2", "beta3")
	var resp models.SearchResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("search output is not JSON: %v\n%s", err, out)
	}
	if resp.Query != "beta1 beta2 beta3" || len(resp.Results) == 0 {
		t.Errorf("search response: %+v", resp)
	}
	for _, r := range resp.Results {
		if r.Document != nil && r.Document.RedirectTo != "" {
			t.Errorf("duplicate %s ranked", r.DocID)
		}
	}

	out = mustExecute(t, "--config", cfg, "reset", "--from", "chunked", id)
	if !strings.Contains(out, "Reset 1 documents from chunked") {
		t.Errorf("reset output: %q", out)
	}
	out = mustExecute(t, "--config", cfg, "show", id)
	if !strings.Contains(out, "Status:   ready_for_chunking") {
		t.Errorf("after reset: %q", out)
	}

	out = mustExecute(t, "--config", cfg, "-o", "json", "status")
	var st struct {
		Total      int `json:"total"`
		Registered int `json:"registered"`
	}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, out)
	}
	if st.Total != 3 || st.Registered != 3 {
		t.Errorf("status: got %+v", st)
	}
}

func TestCLI_errors(t *testing.T) {
	cfg, _ := workspace(t)

	if _, err := execute(t, "--config", cfg, "-o", "yaml", "status"); err == nil {
		t.Error("unknown output format should fail")
	}
	if _, err := execute(t, "--config", cfg, "reset"); err == nil {
		t.Error("reset without doc_ids or --all should fail")
	}
	if _, err := execute(t, "--config", cfg, "lookup", "https://council.example/none.pdf"); err == nil {
		t.Error("lookup of an unregistered key should fail")
	}
	if _, err := execute(t, "--config", cfg, "show", "nope"); err == nil {
		t.Error("show of an unknown doc_id should fail")
	}
	if _, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "status"); err == nil {
		t.Error("missing config should fail")
	}
}

func TestBuildSearchQuery(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{"single word", []string{"allotments"}, "allotments"},
		{"multiple words", []string{"riverside", "allotments"}, "riverside allotments"},
		{"single quoted phrase", []string{"riverside allotments"}, "riverside allotments"},
		{"empty args", []string{}, ""},
		{"blank args", []string{"  ", "  "}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildSearchQuery(tt.args); got != tt.expected {
				t.Errorf("buildSearchQuery(%v) = %q, want %q", tt.args, got, tt.expected)
			}
		})
	}
}

func TestLoadConfig_defaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(wd) }()

	cfg, path, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if path != "" {
		t.Errorf("path: got %q, want defaults", path)
	}
	if want := filepath.Join(dir, "data"); cfg.Storage.DataDir != want {
		t.Errorf("data dir: got %q, want %q", cfg.Storage.DataDir, want)
	}
}
