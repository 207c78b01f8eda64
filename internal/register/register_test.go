package register

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hyperjump/councildocs/internal/models"
)

func openTemp(t *testing.T) (*Register, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "document_ids.jsonl")
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	return r, path
}

func TestAssign_stableAcrossRestarts(t *testing.T) {
	r, path := openTemp(t)
	d := &models.Descriptor{Path: "planning/2024-03-05/agenda.pdf", Title: "Agenda"}
	id1, created, err := r.Assign(d)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first assignment should create")
	}
	if !strings.HasPrefix(id1, "doc_") || len(id1) != len("doc_")+12 {
		t.Errorf("unexpected id format: %q", id1)
	}
	id2, created, err := r.Assign(d)
	if err != nil {
		t.Fatal(err)
	}
	if created || id2 != id1 {
		t.Errorf("second assign: got %q created=%v, want %q", id2, created, id1)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	r2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	d.Title = "Agenda (revised)"
	d.MeetingDate = "2024-03-06"
	id3, created, err := r2.Assign(d)
	if err != nil {
		t.Fatal(err)
	}
	if created || id3 != id1 {
		t.Errorf("after restart with changed metadata: got %q created=%v, want %q", id3, created, id1)
	}
	if r2.Len() != 1 {
		t.Errorf("Len = %d", r2.Len())
	}
}

func TestAssign_pathPreferredOverURL(t *testing.T) {
	r, _ := openTemp(t)
	defer r.Close()
	withPath, _, err := r.Assign(&models.Descriptor{Path: "a/report.pdf", URL: "https://council.example/report.pdf"})
	if err != nil {
		t.Fatal(err)
	}
	viaPath, _, err := r.Assign(&models.Descriptor{Path: "./a//report.pdf"})
	if err != nil {
		t.Fatal(err)
	}
	if withPath != viaPath {
		t.Errorf("normalized paths should share an id: %q vs %q", withPath, viaPath)
	}
}

func TestAssign_invalidKeys(t *testing.T) {
	r, _ := openTemp(t)
	defer r.Close()
	bad := []*models.Descriptor{
		{},
		{Path: "   "},
		{URL: "ftp://council.example/a.pdf"},
		{URL: "https:///no-host.pdf"},
		{Path: "../outside.pdf"},
		{Path: "bad\x00name.pdf"},
	}
	for _, d := range bad {
		if _, _, err := r.Assign(d); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Assign(%+v): want ErrInvalidKey, got %v", d, err)
		}
	}
	if r.Len() != 0 {
		t.Errorf("invalid keys must not be registered, Len = %d", r.Len())
	}
}

func TestAssign_collisionExtendsID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "document_ids.jsonl")
	taken := DeriveID("minutes.pdf", 12)
	line := fmt.Sprintf("{\"key\":\"someone-else.pdf\",\"doc_id\":%q}\n", taken)
	if err := os.WriteFile(path, []byte(line), 0644); err != nil {
		t.Fatal(err)
	}
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	id, _, err := r.Assign(&models.Descriptor{Path: "minutes.pdf"})
	if err != nil {
		t.Fatal(err)
	}
	if id == taken {
		t.Fatal("colliding id must not be reused")
	}
	if id != DeriveID("minutes.pdf", 16) {
		t.Errorf("got %q, want extended id %q", id, DeriveID("minutes.pdf", 16))
	}
	if !strings.HasPrefix(id, taken) {
		t.Errorf("extended id should keep the original prefix: %q", id)
	}
	if key, ok := r.Key(taken); !ok || key != "someone-else.pdf" {
		t.Errorf("original holder changed: %q %v", key, ok)
	}
}

func TestOpen_rejectsSharedID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "document_ids.jsonl")
	content := "{\"key\":\"a\",\"doc_id\":\"doc_1\"}\n{\"key\":\"b\",\"doc_id\":\"doc_1\"}\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Error("expected error for two keys sharing an id")
	}
}

func TestLookup(t *testing.T) {
	r, _ := openTemp(t)
	defer r.Close()
	id, _, err := r.Assign(&models.Descriptor{URL: "HTTPS://Council.Example/docs/Agenda Pack.pdf"})
	if err != nil {
		t.Fatal(err)
	}
	got, ok := r.Lookup("https://council.example/docs/Agenda%20Pack.pdf")
	if !ok || got != id {
		t.Errorf("Lookup = %q, %v; want %q", got, ok, id)
	}
	if _, ok := r.Lookup("https://council.example/other.pdf"); ok {
		t.Error("unknown key should not be found")
	}
	if !r.Has(id) {
		t.Error("Has should report registered id")
	}
}

func TestAssign_concurrent(t *testing.T) {
	r, _ := openTemp(t)
	defer r.Close()
	var wg sync.WaitGroup
	ids := make([]string, 32)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := r.Assign(&models.Descriptor{Path: fmt.Sprintf("doc-%d.pdf", i%4)})
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()
	if r.Len() != 4 {
		t.Errorf("Len = %d, want 4", r.Len())
	}
	for i := range ids {
		if ids[i] != ids[i%4] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], ids[i%4])
		}
	}
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a/b/../c.pdf", "a/c.pdf"},
		{"./x.pdf", "x.pdf"},
		{`dir\sub\file.pdf`, "dir/sub/file.pdf"},
		{"/abs/file.pdf", "/abs/file.pdf"},
		{"HTTP://Host.Example/A B.pdf#page=2", "http://host.example/A%20B.pdf"},
	}
	for _, tt := range tests {
		got, err := NormalizeKey(tt.in)
		if err != nil {
			t.Errorf("NormalizeKey(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
