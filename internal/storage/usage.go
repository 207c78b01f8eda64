package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Usage is the on-disk size of one part of the data directory.
type Usage struct {
	Name  string `json:"name"`
	Bytes int64  `json:"bytes"`
}

// DataUsage reports the size of every top-level entry of dataDir, sorted by
// name. A missing data dir reports nothing.
func DataUsage(dataDir string) ([]Usage, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Usage, 0, len(entries))
	for _, e := range entries {
		n, err := sizeOf(filepath.Join(dataDir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, Usage{Name: e.Name(), Bytes: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// sizeOf sums file sizes under path. Entries that vanish during the walk are
// skipped; a concurrent stage may be renaming files.
func sizeOf(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
