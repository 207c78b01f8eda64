package vector

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// IndexSet holds one index per embedding variant, persisted as
// <dir>/<variant>.idx and loaded on first use. Saves are serialised.
type IndexSet struct {
	dir     string
	metric  Metric
	dims    map[string]int
	mu      sync.Mutex
	indexes map[string]*MemoryIndex
}

// NewIndexSet returns a set for the given variant dimensions.
func NewIndexSet(dir string, metric Metric, dims map[string]int) (*IndexSet, error) {
	m, err := ParseMetric(string(metric))
	if err != nil {
		return nil, err
	}
	return &IndexSet{dir: dir, metric: m, dims: dims, indexes: make(map[string]*MemoryIndex)}, nil
}

// Path returns the index file of variant.
func (s *IndexSet) Path(variant string) string {
	return filepath.Join(s.dir, variant+".idx")
}

// Get returns the index of variant, loading it from disk the first time.
func (s *IndexSet) Get(variant string) (*MemoryIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.indexes[variant]; ok {
		return idx, nil
	}
	dims, ok := s.dims[variant]
	if !ok {
		return nil, fmt.Errorf("unknown embedding variant %q", variant)
	}
	idx, err := NewMemoryIndex(dims, s.metric)
	if err != nil {
		return nil, err
	}
	if err := idx.Load(s.Path(variant)); err != nil {
		return nil, fmt.Errorf("load %s index: %w", variant, err)
	}
	s.indexes[variant] = idx
	return idx, nil
}

// Save persists the index of variant if it has been opened.
func (s *IndexSet) Save(variant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[variant]
	if !ok {
		return nil
	}
	return idx.Save(s.Path(variant))
}

// Variants returns the configured variants, sorted.
func (s *IndexSet) Variants() []string {
	out := make([]string, 0, len(s.dims))
	for v := range s.dims {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Metric returns the metric shared by all indexes.
func (s *IndexSet) Metric() Metric {
	return s.metric
}

// Close releases every opened index without saving.
func (s *IndexSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, idx := range s.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.indexes = make(map[string]*MemoryIndex)
	return firstErr
}
