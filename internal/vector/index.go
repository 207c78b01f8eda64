// Package vector provides the persisted vector index searched by the
// retrieval pass.
package vector

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/councildocs/pkg/utils"
)

// Index stores chunk vectors keyed by chunk id ("<doc_id>#<chunk_index>").
type Index interface {
	// Add inserts vectors, replacing any existing vector with the same id.
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	// Search returns the k nearest vectors, best first. Result scores follow
	// the index metric: distances for cosine and l2, similarity for ip.
	Search(ctx context.Context, query []float32, k int) ([]Result, error)
	Remove(ctx context.Context, ids []string) error
	// RemoveByPrefix removes every id starting with prefix and returns the count.
	RemoveByPrefix(ctx context.Context, prefix string) (int, error)
	Save(path string) error
	Load(path string) error
	Size() int
	Dimensions() int
	Metric() Metric
	Close() error
}

// Result is a single vector search hit.
type Result struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Metric selects how vectors are compared.
type Metric string

const (
	// MetricCosine scores by cosine distance, 1 - cos(a, b).
	MetricCosine Metric = "cosine"
	// MetricL2 scores by Euclidean distance.
	MetricL2 Metric = "l2"
	// MetricInnerProduct scores by raw inner product (a similarity).
	MetricInnerProduct Metric = "ip"
)

// ParseMetric validates a metric name; empty means cosine.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case MetricCosine, MetricL2, MetricInnerProduct:
		return m, nil
	case "":
		return MetricCosine, nil
	}
	return "", fmt.Errorf("unknown vector metric %q (supported: cosine, l2, ip)", s)
}

// HigherIsBetter reports whether larger scores are closer matches.
func (m Metric) HigherIsBetter() bool {
	return m == MetricInnerProduct
}

// Score compares a stored vector with a query. For cosine both must already
// be unit length.
func (m Metric) Score(query, vec []float32) float64 {
	switch m {
	case MetricL2:
		return utils.EuclideanDistance(query, vec)
	case MetricInnerProduct:
		return utils.Dot(query, vec)
	}
	return 1 - utils.Dot(query, vec)
}

// better reports whether score a ranks ahead of b.
func (m Metric) better(a, b float64) bool {
	if m.HigherIsBetter() {
		return a > b
	}
	return a < b
}
