// Package retrieval turns chunk-level index hits into a document-level ranking.
package retrieval

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/hyperjump/councildocs/internal/models"
	"github.com/hyperjump/councildocs/internal/vector"
)

// Convention says how the Score of a hit is expressed.
type Convention string

const (
	// Similarity scores are already larger-is-better.
	Similarity Convention = "similarity"
	// CosineDistance scores d convert to 1 - d.
	CosineDistance Convention = "cosine_distance"
	// L2Distance scores d convert to 1 / (1 + d).
	L2Distance Convention = "l2_distance"
	// KeywordScore scores are divided by the largest score of the pass.
	KeywordScore Convention = "keyword"
)

// ParseConvention validates a convention name. Empty means Similarity.
func ParseConvention(s string) (Convention, error) {
	switch c := Convention(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return Similarity, nil
	case Similarity, CosineDistance, L2Distance, KeywordScore:
		return c, nil
	}
	return "", fmt.Errorf("unknown score convention %q (supported: similarity, cosine_distance, l2_distance, keyword)", s)
}

// ConventionFor returns the convention of scores produced by a vector index with metric m.
func ConventionFor(m vector.Metric) Convention {
	switch m {
	case vector.MetricL2:
		return L2Distance
	case vector.MetricInnerProduct:
		return Similarity
	}
	return CosineDistance
}

// Normalize converts the scores of one retrieval pass to similarities. It must
// run once per pass, before hits of different passes are merged.
func Normalize(hits []models.Hit, conv Convention) ([]models.Hit, error) {
	out := make([]models.Hit, len(hits))
	copy(out, hits)
	switch conv {
	case Similarity, "":
	case CosineDistance:
		for i := range out {
			out[i].Score = 1 - out[i].Score
		}
	case L2Distance:
		for i := range out {
			out[i].Score = 1 / (1 + math.Max(out[i].Score, 0))
		}
	case KeywordScore:
		maxScore := 0.0
		for _, h := range out {
			maxScore = math.Max(maxScore, h.Score)
		}
		for i := range out {
			if maxScore > 0 {
				out[i].Score /= maxScore
			} else {
				out[i].Score = 0
			}
		}
	default:
		return nil, fmt.Errorf("unknown score convention %q", conv)
	}
	return out, nil
}

type chunkKey struct {
	docID string
	index int
}

// Merge combines normalized passes. A chunk hit by several passes keeps its best similarity.
func Merge(passes ...[]models.Hit) []models.Hit {
	best := make(map[chunkKey]int)
	var out []models.Hit
	for _, pass := range passes {
		for _, h := range pass {
			k := chunkKey{h.DocID, h.ChunkIndex}
			if i, ok := best[k]; ok {
				if h.Score > out[i].Score {
					out[i].Score = h.Score
				}
				continue
			}
			best[k] = len(out)
			out = append(out, h)
		}
	}
	return out
}

// Aggregate groups similarity hits by document. hit_count is the number of
// distinct chunks of the document in the hit set, score is hit_count times the
// mean similarity. Ties are broken by mean similarity, then doc_id.
func Aggregate(hits []models.Hit) []*models.RankedDocument {
	hits = Merge(hits)
	byDoc := make(map[string]*models.RankedDocument)
	sums := make(map[string]float64)
	for _, h := range hits {
		if h.DocID == "" {
			continue
		}
		r, ok := byDoc[h.DocID]
		if !ok {
			r = &models.RankedDocument{DocID: h.DocID, MaxSimilarity: h.Score}
			byDoc[h.DocID] = r
		}
		r.HitCount++
		r.Chunks = append(r.Chunks, h.ChunkIndex)
		sums[h.DocID] += h.Score
		if h.Score > r.MaxSimilarity {
			r.MaxSimilarity = h.Score
		}
	}

	out := make([]*models.RankedDocument, 0, len(byDoc))
	for id, r := range byDoc {
		r.AvgSimilarity = sums[id] / float64(r.HitCount)
		r.Score = float64(r.HitCount) * r.AvgSimilarity
		sort.Ints(r.Chunks)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.AvgSimilarity != b.AvgSimilarity {
			return a.AvgSimilarity > b.AvgSimilarity
		}
		return a.DocID < b.DocID
	})
	for i, r := range out {
		r.Rank = i + 1
	}
	return out
}

// Rank normalizes one pass and aggregates it.
func Rank(hits []models.Hit, conv Convention) ([]*models.RankedDocument, error) {
	norm, err := Normalize(hits, conv)
	if err != nil {
		return nil, err
	}
	return Aggregate(norm), nil
}
