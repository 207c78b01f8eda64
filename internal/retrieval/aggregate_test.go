package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/councildocs/internal/models"
	"github.com/hyperjump/councildocs/internal/vector"
)

func TestAggregate_breadthBeatsPeak(t *testing.T) {
	ranked := Aggregate([]models.Hit{
		{DocID: "A", ChunkIndex: 0, Score: 0.9},
		{DocID: "A", ChunkIndex: 1, Score: 0.8},
		{DocID: "B", ChunkIndex: 0, Score: 0.95},
	})
	require.Len(t, ranked, 2)

	a, b := ranked[0], ranked[1]
	assert.Equal(t, "A", a.DocID)
	assert.Equal(t, 2, a.HitCount)
	assert.InDelta(t, 0.85, a.AvgSimilarity, 1e-9)
	assert.InDelta(t, 1.70, a.Score, 1e-9)
	assert.InDelta(t, 0.9, a.MaxSimilarity, 1e-9)
	assert.Equal(t, []int{0, 1}, a.Chunks)
	assert.Equal(t, 1, a.Rank)

	assert.Equal(t, "B", b.DocID)
	assert.Equal(t, 1, b.HitCount)
	assert.InDelta(t, 0.95, b.Score, 1e-9)
	assert.Equal(t, 2, b.Rank)
}

func TestAggregate_ties(t *testing.T) {
	ranked := Aggregate([]models.Hit{
		{DocID: "C", ChunkIndex: 0, Score: 0.5},
		{DocID: "C", ChunkIndex: 1, Score: 0.5},
		{DocID: "B", ChunkIndex: 0, Score: 1.0},
		{DocID: "A", ChunkIndex: 0, Score: 1.0},
	})
	require.Len(t, ranked, 3)
	// All score 1.0; higher average first, then doc_id ascending.
	assert.Equal(t, "A", ranked[0].DocID)
	assert.Equal(t, "B", ranked[1].DocID)
	assert.Equal(t, "C", ranked[2].DocID)
}

func TestAggregate_duplicateChunkKeepsBest(t *testing.T) {
	ranked := Aggregate([]models.Hit{
		{DocID: "A", ChunkIndex: 0, Score: 0.4},
		{DocID: "A", ChunkIndex: 0, Score: 0.7},
	})
	require.Len(t, ranked, 1)
	assert.Equal(t, 1, ranked[0].HitCount)
	assert.InDelta(t, 0.7, ranked[0].AvgSimilarity, 1e-9)
}

func TestAggregate_empty(t *testing.T) {
	assert.Empty(t, Aggregate(nil))
}

func TestNormalize(t *testing.T) {
	hits := []models.Hit{{DocID: "A", Score: 0.2}, {DocID: "B", Score: 0.8}}
	tests := []struct {
		name string
		conv Convention
		want []float64
	}{
		{"similarity", Similarity, []float64{0.2, 0.8}},
		{"cosine distance", CosineDistance, []float64{0.8, 0.2}},
		{"l2 distance", L2Distance, []float64{1 / 1.2, 1 / 1.8}},
		{"keyword", KeywordScore, []float64{0.25, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(hits, tt.conv)
			require.NoError(t, err)
			for i := range got {
				assert.InDelta(t, tt.want[i], got[i].Score, 1e-9)
			}
		})
	}
	assert.InDelta(t, 0.2, hits[0].Score, 1e-9, "input must not be modified")

	_, err := Normalize(hits, Convention("rank"))
	assert.Error(t, err)
}

func TestNormalize_keywordAllZero(t *testing.T) {
	got, err := Normalize([]models.Hit{{DocID: "A", Score: 0}}, KeywordScore)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got[0].Score)
}

// Distances must be converted before aggregation, or the closest chunk would rank last.
func TestRank_distancesConverted(t *testing.T) {
	ranked, err := Rank([]models.Hit{
		{DocID: "near", ChunkIndex: 0, Score: 0.05},
		{DocID: "far", ChunkIndex: 0, Score: 0.9},
	}, CosineDistance)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "near", ranked[0].DocID)
	assert.InDelta(t, 0.95, ranked[0].Score, 1e-9)
}

func TestMerge_acrossPasses(t *testing.T) {
	semantic := []models.Hit{{DocID: "A", ChunkIndex: 0, Score: 0.6}, {DocID: "A", ChunkIndex: 1, Score: 0.5}}
	kw := []models.Hit{{DocID: "A", ChunkIndex: 0, Score: 1.0}, {DocID: "B", ChunkIndex: 3, Score: 0.3}}
	merged := Merge(semantic, kw)
	require.Len(t, merged, 3)
	assert.InDelta(t, 1.0, merged[0].Score, 1e-9)
}

func TestParseConvention(t *testing.T) {
	c, err := ParseConvention("")
	require.NoError(t, err)
	assert.Equal(t, Similarity, c)
	c, err = ParseConvention("L2_Distance")
	require.NoError(t, err)
	assert.Equal(t, L2Distance, c)
	_, err = ParseConvention("bm42")
	assert.Error(t, err)
}

func TestConventionFor(t *testing.T) {
	assert.Equal(t, CosineDistance, ConventionFor(vector.MetricCosine))
	assert.Equal(t, L2Distance, ConventionFor(vector.MetricL2))
	assert.Equal(t, Similarity, ConventionFor(vector.MetricInnerProduct))
}
