package embedding

import (
	"context"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/hyperjump/councildocs/pkg/utils"
)

// MockEmbedder is a deterministic embedder for tests and offline runs. It
// feature-hashes lower-cased words into a fixed number of buckets, so texts
// sharing words get similar vectors and the same text always gets the same one.
type MockEmbedder struct {
	dimensions int
}

// NewMockEmbedder returns an embedder that produces deterministic embeddings of the given dimensions.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockEmbedder{dimensions: dimensions}
}

// Embed returns the unit-length hashed bag-of-words vector of text.
func (e *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	emb := make([]float32, e.dimensions)
	words := 0
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if w == "" {
			continue
		}
		h := xxhash.Sum64String(w)
		sign := float32(1)
		if h&1 == 1 {
			sign = -1
		}
		emb[(h>>1)%uint64(e.dimensions)] += sign
		words++
	}
	if words == 0 {
		emb[0] = 1
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// EmbedBatch calls Embed for each text.
func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimensions returns the embedding dimension.
func (e *MockEmbedder) Dimensions() int {
	return e.dimensions
}

// Model returns "mock".
func (e *MockEmbedder) Model() string {
	return ProviderMock
}

// Close is a no-op for MockEmbedder.
func (e *MockEmbedder) Close() error {
	return nil
}
