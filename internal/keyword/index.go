// Package keyword provides the full-text (BM25) chunk index used by the keyword search pass.
package keyword

import (
	"context"

	"github.com/hyperjump/councildocs/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// PhraseBoost multiplies the score of chunks where the query appears as a phrase.
	// Values > 1 boost adjacent query terms (e.g. 1.5). Use 1.0 for no boost.
	PhraseBoost float64
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum Levenshtein edit distance for fuzzy matching (1 or 2).
	// Default is 2 when FuzzyEnabled is true.
	Fuzziness int
}

// Index defines keyword index operations over chunks. Chunks are keyed by
// "<doc_id>#<chunk_index>" so re-indexing a document replaces its entries.
type Index interface {
	IndexChunks(ctx context.Context, chunks []models.Chunk) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error)
	// DeleteDocument removes every chunk of docID and returns how many were removed.
	DeleteDocument(ctx context.Context, docID string) (int, error)
	// DocCount returns the number of indexed chunks.
	DocCount() (uint64, error)
	Close() error
}

// Result is a single keyword hit. Score is the raw BM25 relevance; higher is better.
type Result struct {
	ID         string
	DocID      string
	ChunkIndex int
	Score      float64
}

// Hit converts the result to a chunk-level hit.
func (r *Result) Hit() models.Hit {
	return models.Hit{DocID: r.DocID, ChunkIndex: r.ChunkIndex, Score: r.Score}
}
