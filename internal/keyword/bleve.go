package keyword

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/hyperjump/councildocs/internal/models"
)

// chunkDoc is the stored form of a chunk. Bleve reads field names from the json tags.
type chunkDoc struct {
	DocID      string `json:"doc_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
}

// BleveIndex implements Index using Bleve.
type BleveIndex struct {
	index bleve.Index
}

var _ Index = (*BleveIndex)(nil)

func buildMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so committee names
	// and planning references match exactly.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("text", textFieldMapping)
	docMapping.AddFieldMappingsAt("doc_id", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("chunk_index", bleve.NewNumericFieldMapping())
	im.AddDocumentMapping("chunk", docMapping)
	im.DefaultType = "chunk"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. The existing index is
// reused so incremental embed runs only add new chunks. An empty path creates
// an in-memory index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := buildMapping()

	if path == "" {
		index, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// IndexChunks indexes chunks in one batch.
func (b *BleveIndex) IndexChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := b.index.NewBatch()
	for i := range chunks {
		c := &chunks[i]
		doc := chunkDoc{DocID: c.DocID, ChunkIndex: c.ChunkIndex, Text: c.Text}
		if err := batch.Index(c.ID(), doc); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", c.ID(), err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}
	return nil
}

// Search runs a match query over chunk text and returns up to limit results.
// With opts.PhraseBoost > 1 a phrase query is OR-ed in so adjacent terms score higher.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}
	phraseBoost := 1.0
	fuzzyEnabled := false
	fuzziness := 2
	if opts != nil {
		if opts.PhraseBoost > 0 {
			phraseBoost = opts.PhraseBoost
		}
		fuzzyEnabled = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
	}

	var q blevequery.Query
	if fuzzyEnabled {
		q = buildFuzzyQuery(query, fuzziness)
	} else {
		mq := bleve.NewMatchQuery(query)
		mq.SetField("text")
		q = mq
	}
	if phraseBoost > 1.0 && len(tokenizeQuery(query)) > 1 {
		pq := bleve.NewMatchPhraseQuery(query)
		pq.SetField("text")
		pq.SetBoost(phraseBoost)
		q = bleve.NewDisjunctionQuery(q, pq)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*Result, 0, len(results.Hits))
	for _, hit := range results.Hits {
		docID, idx, err := models.ParseChunkID(hit.ID)
		if err != nil {
			continue
		}
		out = append(out, &Result{ID: hit.ID, DocID: docID, ChunkIndex: idx, Score: hit.Score})
	}
	return out, nil
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// buildFuzzyQuery creates a disjunction of FuzzyQueries, one per query term.
func buildFuzzyQuery(queryStr string, fuzziness int) blevequery.Query {
	terms := tokenizeQuery(queryStr)
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField("text")
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// DeleteDocument removes every chunk indexed under docID.
func (b *BleveIndex) DeleteDocument(ctx context.Context, docID string) (int, error) {
	tq := bleve.NewTermQuery(docID)
	tq.SetField("doc_id")

	countReq := bleve.NewSearchRequest(tq)
	countReq.Size = 0
	counted, err := b.index.SearchInContext(ctx, countReq)
	if err != nil {
		return 0, fmt.Errorf("Bleve search failed: %w", err)
	}
	if counted.Total == 0 {
		return 0, nil
	}

	req := bleve.NewSearchRequest(tq)
	req.Size = int(counted.Total)
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("Bleve search failed: %w", err)
	}
	batch := b.index.NewBatch()
	for _, hit := range results.Hits {
		batch.Delete(hit.ID)
	}
	if err := b.index.Batch(batch); err != nil {
		return 0, fmt.Errorf("failed to delete chunks of %s: %w", docID, err)
	}
	return len(results.Hits), nil
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// DocCount returns the total number of chunks in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}
