package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Chunk is one bounded text segment of a document. CharStart and CharEnd are
// byte offsets into the cleaned document text, so Text == cleaned[CharStart:CharEnd].
type Chunk struct {
	DocID      string `json:"doc_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	CharStart  int    `json:"char_start"`
	CharEnd    int    `json:"char_end"`
	PageNum    int    `json:"page_num,omitempty"`
}

// ID returns the index key of the chunk, "<doc_id>#<chunk_index>".
func (c *Chunk) ID() string {
	return ChunkID(c.DocID, c.ChunkIndex)
}

// ChunkID builds the index key of a chunk.
func ChunkID(docID string, index int) string {
	return fmt.Sprintf("%s#%d", docID, index)
}

// ChunkIDPrefix returns the prefix shared by every chunk key of docID.
func ChunkIDPrefix(docID string) string {
	return docID + "#"
}

// ParseChunkID splits an index key back into doc_id and chunk_index.
func ParseChunkID(id string) (string, int, error) {
	i := strings.LastIndexByte(id, '#')
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("invalid chunk id: %q", id)
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("invalid chunk index in %q", id)
	}
	return id[:i], n, nil
}

// ChunkParams records the chunking configuration a document was chunked with.
type ChunkParams struct {
	Size           int `json:"size"`
	OverlapPercent int `json:"overlap_percent"`
}
