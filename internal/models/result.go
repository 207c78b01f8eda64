package models

// Hit is one chunk-level nearest-neighbor result. Score is either a distance
// or a similarity depending on the pass that produced it; the aggregator
// normalizes it before use.
type Hit struct {
	DocID      string  `json:"doc_id"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
}

// RankedDocument is one document in an aggregated ranking.
type RankedDocument struct {
	DocID         string    `json:"doc_id"`
	HitCount      int       `json:"hit_count"`
	AvgSimilarity float64   `json:"avg_similarity"`
	MaxSimilarity float64   `json:"max_similarity"`
	Score         float64   `json:"score"`
	Rank          int       `json:"rank"`
	Chunks        []int     `json:"chunks,omitempty"`
	Document      *Document `json:"document,omitempty"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Query     string            `json:"query"`
	Variant   string            `json:"variant,omitempty"`
	Results   []*RankedDocument `json:"results"`
	Total     int               `json:"total"`
	ChunkHits int               `json:"chunk_hits"`
	QueryTime int64             `json:"query_time_ms"`
}
