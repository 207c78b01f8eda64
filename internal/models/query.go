package models

import (
	"fmt"
	"time"
)

// SearchQuery represents a document search request with optional filters.
type SearchQuery struct {
	Query           string `json:"query"`
	Variant         string `json:"variant,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	TopK            int    `json:"top_k,omitempty"`             // chunk hits requested from each index
	KeywordEnabled  bool   `json:"keyword_enabled,omitempty"`   // run the full-text pass
	SemanticEnabled bool   `json:"semantic_enabled,omitempty"`  // run the vector pass
	CollapseNearDup *bool  `json:"collapse_near_dup,omitempty"` // keep only the best member of a near-duplicate cluster
	Committee       string `json:"committee,omitempty"`
	Category        string `json:"category,omitempty"`
	DateFrom        string `json:"date_from,omitempty"` // YYYY-MM-DD, inclusive
	DateTo          string `json:"date_to,omitempty"`   // YYYY-MM-DD, inclusive
}

// Validate ensures the search query has valid fields and sets defaults.
// Returns an error if the query is empty or a date bound is malformed.
func (q *SearchQuery) Validate(defaultLimit, maxLimit int) error {
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if maxLimit > 0 && q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if !q.KeywordEnabled && !q.SemanticEnabled {
		q.SemanticEnabled = true
	}
	for _, d := range []string{q.DateFrom, q.DateTo} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("invalid date %q: want YYYY-MM-DD", d)
		}
	}
	if q.DateFrom != "" && q.DateTo != "" && q.DateFrom > q.DateTo {
		return fmt.Errorf("date_from %s is after date_to %s", q.DateFrom, q.DateTo)
	}
	return nil
}

// Matches reports whether the document passes the query's metadata filters.
func (q *SearchQuery) Matches(doc *Document) bool {
	if q.Committee != "" && doc.Committee != q.Committee {
		return false
	}
	if q.Category != "" && doc.Category != q.Category {
		return false
	}
	if q.DateFrom != "" || q.DateTo != "" {
		if doc.MeetingDate == "" {
			return false
		}
		if q.DateFrom != "" && doc.MeetingDate < q.DateFrom {
			return false
		}
		if q.DateTo != "" && doc.MeetingDate > q.DateTo {
			return false
		}
	}
	return true
}
