package chunker

import "strings"

// Gate decides by category whether a document is chunked at all.
type Gate struct {
	excluded map[string]struct{}
}

// NewGate returns a Gate excluding the given categories (case-insensitive).
func NewGate(excluded []string) *Gate {
	g := &Gate{excluded: make(map[string]struct{}, len(excluded))}
	for _, c := range excluded {
		g.excluded[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	return g
}

// Allows reports whether documents of category may be chunked.
func (g *Gate) Allows(category string) bool {
	_, skip := g.excluded[strings.ToLower(strings.TrimSpace(category))]
	return !skip
}

// IsLowSignal reports whether a chunk is procedural boilerplate: shorter than
// maxWords words and containing one of keywords.
func IsLowSignal(text string, maxWords int, keywords []string) bool {
	if len(strings.Fields(text)) >= maxWords {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
