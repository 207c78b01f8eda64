// Package dedup collapses documents whose extracted text is identical.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/hyperjump/councildocs/pkg/utils"
)

// ContentHash returns the SHA-256 hex digest of text after whitespace is
// collapsed and letters are lower-cased, so re-encoded copies of the same
// document hash equal.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(utils.CollapseSpace(text))))
	return hex.EncodeToString(sum[:])
}

// Candidate is one document taking part in exact deduplication.
type Candidate struct {
	DocID       string
	Source      string
	Filename    string
	ContentHash string
	// Incumbent marks a document that survived a previous run. It keeps
	// winning so survivors never flip between runs.
	Incumbent bool
}

// Result is the outcome of deduplicating one set of candidates.
type Result struct {
	// Survivors lists the surviving doc_id of every hash group, sorted.
	Survivors []string
	// Redirects maps each duplicate doc_id to its survivor.
	Redirects map[string]string
	// Groups maps content hash to the doc_ids sharing it, survivor first.
	Groups map[string][]string
}

// IsDuplicate reports whether docID was collapsed into another document.
func (r *Result) IsDuplicate(docID string) bool {
	_, ok := r.Redirects[docID]
	return ok
}

// disambiguatingSuffix matches the copy markers download tools and
// operating systems append to a file stem: "_1", "-2", " (3)", "copy", "_copy_2".
var disambiguatingSuffix = regexp.MustCompile(`(?i)(?:[_\-]\d{1,2}|\s*\(\d{1,3}\)|[_\- ]copy(?:[_\- ]?\d{1,2})?)$`)

// HasDisambiguatingSuffix reports whether the file stem ends in a copy marker.
func HasDisambiguatingSuffix(filename string) bool {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	stem := strings.TrimSuffix(base, path.Ext(base))
	return disambiguatingSuffix.MatchString(stem)
}

// less orders candidates within a hash group; the first one survives.
func less(a, b *Candidate) bool {
	if a.Incumbent != b.Incumbent {
		return a.Incumbent
	}
	as, bs := HasDisambiguatingSuffix(a.Filename), HasDisambiguatingSuffix(b.Filename)
	if as != bs {
		return !as
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.DocID < b.DocID
}

// Deduplicate groups candidates by content hash and picks one survivor per
// group. Candidates without a hash are ignored. The result does not depend on
// the order of candidates.
func Deduplicate(candidates []Candidate) *Result {
	groups := make(map[string][]*Candidate)
	for i := range candidates {
		c := &candidates[i]
		if c.ContentHash == "" {
			continue
		}
		groups[c.ContentHash] = append(groups[c.ContentHash], c)
	}

	res := &Result{
		Redirects: make(map[string]string),
		Groups:    make(map[string][]string, len(groups)),
	}
	for hash, members := range groups {
		sort.Slice(members, func(i, j int) bool { return less(members[i], members[j]) })
		survivor := members[0].DocID
		res.Survivors = append(res.Survivors, survivor)
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.DocID)
			if m.DocID != survivor {
				res.Redirects[m.DocID] = survivor
			}
		}
		res.Groups[hash] = ids
	}
	sort.Strings(res.Survivors)
	return res
}
