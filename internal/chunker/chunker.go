// Package chunker splits cleaned document text into bounded, overlapping,
// sentence-aligned chunks.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"unicode/utf8"

	"github.com/hyperjump/councildocs/internal/models"
	"github.com/hyperjump/councildocs/pkg/utils"
)

// sentenceEnd matches terminal punctuation, optional closing quotes or
// brackets, then the whitespace that separates it from the next sentence.
var sentenceEnd = regexp.MustCompile(`[.!?]["')\]]*(\s+)`)

// Params are the chunking parameters. Size is measured in characters (runes).
type Params struct {
	Size           int
	OverlapPercent int
}

// Validate checks that p can make forward progress.
func (p Params) Validate() error {
	if p.Size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", p.Size)
	}
	if p.OverlapPercent < 0 || p.OverlapPercent >= 100 {
		return fmt.Errorf("overlap percent must be in [0, 100), got %d", p.OverlapPercent)
	}
	return nil
}

// Model returns the parameters in the form recorded on manifest entries.
func (p Params) Model() *models.ChunkParams {
	return &models.ChunkParams{Size: p.Size, OverlapPercent: p.OverlapPercent}
}

// Chunker splits text into chunks.
type Chunker struct {
	params Params
	strip  []*regexp.Regexp
}

// Option configures a Chunker.
type Option func(*Chunker) error

// WithStripPatterns removes boilerplate matching any of patterns before
// whitespace is collapsed.
func WithStripPatterns(patterns ...string) Option {
	return func(c *Chunker) error {
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("invalid strip pattern %q: %w", p, err)
			}
			c.strip = append(c.strip, re)
		}
		return nil
	}
}

// New returns a Chunker for p.
func New(p Params, opts ...Option) (*Chunker, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	c := &Chunker{params: p}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Params returns the chunking parameters.
func (c *Chunker) Params() Params {
	return c.params
}

// Clean strips boilerplate and collapses whitespace. Chunk offsets index into
// the cleaned text.
func (c *Chunker) Clean(text string) string {
	for _, re := range c.strip {
		text = re.ReplaceAllString(text, " ")
	}
	return utils.CollapseSpace(text)
}

// Span is a byte range [Start, End) of cleaned text.
type Span struct{ Start, End int }

// SplitSentences returns the byte spans of the sentences of cleaned text.
// Separating whitespace belongs to no sentence.
func SplitSentences(text string) []Span {
	var spans []Span
	start := 0
	for _, m := range sentenceEnd.FindAllStringSubmatchIndex(text, -1) {
		spans = append(spans, Span{start, m[2]})
		start = m[3]
	}
	if start < len(text) {
		spans = append(spans, Span{start, len(text)})
	}
	return spans
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// Chunk cleans text and splits it into chunks with page number 0.
func (c *Chunker) Chunk(docID, text string) ([]models.Chunk, string) {
	return c.ChunkPages(docID, []models.Page{{Text: text}})
}

// ChunkPages chunks each page separately so no chunk spans a page boundary.
// Cleaned pages are joined with a single space into the document text that
// the returned offsets index; empty pages are dropped. Chunk indices run
// across the whole document.
func (c *Chunker) ChunkPages(docID string, pages []models.Page) ([]models.Chunk, string) {
	var (
		chunks []models.Chunk
		doc    []byte
	)
	for _, page := range pages {
		cleaned := c.Clean(page.Text)
		if cleaned == "" {
			continue
		}
		if len(doc) > 0 {
			doc = append(doc, ' ')
		}
		base := len(doc)
		doc = append(doc, cleaned...)
		for _, sp := range c.split(cleaned) {
			chunks = append(chunks, models.Chunk{
				DocID:      docID,
				ChunkIndex: len(chunks),
				Text:       cleaned[sp.Start:sp.End],
				CharStart:  base + sp.Start,
				CharEnd:    base + sp.End,
				PageNum:    page.Number,
			})
		}
	}
	return chunks, string(doc)
}

// split greedily packs sentences into spans of at most Size characters. A
// sentence longer than Size becomes a chunk of its own. After each chunk,
// trailing sentences worth at least the overlap are repeated at the start of
// the next one, as long as the next chunk can still take a new sentence and
// never the whole previous chunk.
func (c *Chunker) split(text string) []Span {
	sents := SplitSentences(text)
	if len(sents) == 0 {
		return nil
	}
	size := c.params.Size
	overlap := c.params.OverlapPercent * size / 100

	var out []Span
	i := 0
	for {
		j := i
		for j+1 < len(sents) && runeLen(text[sents[i].Start:sents[j+1].End]) <= size {
			j++
		}
		out = append(out, Span{sents[i].Start, sents[j].End})
		if j == len(sents)-1 {
			return out
		}

		next := sents[j+1].End
		k, acc := j+1, 0
		for k-1 > i && acc < overlap && runeLen(text[sents[k-1].Start:next]) <= size {
			k--
			acc += runeLen(text[sents[k].Start:sents[k].End])
		}
		i = k
	}
}

// Fingerprint hashes the chunk list; identical input and parameters always
// produce the same fingerprint.
func Fingerprint(chunks []models.Chunk) string {
	h := sha256.New()
	for _, ch := range chunks {
		for _, n := range []int{ch.ChunkIndex, ch.CharStart, ch.CharEnd, ch.PageNum} {
			h.Write([]byte(strconv.Itoa(n)))
			h.Write([]byte{0})
		}
		h.Write([]byte(ch.Text))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
