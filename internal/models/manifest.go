package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Stage names one irreversible processing step of the pipeline.
type Stage string

const (
	StageScraped      Stage = "scraped"
	StageDeduplicated Stage = "deduplicated"
	StageChunked      Stage = "chunked"
	// StageEmbedded without a variant addresses every embedding variant at once
	// (reset only). Per-variant stages are built with EmbeddedStage.
	StageEmbedded Stage = "embedded"
)

const embeddedPrefix = "embedded_"

// EmbeddedStage returns the per-variant embedding stage, e.g. "embedded_small".
func EmbeddedStage(variant string) Stage {
	return Stage(embeddedPrefix + variant)
}

// Variant returns the embedding variant of an embedded_<variant> stage.
func (s Stage) Variant() (string, bool) {
	if strings.HasPrefix(string(s), embeddedPrefix) && len(s) > len(embeddedPrefix) {
		return string(s)[len(embeddedPrefix):], true
	}
	return "", false
}

// Order returns the position of the stage in the pipeline (0 = scraped).
func (s Stage) Order() int {
	switch s {
	case StageScraped:
		return 0
	case StageDeduplicated:
		return 1
	case StageChunked:
		return 2
	case StageEmbedded:
		return 3
	}
	if _, ok := s.Variant(); ok {
		return 3
	}
	return -1
}

// Prerequisite returns the stage that must be complete before s may run.
func (s Stage) Prerequisite() (Stage, bool) {
	switch s.Order() {
	case 1:
		return StageScraped, true
	case 2:
		return StageDeduplicated, true
	case 3:
		return StageChunked, true
	}
	return "", false
}

// ParseStage validates a stage name.
func ParseStage(name string) (Stage, error) {
	s := Stage(strings.TrimSpace(name))
	if s.Order() < 0 {
		return "", fmt.Errorf("unknown stage: %q", name)
	}
	return s, nil
}

// ManifestEntry is the resumability record of one document. Stage flags only
// advance during ordinary runs; an explicit reset is the only way back.
type ManifestEntry struct {
	Document

	Scraped      bool            `json:"scraped"`
	Deduplicated bool            `json:"deduplicated"`
	Chunked      bool            `json:"chunked"`
	Embedded     map[string]bool `json:"-"` // serialised as embedded_<variant> flags
	Excluded     bool            `json:"excluded,omitempty"`

	ChunkLocation string       `json:"chunk_location,omitempty"`
	ChunkParams   *ChunkParams `json:"chunk_params,omitempty"`
	NumChunks     int          `json:"num_chunks,omitempty"`

	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorStage   Stage         `json:"error_stage,omitempty"`
	Failures     map[Stage]int `json:"failures,omitempty"`
	NeedsReview  bool          `json:"needs_review,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
}

// Done reports whether stage is complete for the entry.
func (e *ManifestEntry) Done(stage Stage) bool {
	switch stage {
	case StageScraped:
		return e.Scraped
	case StageDeduplicated:
		return e.Deduplicated
	case StageChunked:
		return e.Chunked
	case StageEmbedded:
		for _, v := range e.Embedded {
			if v {
				return true
			}
		}
		return false
	}
	if v, ok := stage.Variant(); ok {
		return e.Embedded[v]
	}
	return false
}

// SetDone sets the flag of stage.
func (e *ManifestEntry) SetDone(stage Stage, done bool) {
	switch stage {
	case StageScraped:
		e.Scraped = done
	case StageDeduplicated:
		e.Deduplicated = done
	case StageChunked:
		e.Chunked = done
	case StageEmbedded:
		if !done {
			e.Embedded = nil
		}
	default:
		if v, ok := stage.Variant(); ok {
			if e.Embedded == nil {
				e.Embedded = make(map[string]bool)
			}
			if done {
				e.Embedded[v] = true
			} else {
				delete(e.Embedded, v)
			}
		}
	}
}

// MarshalJSON writes each completed variant as a top-level
// "embedded_<variant>": true flag next to the other stage flags.
func (e ManifestEntry) MarshalJSON() ([]byte, error) {
	type plain ManifestEntry
	b, err := json.Marshal(plain(e))
	if err != nil {
		return nil, err
	}
	variants := e.Variants()
	if len(variants) == 0 {
		return b, nil
	}
	var buf bytes.Buffer
	buf.Write(b[:len(b)-1])
	for _, v := range variants {
		key, err := json.Marshal(string(EmbeddedStage(v)))
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteString(":true")
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the embedded_<variant> flags written by MarshalJSON.
func (e *ManifestEntry) UnmarshalJSON(data []byte) error {
	type plain ManifestEntry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for k, raw := range fields {
		v, ok := Stage(k).Variant()
		if !ok {
			continue
		}
		var done bool
		if err := json.Unmarshal(raw, &done); err != nil {
			return fmt.Errorf("manifest flag %s: %w", k, err)
		}
		if !done {
			continue
		}
		if p.Embedded == nil {
			p.Embedded = make(map[string]bool)
		}
		p.Embedded[v] = true
	}
	*e = ManifestEntry(p)
	return nil
}

// IsDuplicate reports whether the entry was collapsed into another document.
func (e *ManifestEntry) IsDuplicate() bool {
	return e.RedirectTo != ""
}

// Variants returns the embedding variants completed for the entry, sorted.
func (e *ManifestEntry) Variants() []string {
	out := make([]string, 0, len(e.Embedded))
	for v, ok := range e.Embedded {
		if ok {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// DeriveStatus computes the coarse status from the flags.
func (e *ManifestEntry) DeriveStatus() Status {
	switch {
	case e.RedirectTo != "":
		return StatusDuplicateRemoved
	case e.ErrorMessage != "":
		return StatusError
	case e.Excluded && !e.Chunked:
		return StatusExcluded
	case e.Done(StageEmbedded):
		return StatusEmbedded
	case e.Chunked:
		return StatusReadyForEmbedding
	case e.Deduplicated:
		return StatusReadyForChunking
	}
	return StatusPending
}

// Clone returns a deep copy of the entry.
func (e *ManifestEntry) Clone() *ManifestEntry {
	c := *e
	if e.Embedded != nil {
		c.Embedded = make(map[string]bool, len(e.Embedded))
		for k, v := range e.Embedded {
			c.Embedded[k] = v
		}
	}
	if e.Failures != nil {
		c.Failures = make(map[Stage]int, len(e.Failures))
		for k, v := range e.Failures {
			c.Failures[k] = v
		}
	}
	if e.ChunkParams != nil {
		p := *e.ChunkParams
		c.ChunkParams = &p
	}
	return &c
}
