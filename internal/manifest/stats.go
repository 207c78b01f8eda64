package manifest

import (
	"sort"

	"github.com/hyperjump/councildocs/internal/models"
)

// StageStats counts entries per state for one stage. Entries the stage does
// not apply to (duplicates, excluded documents) are counted as Skipped.
type StageStats struct {
	Complete int `json:"complete"`
	Pending  int `json:"pending"`
	Errored  int `json:"errored"`
	Review   int `json:"review"`
	Skipped  int `json:"skipped"`
}

// Stats summarises the manifest.
type Stats struct {
	Total    int                         `json:"total"`
	ByStatus map[models.Status]int       `json:"by_status"`
	Stages   map[models.Stage]StageStats `json:"stages"`
}

// StageOrder returns the stages of s in pipeline order.
func (s *Stats) StageOrder() []models.Stage {
	out := make([]models.Stage, 0, len(s.Stages))
	for st := range s.Stages {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order() != out[j].Order() {
			return out[i].Order() < out[j].Order()
		}
		return out[i] < out[j]
	})
	return out
}

// Stats counts entries by status and by stage state. Embedded stages are
// reported for every variant in variants and every variant seen on an entry.
func (m *Manifest) Stats(variants ...string) *Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stages := []models.Stage{models.StageScraped, models.StageDeduplicated, models.StageChunked}
	seen := make(map[string]bool)
	addVariant := func(v string) {
		if !seen[v] {
			seen[v] = true
			stages = append(stages, models.EmbeddedStage(v))
		}
	}
	for _, v := range variants {
		addVariant(v)
	}
	for _, e := range m.entries {
		for v := range e.Embedded {
			addVariant(v)
		}
	}

	st := &Stats{
		Total:    len(m.entries),
		ByStatus: make(map[models.Status]int),
		Stages:   make(map[models.Stage]StageStats, len(stages)),
	}
	for _, e := range m.entries {
		st.ByStatus[e.DeriveStatus()]++
		for _, stage := range stages {
			c := st.Stages[stage]
			switch {
			case e.Done(stage):
				c.Complete++
			case stage.Order() > models.StageDeduplicated.Order() && e.IsDuplicate(),
				stage.Order() >= models.StageChunked.Order() && e.Excluded:
				c.Skipped++
			case e.ErrorStage == stage && e.NeedsReview:
				c.Review++
			case e.ErrorStage == stage:
				c.Errored++
			default:
				c.Pending++
			}
			st.Stages[stage] = c
		}
	}
	return st
}
