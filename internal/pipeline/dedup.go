package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/dedup"
	"github.com/hyperjump/councildocs/internal/extract"
	"github.com/hyperjump/councildocs/internal/models"
	"github.com/hyperjump/councildocs/internal/neardup"
)

// StageNearDup names the near-duplicate annotation pass in reports and metrics.
// It has no manifest flag: it re-runs over all surviving documents.
const StageNearDup = "near_duplicate"

// loadText returns the cached pages of a document, extracting and caching
// them from the local file on first use.
func (p *Pipeline) loadText(e *models.ManifestEntry) ([]models.Page, error) {
	if p.Texts.Has(e.ID) {
		return p.Texts.Get(e.ID)
	}
	path := p.resolvePath(e)
	if path == "" {
		return nil, fmt.Errorf("no local file for %s", e.ID)
	}
	pages, err := p.Extractor.Extract(path)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", path, err)
	}
	if err := p.Texts.Put(e.ID, pages); err != nil {
		return nil, err
	}
	return pages, nil
}

// Dedup hashes the extracted text of every scraped, not yet deduplicated
// document and collapses identical content onto one survivor. Survivors of
// earlier runs, and documents still named by a redirect, take part as
// incumbents so they keep winning. Extraction
// failures are recorded against the deduplicated stage and the document is
// left out of hashing.
func (p *Pipeline) Dedup(ctx context.Context) (*Report, error) {
	stage := models.StageDeduplicated
	rep, done := p.begin(string(stage))
	defer done()

	pending := p.Manifest.Eligible(stage)
	byID := make(map[string]*models.ManifestEntry, len(pending))
	hashes := make(map[string]string, len(pending))
	numPages := make(map[string]int, len(pending))
	var mu sync.Mutex
	err := p.forEach(ctx, pending, func(ctx context.Context, e *models.ManifestEntry) error {
		pages, err := p.loadText(e)
		if err != nil {
			return p.fail(ctx, rep, e, stage, err)
		}
		h := dedup.ContentHash(extract.JoinPages(pages))
		mu.Lock()
		byID[e.ID] = e
		hashes[e.ID] = h
		numPages[e.ID] = len(pages)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return rep, err
	}

	all := p.Manifest.List()
	// A document other entries still redirect to keeps its survivor role
	// while it is re-hashed after a reset.
	targets := make(map[string]bool)
	for _, e := range all {
		if e.RedirectTo != "" {
			targets[e.RedirectTo] = true
		}
	}
	var candidates []dedup.Candidate
	for _, e := range all {
		if h, ok := hashes[e.ID]; ok {
			candidates = append(candidates, dedup.Candidate{
				DocID: e.ID, Source: e.Source, Filename: e.Filename, ContentHash: h,
				Incumbent: targets[e.ID] && !e.IsDuplicate(),
			})
			continue
		}
		if e.Deduplicated && !e.IsDuplicate() && e.ContentHash != "" {
			candidates = append(candidates, dedup.Candidate{
				DocID: e.ID, Source: e.Source, Filename: e.Filename, ContentHash: e.ContentHash, Incumbent: true,
			})
		}
	}
	res := dedup.Deduplicate(candidates)

	ids := make([]string, 0, len(hashes))
	for id := range hashes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		target := res.Redirects[id]
		h := hashes[id]
		n := numPages[id]
		err := p.Manifest.Complete(id, stage, func(e *models.ManifestEntry) {
			e.ContentHash = h
			e.NumPages = n
			e.RedirectTo = target
		})
		if err != nil {
			return rep, err
		}
		rep.processed()
		if target == "" {
			p.metrics.RecordStageDocument(string(stage), "complete")
			continue
		}
		rep.Duplicates++
		p.metrics.RecordStageDocument(string(stage), "duplicate")
		if p.logger != nil {
			p.logger.Info("Exact duplicate", zap.String("doc_id", id), zap.String("redirect_to", target))
		}
		if p.Remover != nil && byID[id].RedirectTo != target {
			rec := dedup.DeletionRecord{DocID: id, Path: p.resolvePath(byID[id]), RedirectTo: target, ContentHash: h}
			if err := p.Remover.Remove(rec); err != nil && p.logger != nil {
				p.logger.Warn("Failed to remove duplicate file", zap.String("doc_id", id), zap.Error(err))
			}
		}
	}
	for id, target := range res.Redirects {
		if _, ok := hashes[id]; !ok && p.logger != nil {
			p.logger.Warn("Earlier survivors share content; reset one to collapse them",
				zap.String("doc_id", id), zap.String("same_as", target))
		}
	}
	// Earlier duplicates of a document collapsed in this run follow it to
	// its survivor, so redirect_to always names a survivor.
	for _, e := range all {
		if _, ok := hashes[e.ID]; ok || e.RedirectTo == "" {
			continue
		}
		if _, ok := hashes[e.RedirectTo]; !ok {
			continue
		}
		target, moved := res.Redirects[e.RedirectTo]
		if !moved {
			continue
		}
		from := e.RedirectTo
		err := p.Manifest.Update(e.ID, func(u *models.ManifestEntry) error {
			u.RedirectTo = target
			return nil
		})
		if err != nil {
			return rep, err
		}
		if p.logger != nil {
			p.logger.Info("Redirect re-pointed", zap.String("doc_id", e.ID), zap.String("from", from), zap.String("redirect_to", target))
		}
	}
	return rep, nil
}

// NearDup annotates near-duplicate clusters among the surviving documents.
// Annotations are recomputed on every run, so stale ones are cleared;
// documents are never removed.
func (p *Pipeline) NearDup(ctx context.Context) (*Report, error) {
	rep, done := p.begin(StageNearDup)
	defer done()
	if !p.nearDupEnabled {
		return rep, nil
	}

	var entries []*models.ManifestEntry
	for _, e := range p.Manifest.List() {
		if e.Deduplicated && !e.IsDuplicate() {
			entries = append(entries, e)
		}
	}
	loaded := make(map[string]*models.ManifestEntry, len(entries))
	var docs []neardup.Document
	var mu sync.Mutex
	err := p.forEach(ctx, entries, func(ctx context.Context, e *models.ManifestEntry) error {
		pages, err := p.Texts.Get(e.ID)
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("No cached text for near-duplicate detection", zap.String("doc_id", e.ID), zap.Error(err))
			}
			rep.skipped()
			return nil
		}
		mu.Lock()
		docs = append(docs, neardup.Document{DocID: e.ID, Text: extract.JoinPages(pages)})
		loaded[e.ID] = e
		mu.Unlock()
		return nil
	})
	if err != nil {
		return rep, err
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocID < docs[j].DocID })

	res := p.detector.Detect(docs)
	rep.Clusters = len(res.Clusters)
	rep.Skipped += len(res.Skipped)
	assign := res.Assignments()
	for _, d := range docs {
		want := assign[d.DocID]
		if loaded[d.DocID].NearDuplicateOf == want {
			continue
		}
		err := p.Manifest.Update(d.DocID, func(e *models.ManifestEntry) error {
			e.NearDuplicateOf = want
			return nil
		})
		if err != nil {
			return rep, err
		}
		rep.processed()
		if p.logger != nil && want != "" {
			p.logger.Debug("Near duplicate", zap.String("doc_id", d.DocID), zap.String("primary", want))
		}
	}
	return rep, nil
}
