// Package metrics provides Prometheus metrics for the councildocs pipeline and query API.
package metrics

import (
	"net/http"
	"time"

	"github.com/hyperjump/councildocs/internal/manifest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every method is safe on a nil *Metrics,
// so components can take metrics as an optional dependency.
type Metrics struct {
	registry *prometheus.Registry

	// Pipeline metrics
	StageDocumentsTotal *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	ManifestDocuments   *prometheus.GaugeVec

	// Embedding service metrics
	EmbeddingBatchesTotal *prometheus.CounterVec
	EmbeddingRetriesTotal prometheus.Counter

	// Query metrics
	SearchRequestsTotal *prometheus.CounterVec
	SearchDuration      prometheus.Histogram
	SearchChunkHits     prometheus.Histogram
}

// New creates all metrics on a fresh registry that also carries the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.StageDocumentsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "councildocs_stage_documents_total",
			Help: "Documents processed per pipeline stage, by result",
		},
		[]string{"stage", "result"},
	)

	m.StageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "councildocs_stage_duration_seconds",
			Help:    "Wall time of one pipeline stage run in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"stage"},
	)

	m.ManifestDocuments = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "councildocs_manifest_documents",
			Help: "Documents in the manifest per stage and state",
		},
		[]string{"stage", "state"},
	)

	m.EmbeddingBatchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "councildocs_embedding_batches_total",
			Help: "Embedding batches sent to the embedding service, by variant and result",
		},
		[]string{"variant", "result"},
	)

	m.EmbeddingRetriesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "councildocs_embedding_retries_total",
			Help: "Retries of calls to the embedding service",
		},
	)

	m.SearchRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "councildocs_search_requests_total",
			Help: "Search requests, by result",
		},
		[]string{"result"},
	)

	m.SearchDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "councildocs_search_duration_seconds",
			Help:    "Duration of search requests in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	m.SearchChunkHits = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "councildocs_search_chunk_hits",
			Help:    "Chunk hits aggregated per search request",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordStageDocument counts one document outcome ("complete", "error", "skipped", ...).
func (m *Metrics) RecordStageDocument(stage, result string) {
	if m == nil {
		return
	}
	m.StageDocumentsTotal.WithLabelValues(stage, result).Inc()
}

// ObserveStage records the duration of a stage run.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordEmbeddingBatch counts one embedding batch.
func (m *Metrics) RecordEmbeddingBatch(variant string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EmbeddingBatchesTotal.WithLabelValues(variant, result).Inc()
}

// RecordEmbeddingRetry counts one retry of the embedding service.
func (m *Metrics) RecordEmbeddingRetry() {
	if m == nil {
		return
	}
	m.EmbeddingRetriesTotal.Inc()
}

// RecordSearch records a finished search request.
func (m *Metrics) RecordSearch(d time.Duration, chunkHits int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SearchRequestsTotal.WithLabelValues(result).Inc()
	m.SearchDuration.Observe(d.Seconds())
	if err == nil {
		m.SearchChunkHits.Observe(float64(chunkHits))
	}
}

// ObserveManifest publishes per-stage manifest counts as gauges.
func (m *Metrics) ObserveManifest(stats *manifest.Stats) {
	if m == nil || stats == nil {
		return
	}
	m.ManifestDocuments.Reset()
	for _, stage := range stats.StageOrder() {
		s := stats.Stages[stage]
		name := string(stage)
		m.ManifestDocuments.WithLabelValues(name, "complete").Set(float64(s.Complete))
		m.ManifestDocuments.WithLabelValues(name, "pending").Set(float64(s.Pending))
		m.ManifestDocuments.WithLabelValues(name, "errored").Set(float64(s.Errored))
		m.ManifestDocuments.WithLabelValues(name, "review").Set(float64(s.Review))
		m.ManifestDocuments.WithLabelValues(name, "skipped").Set(float64(s.Skipped))
	}
}
