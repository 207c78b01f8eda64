// Package embedding turns chunk text into vectors through a remote,
// OpenAI-compatible embedding service, with a local deterministic embedder for
// tests and offline runs.
package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/config"
)

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
	Close() error
}

// Providers.
const (
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

// New builds the embedder of one variant from cfg. A positive CacheSize wraps
// it in an LRU cache.
func New(cfg config.EmbeddingConfig, variant string, logger *zap.Logger) (Embedder, error) {
	v, ok := cfg.Variants[variant]
	if !ok {
		return nil, fmt.Errorf("unknown embedding variant %q", variant)
	}
	var e Embedder
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("embedding provider %q requires an API key (set OPENAI_API_KEY)", cfg.Provider)
		}
		opts := []OpenAIOption{WithBatchSize(cfg.BatchSize)}
		if cfg.BaseURL != "" {
			opts = append(opts, WithBaseURL(cfg.BaseURL))
		}
		if logger != nil {
			opts = append(opts, WithLogger(logger))
		}
		e = NewOpenAIEmbedder(cfg.APIKey, v.Model, v.Dimensions, opts...)
	case ProviderMock:
		e = NewMockEmbedder(v.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (supported: openai, mock)", cfg.Provider)
	}
	if cfg.CacheSize > 0 {
		e = NewCachedEmbedder(e, NewEmbeddingCache(cfg.CacheSize))
	}
	return e, nil
}
