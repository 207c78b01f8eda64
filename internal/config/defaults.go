package config

import "time"

// DefaultLowSignalKeywords mark procedural chunks (apologies, webcast notices, etc.)
// that carry no retrievable content when they are short.
var DefaultLowSignalKeywords = []string{
	"apologies",
	"substitutes",
	"panel business",
	"motion to exclude",
	"minutes of the meeting",
	"future work programme",
	"webcast",
	"any other business",
}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.DocumentsDir == "" {
		cfg.Storage.DocumentsDir = "./documents"
	}
	if cfg.Storage.ChunkBackend == "" {
		cfg.Storage.ChunkBackend = "jsonl"
	}
	if cfg.Feed.Directory == "" {
		cfg.Feed.Directory = "./feed"
	}
	if cfg.Feed.Extensions == nil {
		cfg.Feed.Extensions = []string{".jsonl", ".ndjson"}
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Pipeline.MaxFailures <= 0 {
		cfg.Pipeline.MaxFailures = 3
	}
	if cfg.NearDup.ShingleSize <= 0 {
		cfg.NearDup.ShingleSize = 5
	}
	if cfg.NearDup.NumPerm <= 0 {
		cfg.NearDup.NumPerm = 128
	}
	if cfg.NearDup.Threshold == 0 {
		cfg.NearDup.Threshold = 0.95
	}
	if cfg.Chunking.ChunkSize <= 0 {
		cfg.Chunking.ChunkSize = 500
	}
	if cfg.Chunking.OverlapPercent == nil {
		o := 50
		cfg.Chunking.OverlapPercent = &o
	}
	if cfg.Chunking.ExcludedCategories == nil {
		cfg.Chunking.ExcludedCategories = []string{"cover_sheet", "public_pack"}
	}
	if cfg.Chunking.LowSignalMaxWords == 0 {
		cfg.Chunking.LowSignalMaxWords = 40
	}
	if cfg.Chunking.LowSignalKeywords == nil {
		cfg.Chunking.LowSignalKeywords = append([]string(nil), DefaultLowSignalKeywords...)
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "openai"
	}
	if len(cfg.Embedding.Variants) == 0 {
		cfg.Embedding.Variants = map[string]VariantConfig{
			"small": {Model: "text-embedding-3-small", Dimensions: 1536},
			"large": {Model: "text-embedding-3-large", Dimensions: 3072},
		}
	}
	if cfg.Embedding.DefaultVariant == "" {
		cfg.Embedding.DefaultVariant = "small"
	}
	if cfg.Embedding.BatchSize <= 0 {
		cfg.Embedding.BatchSize = 100
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1000
	}
	if cfg.Embedding.CheckpointEvery <= 0 {
		cfg.Embedding.CheckpointEvery = 25
	}
	applyRetryDefaults(&cfg.Embedding.Retry)
	if cfg.Vector.Metric == "" {
		cfg.Vector.Metric = "cosine"
	}
	if cfg.Search.DefaultLimit <= 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Search.MaxLimit <= 0 {
		cfg.Search.MaxLimit = 100
	}
	if cfg.Search.TopK <= 0 {
		cfg.Search.TopK = 50
	}
}

func applyRetryDefaults(r *RetryConfig) {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	if r.InitialInterval <= 0 {
		r.InitialInterval = time.Second
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = 30 * time.Second
	}
	if r.Multiplier <= 1 {
		r.Multiplier = 2
	}
}
