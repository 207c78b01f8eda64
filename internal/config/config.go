// Package config provides configuration loading and structs for the councildocs pipeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Feed      FeedConfig      `yaml:"feed"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Dedup     DedupConfig     `yaml:"dedup"`
	NearDup   NearDupConfig   `yaml:"neardup"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Search    SearchConfig    `yaml:"search"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds the locations of persisted state.
type StorageConfig struct {
	// DataDir holds the register, manifest, chunk store, text cache and indices.
	DataDir string `yaml:"data_dir"`
	// DocumentsDir is the root that relative descriptor paths are resolved against.
	DocumentsDir string `yaml:"documents_dir"`
	// ChunkBackend selects the chunk store: "jsonl" (one file per document) or "sqlite".
	ChunkBackend string `yaml:"chunk_backend"`
}

// FeedConfig holds scraper feed settings.
type FeedConfig struct {
	Directory  string   `yaml:"directory"`
	Extensions []string `yaml:"extensions"`
}

// PipelineConfig holds worker pool and failure policy settings.
type PipelineConfig struct {
	Workers     int `yaml:"workers"`
	MaxFailures int `yaml:"max_failures"`
}

// DedupConfig holds exact-duplicate settings.
type DedupConfig struct {
	// RemoveFiles deletes the underlying file of a duplicate and logs the deletion.
	RemoveFiles bool `yaml:"remove_files"`
}

// NearDupConfig holds shingling and LSH settings for near-duplicate detection.
type NearDupConfig struct {
	Enabled     *bool   `yaml:"enabled"`
	ShingleSize int     `yaml:"shingle_size"`
	NumPerm     int     `yaml:"num_perm"`
	Threshold   float64 `yaml:"threshold"`
	Bands       int     `yaml:"bands"`
	Rows        int     `yaml:"rows"`
}

// EnabledOrDefault returns whether near-duplicate detection runs; defaults to true when unset.
func (n *NearDupConfig) EnabledOrDefault() bool {
	if n.Enabled != nil {
		return *n.Enabled
	}
	return true
}

// ChunkingConfig holds chunker and category gate settings.
type ChunkingConfig struct {
	ChunkSize          int      `yaml:"chunk_size"`
	OverlapPercent     *int     `yaml:"overlap_percent"`
	ExcludedCategories []string `yaml:"excluded_categories"`
	StripPatterns      []string `yaml:"strip_patterns"`
	LowSignalMaxWords  int      `yaml:"low_signal_max_words"`
	LowSignalKeywords  []string `yaml:"low_signal_keywords"`
}

// Overlap returns the configured overlap percentage.
func (c *ChunkingConfig) Overlap() int {
	if c.OverlapPercent == nil {
		return 0
	}
	return *c.OverlapPercent
}

// EmbeddingConfig holds remote embedding service settings.
type EmbeddingConfig struct {
	// Provider is "openai" for the remote service or "mock" for deterministic local vectors.
	Provider        string                   `yaml:"provider"`
	APIKey          string                   `yaml:"api_key"`
	BaseURL         string                   `yaml:"base_url"`
	DefaultVariant  string                   `yaml:"default_variant"`
	Variants        map[string]VariantConfig `yaml:"variants"`
	BatchSize       int                      `yaml:"batch_size"`
	CacheSize       int                      `yaml:"cache_size"`
	CheckpointEvery int                      `yaml:"checkpoint_every"`
	Retry           RetryConfig              `yaml:"retry"`
}

// VariantConfig names one embedding model and its vector width.
type VariantConfig struct {
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// VariantNames returns the configured variants, sorted.
func (e *EmbeddingConfig) VariantNames() []string {
	names := make([]string, 0, len(e.Variants))
	for name := range e.Variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RetryConfig holds the backoff policy for calls to external services.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialInterval   time.Duration `yaml:"initial_interval"`
	MaxInterval       time.Duration `yaml:"max_interval"`
	Multiplier        float64       `yaml:"multiplier"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// VectorConfig holds vector index settings.
type VectorConfig struct {
	// Metric is "cosine" (cosine distance), "l2" (Euclidean distance) or "ip" (inner product similarity).
	Metric string `yaml:"metric"`
}

// SearchConfig holds query-time settings.
type SearchConfig struct {
	DefaultLimit    int  `yaml:"default_limit"`
	MaxLimit        int  `yaml:"max_limit"`
	TopK            int  `yaml:"top_k"`
	KeywordEnabled  bool `yaml:"keyword_enabled"`
	CollapseNearDup bool `yaml:"collapse_near_dup"`
}

// Load reads and parses the config file at path, applies defaults and
// environment overrides, and expands paths.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := finish(&cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no config file exists. Relative
// paths are resolved against baseDir.
func Default(baseDir string) (*Config, error) {
	var cfg Config
	if err := finish(&cfg, baseDir); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func finish(cfg *Config, configDir string) error {
	ApplyDefaults(cfg)
	if err := ApplyEnv(cfg); err != nil {
		return err
	}
	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir, configDir)
	cfg.Storage.DocumentsDir = expandPath(cfg.Storage.DocumentsDir, configDir)
	cfg.Feed.Directory = expandPath(cfg.Feed.Directory, configDir)
	return Validate(cfg)
}

// Validate rejects settings that would break pipeline invariants.
func Validate(cfg *Config) error {
	if cfg.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunking.chunk_size must be positive")
	}
	if o := cfg.Chunking.Overlap(); o < 0 || o >= 100 {
		return fmt.Errorf("chunking.overlap_percent must be in [0, 100), got %d", o)
	}
	if t := cfg.NearDup.Threshold; t <= 0 || t > 1 {
		return fmt.Errorf("neardup.threshold must be in (0, 1], got %v", t)
	}
	if _, ok := cfg.Embedding.Variants[cfg.Embedding.DefaultVariant]; !ok {
		return fmt.Errorf("embedding.default_variant %q is not a configured variant", cfg.Embedding.DefaultVariant)
	}
	for name, v := range cfg.Embedding.Variants {
		if v.Dimensions <= 0 {
			return fmt.Errorf("embedding variant %q: dimensions must be positive", name)
		}
	}
	switch cfg.Storage.ChunkBackend {
	case "jsonl", "sqlite":
	default:
		return fmt.Errorf("unknown storage.chunk_backend %q (supported: jsonl, sqlite)", cfg.Storage.ChunkBackend)
	}
	return nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// "~/" paths are relative to the home directory; other relative paths are relative to configDir.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return filepath.Join(configDir, path)
}
