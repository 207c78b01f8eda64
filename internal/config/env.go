package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of environment overrides, e.g. COUNCILDOCS_DATA_DIR.
const EnvPrefix = "COUNCILDOCS"

// envOverrides are the settings that may come from the environment. Tagged
// names are also read without the prefix, so a plain OPENAI_API_KEY works.
type envOverrides struct {
	DataDir       string `envconfig:"DATA_DIR"`
	DocumentsDir  string `envconfig:"DOCUMENTS_DIR"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	Workers       int    `envconfig:"WORKERS"`
	Port          int    `envconfig:"PORT"`
	Provider      string `envconfig:"EMBEDDING_PROVIDER"`
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL"`
}

// LoadDotEnv loads a .env file from dir into the process environment.
// A missing file is not an error; existing variables are not overwritten.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment overrides onto cfg.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}
	if env.DataDir != "" {
		cfg.Storage.DataDir = env.DataDir
	}
	if env.DocumentsDir != "" {
		cfg.Storage.DocumentsDir = env.DocumentsDir
	}
	if env.LogLevel != "" {
		cfg.LogLevel = env.LogLevel
	}
	if env.Workers > 0 {
		cfg.Pipeline.Workers = env.Workers
	}
	if env.Port > 0 {
		cfg.Server.Port = env.Port
	}
	if env.Provider != "" {
		cfg.Embedding.Provider = env.Provider
	}
	if env.OpenAIAPIKey != "" {
		cfg.Embedding.APIKey = env.OpenAIAPIKey
	}
	if env.OpenAIBaseURL != "" {
		cfg.Embedding.BaseURL = env.OpenAIBaseURL
	}
	return nil
}
