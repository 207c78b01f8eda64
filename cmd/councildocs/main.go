// Package main is the councildocs CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/cli"
	"github.com/hyperjump/councildocs/internal/config"
	"github.com/hyperjump/councildocs/internal/dedup"
	"github.com/hyperjump/councildocs/internal/embedding"
	"github.com/hyperjump/councildocs/internal/extract"
	"github.com/hyperjump/councildocs/internal/keyword"
	"github.com/hyperjump/councildocs/internal/manifest"
	"github.com/hyperjump/councildocs/internal/metrics"
	"github.com/hyperjump/councildocs/internal/pipeline"
	"github.com/hyperjump/councildocs/internal/register"
	"github.com/hyperjump/councildocs/internal/retrieval"
	"github.com/hyperjump/councildocs/internal/retry"
	"github.com/hyperjump/councildocs/internal/storage"
	"github.com/hyperjump/councildocs/internal/vector"
	"github.com/hyperjump/councildocs/pkg/utils"
)

var version = "dev"

const defaultConfigName = "config.yaml"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	debug      bool
	output     string
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "councildocs",
		Short: "Council document pipeline: register, dedup, chunk, embed and search",
		Long: `councildocs ingests scraped council documents, assigns each a stable doc_id,
collapses exact duplicates, annotates near duplicates, chunks the text and
embeds it for retrieval. Every stage is resumable from the manifest.

Environment variables (prefix COUNCILDOCS_) override the config file;
a .env file next to the config is loaded first.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path (default: ./config.yaml when present)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		ingestCmd(opts),
		stageCmd(opts, "dedup", "Collapse exact duplicates (extracts text as needed)", func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Report, error) {
			return p.Dedup(ctx)
		}),
		stageCmd(opts, "neardup", "Annotate near-duplicate clusters", func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Report, error) {
			return p.NearDup(ctx)
		}),
		stageCmd(opts, "chunk", "Chunk deduplicated documents", func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Report, error) {
			return p.Chunk(ctx)
		}),
		embedCmd(opts),
		runCmd(opts),
		resetCmd(opts),
		verifyCmd(opts),
		repairCmd(opts),
		watchCmd(opts),
		searchCmd(opts),
		showCmd(opts),
		lookupCmd(opts),
		statusCmd(opts),
		serveCmd(opts),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

// loadConfig loads the config at path. Without a path it uses config.yaml
// in the current directory when present and the built-in defaults otherwise.
// Returns the config and the path that was actually loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, "", err
		}
		candidate := filepath.Join(cwd, defaultConfigName)
		if _, err := os.Stat(candidate); err != nil {
			if err := config.LoadDotEnv(cwd); err != nil {
				return nil, "", err
			}
			cfg, err := config.Default(cwd)
			return cfg, "", err
		}
		path = candidate
	}
	if err := config.LoadDotEnv(filepath.Dir(path)); err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// app holds the opened stores and clients of one command invocation.
type app struct {
	cfg     *config.Config
	format  cli.OutputFormat
	logger  *zap.Logger
	metrics *metrics.Metrics

	register  *register.Register
	manifest  *manifest.Manifest
	texts     *storage.TextStore
	chunks    storage.ChunkStore
	vectors   *vector.IndexSet
	keyword   *keyword.BleveIndex
	remover   *dedup.Remover
	embedders map[string]embedding.Embedder

	pipeline *pipeline.Pipeline
}

// appOptions selects the components a command needs.
type appOptions struct {
	// embedders builds an embedder for every configured variant.
	embedders bool
	// keyword opens the Bleve index, which takes an exclusive file lock.
	keyword bool
}

var (
	withEverything = appOptions{embedders: true, keyword: true}
	storesOnly     = appOptions{}
)

func openApp(opts *globalOptions, want appOptions) (_ *app, err error) {
	format, err := cli.ParseFormat(opts.output)
	if err != nil {
		return nil, err
	}
	cfg, path, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	debug := cfg.Debug || opts.debug
	logger, err := newLogger(cfg, debug)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Debug("config loaded", zap.String("config_path", path), zap.String("data_dir", cfg.Storage.DataDir))

	a := &app{cfg: cfg, format: format, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	data := cfg.Storage.DataDir
	if err := os.MkdirAll(data, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if a.register, err = register.Open(filepath.Join(data, "document_ids.jsonl"), register.WithLogger(logger)); err != nil {
		return nil, err
	}
	if a.manifest, err = manifest.Open(filepath.Join(data, "document_manifest.jsonl"),
		manifest.WithMaxFailures(cfg.Pipeline.MaxFailures), manifest.WithLogger(logger)); err != nil {
		return nil, err
	}
	if a.texts, err = storage.NewTextStore(filepath.Join(data, "texts")); err != nil {
		return nil, err
	}
	if a.chunks, err = storage.NewChunkStore(cfg.Storage.ChunkBackend, data); err != nil {
		return nil, err
	}
	dims := make(map[string]int, len(cfg.Embedding.Variants))
	for name, v := range cfg.Embedding.Variants {
		dims[name] = v.Dimensions
	}
	if a.vectors, err = vector.NewIndexSet(filepath.Join(data, "vectors"), vector.Metric(cfg.Vector.Metric), dims); err != nil {
		return nil, err
	}
	if want.keyword {
		if a.keyword, err = keyword.NewBleveIndex(filepath.Join(data, "keyword")); err != nil {
			return nil, fmt.Errorf("failed to open keyword index: %w", err)
		}
	}
	if cfg.Dedup.RemoveFiles {
		if a.remover, err = dedup.NewRemover(filepath.Join(data, "deletions.jsonl"), dedup.WithLogger(logger)); err != nil {
			return nil, err
		}
	}
	if want.embedders {
		a.embedders = make(map[string]embedding.Embedder, len(cfg.Embedding.Variants))
		for _, name := range cfg.Embedding.VariantNames() {
			e, err := embedding.New(cfg.Embedding, name, logger)
			if err != nil {
				return nil, err
			}
			a.embedders[name] = e
		}
	}

	deps := pipeline.Deps{
		Register:  a.register,
		Manifest:  a.manifest,
		Texts:     a.texts,
		Chunks:    a.chunks,
		Extractor: extract.NewExtractor(),
		Vectors:   a.vectors,
		Embedders: a.embedders,
		Remover:   a.remover,
	}
	if a.keyword != nil {
		deps.Keyword = a.keyword
	}
	if a.pipeline, err = pipeline.New(cfg, deps, pipeline.WithLogger(logger), pipeline.WithMetrics(a.metrics)); err != nil {
		return nil, err
	}
	return a, nil
}

func newLogger(cfg *config.Config, debug bool) (*zap.Logger, error) {
	if cfg.LogLevel != "" && !debug {
		return utils.NewLoggerWithLevel(false, cfg.LogLevel)
	}
	return utils.NewLogger(debug)
}

// searcher builds the retrieval searcher over the opened stores.
func (a *app) searcher() *retrieval.Searcher {
	opts := []retrieval.Option{
		retrieval.WithLogger(a.logger),
		retrieval.WithMetrics(a.metrics),
		retrieval.WithRetryPolicy(retry.New(a.cfg.Embedding.Retry, retry.WithLogger(a.logger))),
	}
	if a.keyword != nil {
		opts = append(opts, retrieval.WithKeywordIndex(a.keyword))
	}
	return retrieval.NewSearcher(a.cfg.Search, a.cfg.Embedding.DefaultVariant, a.embedders, a.vectors, a.manifest, opts...)
}

// Close releases every opened component. The vector indexes are not saved:
// stages save them at their own checkpoints.
func (a *app) Close() {
	closeLogged := func(name string, err error) {
		if err != nil {
			a.logger.Warn("close failed", zap.String("component", name), zap.Error(err))
		}
	}
	if a.keyword != nil {
		closeLogged("keyword index", a.keyword.Close())
	}
	if a.remover != nil {
		closeLogged("deletion log", a.remover.Close())
	}
	if a.vectors != nil {
		closeLogged("vector indexes", a.vectors.Close())
	}
	if a.chunks != nil {
		closeLogged("chunk store", a.chunks.Close())
	}
	if a.manifest != nil {
		closeLogged("manifest", a.manifest.Close())
	}
	if a.register != nil {
		closeLogged("register", a.register.Close())
	}
	_ = a.logger.Sync()
}
