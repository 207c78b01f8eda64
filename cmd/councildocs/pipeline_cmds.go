package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/cli"
	"github.com/hyperjump/councildocs/internal/feed"
	"github.com/hyperjump/councildocs/internal/models"
	"github.com/hyperjump/councildocs/internal/pipeline"
	"github.com/hyperjump/councildocs/internal/watcher"
)

var withKeyword = appOptions{keyword: true}

func ingestCmd(opts *globalOptions) *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "ingest <feed.jsonl>...",
		Short: "Register documents from scraper feed files",
		Long: `Reads one descriptor per line from each feed file, assigns doc_ids and records
the documents in the manifest. Re-delivered descriptors keep their doc_id.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			want := storesOnly
			if run {
				want = withEverything
			}
			a, err := openApp(opts, want)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, path := range args {
				if err := ingestFile(cmd.Context(), a, cmd.OutOrStdout(), path); err != nil {
					return err
				}
			}
			if !run {
				return nil
			}
			reports, err := a.pipeline.Run(cmd.Context(), a.cfg.Embedding.VariantNames())
			if werr := cli.WriteReports(cmd.OutOrStdout(), reports, a.format); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "run every stage after ingesting")
	return cmd
}

// ingestSummary is the JSON form of one ingested feed file.
type ingestSummary struct {
	File string `json:"file"`
	*pipeline.IngestReport
	MalformedLines int `json:"malformed_lines"`
}

func ingestFile(ctx context.Context, a *app, w io.Writer, path string) error {
	batch, err := feed.ReadFile(path)
	if err != nil {
		return err
	}
	for _, le := range batch.Rejected {
		a.logger.Warn("skipping malformed feed line", zap.String("file", path), zap.Int("line", le.Line), zap.Error(le.Err))
	}
	rep, err := a.pipeline.Ingest(ctx, batch.Descriptors)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", path, err)
	}
	if a.format == cli.OutputJSON {
		return cli.WriteJSON(w, ingestSummary{File: path, IngestReport: rep, MalformedLines: len(batch.Rejected)})
	}
	fmt.Fprintf(w, "%s: %d descriptors, new=%d rejected=%d malformed=%d\n",
		path, len(batch.Descriptors), rep.New, rep.Rejected, len(batch.Rejected))
	return cli.WriteReports(w, []*pipeline.Report{rep.Report}, a.format)
}

// stageCmd builds a command that runs one embedder-free stage.
func stageCmd(opts *globalOptions, name, short string, stage func(context.Context, *pipeline.Pipeline) (*pipeline.Report, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, storesOnly)
			if err != nil {
				return err
			}
			defer a.Close()
			rep, err := stage(cmd.Context(), a.pipeline)
			return writeStageResult(cmd.OutOrStdout(), a, rep, err)
		},
	}
}

func writeStageResult(w io.Writer, a *app, rep *pipeline.Report, err error) error {
	if rep != nil {
		if werr := cli.WriteReports(w, []*pipeline.Report{rep}, a.format); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func embedCmd(opts *globalOptions) *cobra.Command {
	var variants []string
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Embed chunked documents for one or more variants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, withEverything)
			if err != nil {
				return err
			}
			defer a.Close()
			if len(variants) == 0 {
				variants = []string{a.cfg.Embedding.DefaultVariant}
			}
			var reports []*pipeline.Report
			for _, v := range variants {
				rep, err := a.pipeline.Embed(cmd.Context(), v)
				if rep != nil {
					reports = append(reports, rep)
				}
				if err != nil {
					_ = cli.WriteReports(cmd.OutOrStdout(), reports, a.format)
					return err
				}
			}
			return cli.WriteReports(cmd.OutOrStdout(), reports, a.format)
		},
	}
	cmd.Flags().StringSliceVar(&variants, "variant", nil, "embedding variant(s) (default: embedding.default_variant)")
	return cmd
}

func runCmd(opts *globalOptions) *cobra.Command {
	var variants []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run dedup, neardup, chunk and embed in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, withEverything)
			if err != nil {
				return err
			}
			defer a.Close()
			if len(variants) == 0 {
				variants = a.cfg.Embedding.VariantNames()
			}
			reports, err := a.pipeline.Run(cmd.Context(), variants)
			if werr := cli.WriteReports(cmd.OutOrStdout(), reports, a.format); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&variants, "variant", nil, "embedding variant(s) (default: every configured variant)")
	return cmd
}

func resetCmd(opts *globalOptions) *cobra.Command {
	var (
		all         bool
		from        string
		clearErrors bool
	)
	cmd := &cobra.Command{
		Use:   "reset [doc_id...]",
		Short: "Clear a stage and every later stage so it runs again",
		Long: `Clears --from and all later stages for the given documents (or --all),
deleting the chunks, vectors and keyword entries those stages produced.
--from embedded_<variant> clears only that variant's vectors.
--errors clears error and review state instead, keeping every stage flag.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !clearErrors && !all && len(args) == 0 {
				return fmt.Errorf("name at least one doc_id, or pass --all or --errors")
			}
			a, err := openApp(opts, withKeyword)
			if err != nil {
				return err
			}
			defer a.Close()
			w := cmd.OutOrStdout()

			if clearErrors {
				n, err := a.pipeline.ResetErrors()
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "Cleared error state on %d documents\n", n)
				return nil
			}
			stage := models.StageScraped
			if from != "" {
				if stage, err = models.ParseStage(from); err != nil {
					return err
				}
			}
			n, err := a.pipeline.Reset(cmd.Context(), pipeline.ResetOptions{DocIDs: args, All: all, From: stage})
			fmt.Fprintf(w, "Reset %d documents from %s\n", n, stage)
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reset every document")
	cmd.Flags().StringVar(&from, "from", "", "first stage to clear: scraped, deduplicated, chunked, embedded or embedded_<variant> (default: scraped)")
	cmd.Flags().BoolVar(&clearErrors, "errors", false, "clear error and review state only")
	return cmd
}

func verifyCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that committed chunks and manifest flags agree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, storesOnly)
			if err != nil {
				return err
			}
			defer a.Close()
			rep, err := a.pipeline.Verify(cmd.Context())
			if err != nil {
				return err
			}
			if err := cli.WriteIntegrity(cmd.OutOrStdout(), rep.Checked, rep.Violations, a.format); err != nil {
				return err
			}
			if !rep.OK() {
				return &pipeline.IntegrityError{Violations: rep.Violations}
			}
			return nil
		},
	}
}

func repairCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Fix every integrity violation verify reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, withKeyword)
			if err != nil {
				return err
			}
			defer a.Close()
			fixed, err := a.pipeline.Repair(cmd.Context())
			if werr := cli.WriteIntegrity(cmd.OutOrStdout(), a.manifest.Len(), fixed, a.format); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
}

func watchCmd(opts *globalOptions) *cobra.Command {
	var (
		recursive bool
		debounce  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Ingest feed files as they appear and run the pipeline",
		Long: `Watches feed.directory for new or rewritten feed files. Each file is ingested
once its writes settle, then every stage runs. Files already present are
processed at startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, withEverything)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			variants := a.cfg.Embedding.VariantNames()

			onFile := func(path string) {
				if err := ingestFile(ctx, a, w, path); err != nil {
					a.logger.Warn("feed ingest failed", zap.String("path", path), zap.Error(err))
					return
				}
				reports, err := a.pipeline.Run(ctx, variants)
				_ = cli.WriteReports(w, reports, a.format)
				if err != nil {
					a.logger.Error("pipeline run failed", zap.String("path", path), zap.Error(err))
				}
			}
			fw := watcher.New(a.cfg.Feed.Directory, a.cfg.Feed.Extensions, onFile,
				watcher.WithLogger(a.logger), watcher.WithRecursive(recursive), watcher.WithDebounce(debounce))
			if err := fw.Start(ctx); err != nil {
				return fmt.Errorf("failed to start watcher: %w", err)
			}
			defer fw.Stop()
			n := fw.SyncExisting()
			a.logger.Info("Watching feed directory", zap.String("dir", fw.Dir()), zap.Int("existing_files", n))

			<-ctx.Done()
			a.logger.Info("Shutting down...")
			return nil
		},
	}
	cmd.Flags().BoolVar(&recursive, "recursive", false, "watch subdirectories too")
	cmd.Flags().DurationVar(&debounce, "debounce", 2*time.Second, "quiet period before a changed feed file is ingested")
	return cmd
}
