package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperjump/councildocs/internal/cli"
	"github.com/hyperjump/councildocs/internal/manifest"
	"github.com/hyperjump/councildocs/internal/models"
	"github.com/hyperjump/councildocs/internal/storage"
	"github.com/hyperjump/councildocs/pkg/utils"
)

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func searchCmd(opts *globalOptions) *cobra.Command {
	var (
		serverURL string
		q         models.SearchQuery
		keyword   bool
		semantic  bool
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Rank documents by their matching chunks",
		Long: `Runs a nearest-neighbour search over the chunk vectors (and, with --keyword,
the full-text index) and ranks documents by hit count and similarity.
Multi-word queries work with or without quotes.

Examples:
  councildocs search riverside allotments
  councildocs search --committee Planning --from 2024-01-01 parking permits
  councildocs search --server http://localhost:8080 -o json "bus lane"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Query = buildSearchQuery(args)
			if q.Query == "" {
				return fmt.Errorf("query cannot be empty")
			}
			q.KeywordEnabled = keyword
			q.SemanticEnabled = semantic || !keyword
			if all {
				collapse := false
				q.CollapseNearDup = &collapse
			}

			if serverURL != "" {
				format, err := cli.ParseFormat(opts.output)
				if err != nil {
					return err
				}
				// The server holds the Bleve lock, so query it over HTTP.
				response, err := searchViaHTTP(serverURL, &q)
				if err != nil {
					return fmt.Errorf("search failed: %w", err)
				}
				return cli.WriteSearchResults(cmd.OutOrStdout(), response, format)
			}

			want := withEverything
			want.keyword = keyword
			a, err := openApp(opts, want)
			if err != nil {
				return err
			}
			defer a.Close()
			response, err := a.searcher().Search(cmd.Context(), &q)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			return cli.WriteSearchResults(cmd.OutOrStdout(), response, a.format)
		},
	}
	f := cmd.Flags()
	f.StringVar(&serverURL, "server", "", "query a running server instead of the local stores")
	f.StringVar(&q.Variant, "variant", "", "embedding variant (default: embedding.default_variant)")
	f.IntVarP(&q.Limit, "limit", "n", 0, "number of documents (default: search.default_limit)")
	f.IntVar(&q.TopK, "top-k", 0, "chunk hits requested from each index (default: search.top_k)")
	f.BoolVar(&keyword, "keyword", false, "also run the full-text pass")
	f.BoolVar(&semantic, "semantic", true, "run the vector pass")
	f.BoolVar(&all, "all", false, "keep every member of a near-duplicate cluster")
	f.StringVar(&q.Committee, "committee", "", "only documents of this committee")
	f.StringVar(&q.Category, "category", "", "only documents of this category")
	f.StringVar(&q.DateFrom, "from", "", "earliest meeting date (YYYY-MM-DD)")
	f.StringVar(&q.DateTo, "to", "", "latest meeting date (YYYY-MM-DD)")
	return cmd
}

func searchViaHTTP(serverURL string, query *models.SearchQuery) (*models.SearchResponse, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Post(strings.TrimRight(serverURL, "/")+"/api/v1/search", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var response models.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &response, nil
}

func showCmd(opts *globalOptions) *cobra.Command {
	var chunks bool
	cmd := &cobra.Command{
		Use:   "show <doc_id>",
		Short: "Show the manifest entry of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, storesOnly)
			if err != nil {
				return err
			}
			defer a.Close()
			e, ok := a.manifest.Get(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", manifest.ErrNotFound, args[0])
			}
			w := cmd.OutOrStdout()
			if err := cli.WriteEntry(w, e, a.format); err != nil {
				return err
			}
			if !chunks {
				return nil
			}
			list, err := a.chunks.Chunks(cmd.Context(), e.ID)
			if err != nil {
				return err
			}
			if a.format == cli.OutputJSON {
				return cli.WriteJSON(w, list)
			}
			for _, c := range list {
				fmt.Fprintf(w, "\n[%d] p%d %d-%d\n%s\n", c.ChunkIndex, c.PageNum, c.CharStart, c.CharEnd, utils.Truncate(c.Text, 300))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&chunks, "chunks", false, "also print the committed chunks")
	return cmd
}

func lookupCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <url-or-path>",
		Short: "Print the doc_id registered for a source key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, storesOnly)
			if err != nil {
				return err
			}
			defer a.Close()
			id, ok := a.register.Lookup(args[0])
			if !ok {
				return fmt.Errorf("key not registered: %s", args[0])
			}
			if a.format == cli.OutputJSON {
				return cli.WriteJSON(cmd.OutOrStdout(), map[string]string{"key": args[0], "doc_id": id})
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func statusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-stage progress and disk usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, storesOnly)
			if err != nil {
				return err
			}
			defer a.Close()
			usage, err := storage.DataUsage(a.cfg.Storage.DataDir)
			if err != nil {
				return err
			}
			st := &cli.StatusReport{
				Stats:      a.manifest.Stats(a.cfg.Embedding.VariantNames()...),
				Registered: a.register.Len(),
				Usage:      usage,
			}
			return cli.WriteStatus(cmd.OutOrStdout(), st, a.format)
		},
	}
}
