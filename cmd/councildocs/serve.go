package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/server"
)

func serveCmd(opts *globalOptions) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the document, search and metrics API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, withEverything)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.cfg.Server
			if host != "" {
				cfg.Host = host
			}
			if port != 0 {
				cfg.Port = port
			}

			srv := server.NewServer(server.Deps{
				Register: a.register,
				Manifest: a.manifest,
				Chunks:   a.chunks,
				Searcher: a.searcher(),
				Stats:    a.pipeline,
				Metrics:  a.metrics,
			}, &cfg, a.logger)

			errc := make(chan error, 1)
			go func() { errc <- srv.Start() }()

			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
			}
			a.logger.Info("Shutting down...")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Stop(ctx); err != nil {
				a.logger.Warn("server shutdown failed", zap.Error(err))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default: server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default: server.port)")
	return cmd
}
