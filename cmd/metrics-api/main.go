// Command metrics-api serves aggregated file metrics to the dashboard.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sh3r4rd/file_metrics/internal/api"
	"github.com/sh3r4rd/file_metrics/internal/awsclient"
	"github.com/sh3r4rd/file_metrics/internal/config"
	"github.com/sh3r4rd/file_metrics/internal/logging"
	"github.com/sh3r4rd/file_metrics/internal/query"
	"github.com/sh3r4rd/file_metrics/internal/timeseries"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()

	root := &cobra.Command{
		Use:          "metrics-api",
		Short:        "Read API over the file metrics store",
		SilenceUsage: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve /api/health, /api/file-types and /api/recent-files",
		Long: `Serve the metrics read API.

Example:
  metrics-api serve
  metrics-api serve --listen :8080 --propagate-query-errors
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	serve.Flags().String("listen", ":5000", "HTTP listen address (API_LISTEN)")
	serve.Flags().Bool("propagate-query-errors", false, "Answer failed store queries with 503 (API_PROPAGATE_QUERY_ERRORS)")
	serve.Flags().Duration("recent-window", time.Hour, "Default window of /api/recent-files (RECENT_FILES_WINDOW)")
	serve.Flags().String("log-level", "info", "Log level (LOG_LEVEL)")

	_ = v.BindPFlag("api_listen", serve.Flags().Lookup("listen"))
	_ = v.BindPFlag("api_propagate_query_errors", serve.Flags().Lookup("propagate-query-errors"))
	_ = v.BindPFlag("recent_files_window", serve.Flags().Lookup("recent-window"))
	_ = v.BindPFlag("log_level", serve.Flags().Lookup("log-level"))

	root.AddCommand(serve)
	return root
}

func runServe(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	awsCfg, err := awsclient.Load(ctx, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	querier := timeseries.NewQuerier(log.Named("timeseries"), timeseries.NewQueryClient(awsCfg, cfg.EndpointURL))
	service := query.NewService(log.Named("query"), querier, query.Config{
		Database:       cfg.DatabaseName,
		EventsTable:    cfg.EventsTable,
		FileTypesTable: cfg.FileTypesTable,
	}, reg)

	server := api.NewServer(log.Named("api"), service, api.Config{
		Listen:               cfg.API.Listen,
		PropagateQueryErrors: cfg.API.PropagateQueryErrors,
		RecentWindow:         cfg.API.RecentWindow,
		AllowedOrigins:       cfg.API.AllowedOrigins,
	}, reg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	select {
	case sig := <-sigChan:
		log.Info("received signal, shutting down", zap.Stringer("signal", sig))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}
