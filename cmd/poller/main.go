// Command poller runs the ingestion processor against SQS outside Lambda.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sh3r4rd/file_metrics/internal/awsclient"
	"github.com/sh3r4rd/file_metrics/internal/config"
	"github.com/sh3r4rd/file_metrics/internal/ingest"
	"github.com/sh3r4rd/file_metrics/internal/logging"
	"github.com/sh3r4rd/file_metrics/internal/queue"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()

	root := &cobra.Command{
		Use:          "poller",
		Short:        "Long-poll the upload queue and record file metrics",
		SilenceUsage: true,
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Poll until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPoller(cmd.Context(), v)
		},
	}
	run.Flags().String("queue-url", "", "SQS queue URL (SQS_QUEUE_URL)")
	run.Flags().Int("workers", 1, "Concurrent poll loops (POLLER_WORKERS)")
	run.Flags().Duration("wait-time", 20*time.Second, "Long-poll wait (POLLER_WAIT_TIME)")
	run.Flags().Duration("visibility-timeout", 300*time.Second, "Per-batch visibility timeout (POLLER_VISIBILITY_TIMEOUT)")
	run.Flags().String("metrics-listen", ":9090", "Prometheus listen address (POLLER_METRICS_LISTEN)")
	run.Flags().String("log-level", "info", "Log level (LOG_LEVEL)")

	bindFlags(v, run, map[string]string{
		"queue_url":                 "queue-url",
		"poller_workers":            "workers",
		"poller_wait_time":          "wait-time",
		"poller_visibility_timeout": "visibility-timeout",
		"poller_metrics_listen":     "metrics-listen",
		"log_level":                 "log-level",
	})

	root.AddCommand(run)
	return root
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		_ = v.BindPFlag(key, cmd.Flags().Lookup(flag))
	}
}

func runPoller(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	if err := cfg.ValidatePoller(); err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsclient.Load(ctx, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	processor := ingest.NewFromConfig(log, cfg, awsCfg, reg)
	poller := queue.NewPoller(log.Named("queue"), queue.NewClient(awsCfg, cfg.EndpointURL), processor, queue.Config{
		QueueURL:          cfg.QueueURL,
		Workers:           cfg.Poller.Workers,
		MaxMessages:       cfg.Poller.MaxMessages,
		WaitTime:          cfg.Poller.WaitTime,
		VisibilityTimeout: cfg.Poller.VisibilityTimeout,
	})

	metricsServer := &http.Server{
		Addr:              cfg.Poller.MetricsListen,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	log.Info("poller starting",
		zap.String("queue_url", cfg.QueueURL),
		zap.Int("workers", cfg.Poller.Workers),
		zap.String("metrics_listen", cfg.Poller.MetricsListen))

	runErr := poller.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown metrics server", zap.Error(err))
	}

	log.Info("poller stopped")
	return runErr
}
