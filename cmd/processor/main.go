// Command processor is the queue-triggered Lambda that records file metrics.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sh3r4rd/file_metrics/internal/awsclient"
	"github.com/sh3r4rd/file_metrics/internal/config"
	"github.com/sh3r4rd/file_metrics/internal/ingest"
	"github.com/sh3r4rd/file_metrics/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "processor: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "processor: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	awsCfg, err := awsclient.Load(context.Background(), cfg)
	if err != nil {
		log.Fatal("aws config", zap.Error(err))
	}

	// Lambda has no scrape endpoint, so metrics go to a private registry.
	p := ingest.NewFromConfig(log, cfg, awsCfg, prometheus.NewRegistry())

	log.Info("processor ready",
		zap.String("database", cfg.DatabaseName),
		zap.String("events_table", cfg.EventsTable),
		zap.String("file_types_table", cfg.FileTypesTable),
		zap.Bool("ledger", cfg.LedgerTable != ""))

	lambda.Start(p.HandleSQSEvent)
}
