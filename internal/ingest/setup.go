package ingest

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sh3r4rd/file_metrics/internal/config"
	"github.com/sh3r4rd/file_metrics/internal/ledger"
	"github.com/sh3r4rd/file_metrics/internal/objectstore"
	"github.com/sh3r4rd/file_metrics/internal/timeseries"
)

// NewFromConfig builds a Processor backed by S3, Timestream and, when
// cfg.LedgerTable is set, a DynamoDB ledger.
func NewFromConfig(log *zap.Logger, cfg config.Config, awsCfg aws.Config, reg prometheus.Registerer) *Processor {
	store := objectstore.New(log.Named("objectstore"),
		objectstore.NewClient(awsCfg, cfg.EndpointURL))

	writer := timeseries.NewWriter(log.Named("timeseries"),
		timeseries.NewWriteClient(awsCfg, cfg.EndpointURL),
		cfg.DatabaseName,
		timeseries.RetryPolicy{
			MaxAttempts:    cfg.WriteMaxAttempts,
			InitialBackoff: cfg.WriteInitialBackoff,
			MaxBackoff:     cfg.WriteMaxBackoff,
		},
		reg)

	var led ledger.Ledger
	if cfg.LedgerTable != "" {
		led = ledger.NewDynamo(ledger.NewClient(awsCfg, cfg.EndpointURL), cfg.LedgerTable)
	}

	return NewProcessor(log.Named("ingest"), store, writer, led, Config{
		EventsTable:              cfg.EventsTable,
		FileTypesTable:           cfg.FileTypesTable,
		CallTimeout:              cfg.CallTimeout,
		DeadlineHeadroom:         cfg.DeadlineHeadroom,
		RedeliveryAlertThreshold: cfg.RedeliveryAlertThreshold,
	}, reg)
}
