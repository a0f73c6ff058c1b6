package ingest

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sh3r4rd/file_metrics/internal/config"
	"github.com/sh3r4rd/file_metrics/internal/ledger"
)

func TestNewFromConfig(t *testing.T) {
	cfg := config.Config{
		Region:                   "us-east-1",
		EndpointURL:              "http://localhost:4566",
		DatabaseName:             "file_metrics_db",
		EventsTable:              eventsTable,
		FileTypesTable:           typesTable,
		CallTimeout:              5 * time.Second,
		DeadlineHeadroom:         time.Second,
		WriteMaxAttempts:         3,
		WriteInitialBackoff:      10 * time.Millisecond,
		WriteMaxBackoff:          time.Second,
		RedeliveryAlertThreshold: 4,
	}
	awsCfg := aws.Config{Region: cfg.Region}

	p := NewFromConfig(zaptest.NewLogger(t), cfg, awsCfg, prometheus.NewRegistry())
	require.NotNil(t, p)
	assert.IsType(t, ledger.Nop{}, p.ledger)
	assert.Equal(t, eventsTable, p.cfg.EventsTable)
	assert.Equal(t, typesTable, p.cfg.FileTypesTable)
	assert.Equal(t, 4, p.cfg.RedeliveryAlertThreshold)

	cfg.LedgerTable = "processed_objects"
	p = NewFromConfig(zaptest.NewLogger(t), cfg, awsCfg, prometheus.NewRegistry())
	assert.IsType(t, &ledger.Dynamo{}, p.ledger)
}
