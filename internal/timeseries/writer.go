// Package timeseries writes metric points to and queries rows from Amazon Timestream.
package timeseries

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/sh3r4rd/file_metrics/internal/model"
)

// WriteError is the error class for failed metric writes.
var WriteError = errs.Class("timeseries write")

// WriteAPI is the subset of the Timestream write client used by Writer.
type WriteAPI interface {
	WriteRecords(ctx context.Context, in *timestreamwrite.WriteRecordsInput, optFns ...func(*timestreamwrite.Options)) (*timestreamwrite.WriteRecordsOutput, error)
}

// RetryPolicy bounds the backoff applied to transient write failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Writer writes points to tables of one database.
type Writer struct {
	log      *zap.Logger
	client   WriteAPI
	database string
	retry    RetryPolicy

	written *prometheus.CounterVec
	retries *prometheus.CounterVec
}

// NewWriteClient builds a Timestream write client. SDK-level retries are
// disabled because Writer applies its own policy. A non-empty endpoint also
// disables endpoint discovery.
func NewWriteClient(awsCfg aws.Config, endpoint string) *timestreamwrite.Client {
	return timestreamwrite.NewFromConfig(awsCfg, func(o *timestreamwrite.Options) {
		o.RetryMaxAttempts = 1
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.EndpointDiscovery.EnableEndpointDiscovery = aws.EndpointDiscoveryDisabled
		}
	})
}

// NewWriter returns a Writer for database. Metrics are registered on reg.
func NewWriter(log *zap.Logger, client WriteAPI, database string, retry RetryPolicy, reg prometheus.Registerer) *Writer {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	factory := promauto.With(reg)

	return &Writer{
		log:      log,
		client:   client,
		database: database,
		retry:    retry,
		written: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "file_metrics",
			Name:      "points_written_total",
			Help:      "Metric points accepted by the time-series store.",
		}, []string{"table"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "file_metrics",
			Name:      "write_retries_total",
			Help:      "Write attempts retried after a transient failure.",
		}, []string{"table"}),
	}
}

// Write sends points to table in a single call. Transient failures are
// retried with exponential backoff; the same records are resent on every
// attempt, so a retry after an unacknowledged success is deduplicated by the
// store.
func (w *Writer) Write(ctx context.Context, table string, points ...model.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}

	input := &timestreamwrite.WriteRecordsInput{
		DatabaseName: aws.String(w.database),
		TableName:    aws.String(table),
		CommonAttributes: &types.Record{
			TimeUnit: types.TimeUnitMilliseconds,
		},
		Records: toRecords(points),
	}

	attempt := 0
	operation := func() error {
		attempt++
		_, err := w.client.WriteRecords(ctx, input)
		if err == nil {
			return nil
		}
		if !retryable(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		w.retries.WithLabelValues(table).Inc()
		w.log.Warn("retrying metric write",
			zap.String("table", table),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, w.policy(ctx), notify); err != nil {
		return WriteError.Wrap(fmt.Errorf("write %d point(s) to %s.%s after %d attempt(s): %w",
			len(points), w.database, table, attempt, describe(err)))
	}

	w.written.WithLabelValues(table).Add(float64(len(points)))
	return nil
}

func (w *Writer) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.retry.InitialBackoff
	exp.MaxInterval = w.retry.MaxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(w.retry.MaxAttempts-1)), ctx)
}

func toRecords(points []model.MetricPoint) []types.Record {
	records := make([]types.Record, 0, len(points))
	for _, p := range points {
		dims := make([]types.Dimension, 0, len(p.Dimensions))
		for _, d := range p.Dimensions {
			dims = append(dims, types.Dimension{
				Name:               aws.String(d.Name),
				Value:              aws.String(d.Value),
				DimensionValueType: types.DimensionValueTypeVarchar,
			})
		}
		records = append(records, types.Record{
			Dimensions:       dims,
			MeasureName:      aws.String(p.MeasureName),
			MeasureValue:     aws.String(strconv.FormatInt(p.MeasureValue, 10)),
			MeasureValueType: types.MeasureValueTypeBigint,
			Time:             aws.String(strconv.FormatInt(p.Time.UnixMilli(), 10)),
		})
	}
	return records
}

// retryable reports whether err is worth another attempt. Validation and
// permission failures are permanent; throttling, server and transport errors are not.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var (
		validation *types.ValidationException
		rejected   *types.RejectedRecordsException
		notFound   *types.ResourceNotFoundException
		denied     *types.AccessDeniedException
	)
	switch {
	case errors.As(err, &validation),
		errors.As(err, &rejected),
		errors.As(err, &notFound),
		errors.As(err, &denied):
		return false
	}
	return true
}

// describe appends per-record rejection reasons, which the SDK error string omits.
func describe(err error) error {
	var rejected *types.RejectedRecordsException
	if !errors.As(err, &rejected) || len(rejected.RejectedRecords) == 0 {
		return err
	}

	reasons := make([]string, 0, len(rejected.RejectedRecords))
	for _, r := range rejected.RejectedRecords {
		reasons = append(reasons, fmt.Sprintf("record %d: %s", r.RecordIndex, aws.ToString(r.Reason)))
	}
	return fmt.Errorf("%w %v", err, reasons)
}
