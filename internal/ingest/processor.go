// Package ingest turns queued object-created notifications into file metric points.
package ingest

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sh3r4rd/file_metrics/internal/ledger"
	"github.com/sh3r4rd/file_metrics/internal/model"
	"github.com/sh3r4rd/file_metrics/internal/objectstore"
)

const defaultCallTimeout = 10 * time.Second

// ObjectStore fetches object metadata.
type ObjectStore interface {
	Head(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error)
}

// PointWriter writes metric points to one table.
type PointWriter interface {
	Write(ctx context.Context, table string, points ...model.MetricPoint) error
}

// Config is the immutable processor configuration.
type Config struct {
	EventsTable    string
	FileTypesTable string

	// CallTimeout bounds each network call. It is further clamped so every
	// call ends DeadlineHeadroom before the invocation deadline.
	CallTimeout      time.Duration
	DeadlineHeadroom time.Duration

	// RedeliveryAlertThreshold is the receive count at which a failing
	// message is reported as poison. Zero disables the alert.
	RedeliveryAlertThreshold int
}

// Processor handles batches of queue messages. It holds no per-invocation
// state and is safe for concurrent use on disjoint messages.
type Processor struct {
	log     *zap.Logger
	store   ObjectStore
	writer  PointWriter
	ledger  ledger.Ledger
	cfg     Config
	metrics *Metrics
	now     func() time.Time
}

// NewProcessor wires a processor from its collaborators. A nil ledger disables deduplication.
func NewProcessor(log *zap.Logger, store ObjectStore, writer PointWriter, led ledger.Ledger, cfg Config, reg prometheus.Registerer) *Processor {
	if led == nil {
		led = ledger.Nop{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Processor{
		log:     log,
		store:   store,
		writer:  writer,
		ledger:  led,
		cfg:     cfg,
		metrics: NewMetrics(reg),
		now:     time.Now,
	}
}

// HandleBatch processes every message independently and decides, per
// message, whether it may be acknowledged. It never returns an error: a
// failing message only affects its own result.
func (p *Processor) HandleBatch(ctx context.Context, msgs []Message) BatchResult {
	result := BatchResult{Messages: make([]MessageResult, 0, len(msgs))}
	for _, msg := range msgs {
		result.Messages = append(result.Messages, p.HandleMessage(ctx, msg))
	}

	p.log.Info("batch complete",
		zap.Int("messages", len(msgs)),
		zap.Int("acknowledged", len(result.Acknowledged())),
		zap.Int("retained", len(result.Retained())))

	return result
}

// HandleMessage processes all notifications of msg. The message is
// acknowledged only when every notification was recorded or deliberately
// skipped; otherwise it is retained whole and redelivered after the
// visibility timeout, including any notifications that already succeeded.
func (p *Processor) HandleMessage(ctx context.Context, msg Message) MessageResult {
	log := p.log.With(zap.String("message_id", msg.ID), zap.Int("receive_count", msg.ReceiveCount))
	result := MessageResult{MessageID: msg.ID, ReceiptHandle: msg.ReceiptHandle}

	notifications, err := ParseMessage(msg.Body)
	if err != nil {
		result.Err = err
		p.retain(log, msg, &result)
		return result
	}

	for _, n := range notifications {
		obj := p.processNotification(ctx, log, n)
		result.Objects = append(result.Objects, obj)
		if obj.Status == StatusFailed {
			// Later notifications are left for the redelivery.
			result.Err = obj.Err
			p.retain(log, msg, &result)
			return result
		}
	}

	result.Acknowledged = true
	p.metrics.messages.WithLabelValues("acknowledged").Inc()
	log.Debug("message acknowledged", zap.Int("objects", len(result.Objects)))
	return result
}

func (p *Processor) retain(log *zap.Logger, msg Message, result *MessageResult) {
	p.metrics.messages.WithLabelValues("retained").Inc()
	log.Error("message retained for redelivery", zap.Error(result.Err))

	if p.cfg.RedeliveryAlertThreshold > 0 && msg.ReceiveCount >= p.cfg.RedeliveryAlertThreshold {
		result.Poison = true
		p.metrics.poison.Inc()
		log.Error("poison message: repeated redelivery keeps failing",
			zap.Int("threshold", p.cfg.RedeliveryAlertThreshold),
			zap.String("body", msg.Body),
			zap.Error(result.Err))
	}
}

func (p *Processor) processNotification(ctx context.Context, log *zap.Logger, n model.UploadNotification) ObjectResult {
	log = log.With(zap.String("bucket", n.Bucket), zap.String("key", n.Key))
	result := ObjectResult{Notification: n}

	if n.Sequencer != "" {
		seen, err := p.ledgerSeen(ctx, n)
		switch {
		case err != nil:
			log.Warn("ledger lookup failed, processing anyway", zap.Error(err))
		case seen:
			result.Status = StatusDuplicate
			p.metrics.objects.WithLabelValues(result.Status.String()).Inc()
			log.Info("object version already recorded, skipping", zap.String("sequencer", n.Sequencer))
			return result
		}
	}

	start := p.now()
	rec, err := p.ProcessObject(ctx, n)
	switch {
	case ObjectNotFound.Has(err):
		result.Status = StatusMissing
		result.Err = err
		log.Warn("object disappeared before processing, skipping", zap.Error(err))
	case err != nil:
		result.Status = StatusFailed
		result.Err = err
		log.Error("object processing failed", zap.Error(err))
	default:
		result.Status = StatusRecorded
		result.Record = &rec
		p.metrics.duration.Observe(p.now().Sub(start).Seconds())
		log.Info("file processed",
			zap.Int64("size_bytes", rec.SizeBytes),
			zap.String("content_type", rec.ContentType),
			zap.String("extension", rec.Extension),
			zap.Time("last_modified", rec.LastModified))

		if n.Sequencer != "" {
			if err := p.ledgerRecord(ctx, rec, n.Sequencer); err != nil {
				log.Warn("ledger record failed, redelivery may duplicate points", zap.Error(err))
			}
		}
	}

	p.metrics.objects.WithLabelValues(result.Status.String()).Inc()
	return result
}

// ProcessObject fetches metadata for the notified object, derives its
// metadata record, and writes both metric points. It fails with
// ObjectNotFound when the object no longer exists and with MetricsWriteError
// when a point could not be written.
func (p *Processor) ProcessObject(ctx context.Context, n model.UploadNotification) (model.FileMetadataRecord, error) {
	callCtx, cancel := p.callContext(ctx)
	info, err := p.store.Head(callCtx, n.Bucket, n.Key)
	cancel()
	if err != nil {
		if objectstore.ErrNotFound.Has(err) {
			return model.FileMetadataRecord{}, ObjectNotFound.Wrap(err)
		}
		return model.FileMetadataRecord{}, err
	}

	now := p.now().UTC().Truncate(time.Millisecond)
	rec := model.FileMetadataRecord{
		Bucket:       n.Bucket,
		Key:          n.Key,
		SizeBytes:    n.Size,
		ContentType:  info.ContentType,
		Extension:    model.Extension(n.Key),
		LastModified: info.LastModified,
		ProcessedAt:  now,
	}
	if !n.HasSize {
		rec.SizeBytes = info.ContentLength
	}
	if rec.ContentType == "" {
		rec.ContentType = model.DefaultContentType
	}
	if rec.LastModified.IsZero() {
		rec.LastModified = now
	}

	if err := p.WriteMetricPoints(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// WriteMetricPoints writes the event point and then the type-count point,
// each in its own call. The store has no multi-table transaction: when the
// second write fails the first stays written, and the redelivered message
// writes a new event point rather than rolling back.
func (p *Processor) WriteMetricPoints(ctx context.Context, rec model.FileMetadataRecord) error {
	callCtx, cancel := p.callContext(ctx)
	err := p.writer.Write(callCtx, p.cfg.EventsTable, rec.EventPoint())
	cancel()
	if err != nil {
		return MetricsWriteError.Wrap(err)
	}

	callCtx, cancel = p.callContext(ctx)
	err = p.writer.Write(callCtx, p.cfg.FileTypesTable, rec.TypeCountPoint())
	cancel()
	if err != nil {
		p.metrics.partialWrites.Inc()
		p.log.Warn("partial write: event point recorded without type-count point",
			zap.String("bucket", rec.Bucket),
			zap.String("key", rec.Key),
			zap.Time("processed_at", rec.ProcessedAt),
			zap.Error(err))
		return MetricsWriteError.Wrap(err)
	}
	return nil
}

func (p *Processor) ledgerSeen(ctx context.Context, n model.UploadNotification) (bool, error) {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	return p.ledger.Seen(callCtx, n.Bucket, n.Key, n.Sequencer)
}

func (p *Processor) ledgerRecord(ctx context.Context, rec model.FileMetadataRecord, sequencer string) error {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	return p.ledger.Record(callCtx, rec, sequencer)
}

// callContext bounds one network call by CallTimeout and by the invocation
// deadline minus DeadlineHeadroom, whichever ends first.
func (p *Processor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		limit := deadline.Add(-p.cfg.DeadlineHeadroom)
		if time.Now().Add(p.cfg.CallTimeout).After(limit) {
			return context.WithDeadline(ctx, limit)
		}
	}
	return context.WithTimeout(ctx, p.cfg.CallTimeout)
}
