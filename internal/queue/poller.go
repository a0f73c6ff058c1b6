// Package queue hosts the processor outside Lambda by long-polling SQS.
package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sh3r4rd/file_metrics/internal/ingest"
)

const (
	ackTimeout = 10 * time.Second

	// defaultBatchTimeout bounds a batch when VisibilityTimeout is unset and
	// the queue's own timeout applies. It matches the SQS default.
	defaultBatchTimeout = 30 * time.Second
)

// API is the subset of the SQS client used by Poller.
type API interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// BatchHandler decides which messages of a batch may be acknowledged.
type BatchHandler interface {
	HandleBatch(ctx context.Context, msgs []ingest.Message) ingest.BatchResult
}

// Config controls polling.
type Config struct {
	QueueURL          string
	Workers           int
	MaxMessages       int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// Poller receives batches, hands them to a BatchHandler, and deletes the
// acknowledged messages. Retained messages reappear after the visibility timeout.
type Poller struct {
	log     *zap.Logger
	client  API
	handler BatchHandler
	cfg     Config

	batchTimeout time.Duration
}

// NewClient builds an SQS client, honoring an endpoint override.
func NewClient(awsCfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// NewPoller returns a poller for cfg.QueueURL.
func NewPoller(log *zap.Logger, client API, handler BatchHandler, cfg Config) *Poller {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	batchTimeout := cfg.VisibilityTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	return &Poller{log: log, client: client, handler: handler, cfg: cfg, batchTimeout: batchTimeout}
}

// Run polls with cfg.Workers independent loops until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		log := p.log.With(zap.Int("worker", i))
		group.Go(func() error {
			return p.loop(ctx, log)
		})
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Poller) loop(ctx context.Context, log *zap.Logger) error {
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := retry.NextBackOff()
			log.Warn("receive failed", zap.Duration("backoff", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
	}
}

// PollOnce receives one batch, processes it, and deletes acknowledged
// messages. It returns the number of messages received.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.cfg.QueueURL),
		MaxNumberOfMessages: int32(p.cfg.MaxMessages),
		WaitTimeSeconds:     int32(p.cfg.WaitTime / time.Second),
		VisibilityTimeout:   int32(max(p.cfg.VisibilityTimeout, 0) / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return 0, err
	}
	if len(out.Messages) == 0 {
		return 0, nil
	}

	log := p.log.With(zap.String("poll_id", uuid.NewString()))
	msgs := toMessages(out.Messages)

	// The batch must finish before its messages become visible again.
	batchCtx, cancel := context.WithTimeout(ctx, p.batchTimeout)
	result := p.handler.HandleBatch(batchCtx, msgs)
	cancel()

	acked := result.Acknowledged()
	if len(acked) > 0 {
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
		p.delete(ackCtx, log, acked)
		cancel()
	}

	log.Info("poll complete",
		zap.Int("received", len(msgs)),
		zap.Int("deleted", len(acked)))
	return len(msgs), nil
}

func (p *Poller) delete(ctx context.Context, log *zap.Logger, acked []ingest.MessageResult) {
	entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(acked))
	for i, m := range acked {
		entries = append(entries, types.DeleteMessageBatchRequestEntry{
			Id:            aws.String(strconv.Itoa(i)),
			ReceiptHandle: aws.String(m.ReceiptHandle),
		})
	}

	out, err := p.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(p.cfg.QueueURL),
		Entries:  entries,
	})
	if err != nil {
		// Processed messages will be redelivered and counted again.
		log.Error("delete batch failed", zap.Int("messages", len(entries)), zap.Error(err))
		return
	}

	for _, f := range out.Failed {
		idx, _ := strconv.Atoi(aws.ToString(f.Id))
		var id string
		if idx >= 0 && idx < len(acked) {
			id = acked[idx].MessageID
		}
		log.Error("delete failed",
			zap.String("message_id", id),
			zap.String("code", aws.ToString(f.Code)),
			zap.String("reason", aws.ToString(f.Message)))
	}
}

func toMessages(in []types.Message) []ingest.Message {
	msgs := make([]ingest.Message, 0, len(in))
	for _, m := range in {
		count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		msgs = append(msgs, ingest.Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
			ReceiveCount:  count,
		})
	}
	return msgs
}
