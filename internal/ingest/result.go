package ingest

import (
	"github.com/aws/aws-lambda-go/events"

	"github.com/sh3r4rd/file_metrics/internal/model"
)

// Status is the outcome of one notification.
type Status int

const (
	// StatusRecorded means both metric points were written.
	StatusRecorded Status = iota
	// StatusMissing means the object no longer existed; nothing was written.
	StatusMissing
	// StatusDuplicate means the ledger already held this object version.
	StatusDuplicate
	// StatusFailed means the notification must be retried.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRecorded:
		return "recorded"
	case StatusMissing:
		return "missing"
	case StatusDuplicate:
		return "duplicate"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ObjectResult is the outcome of one notification.
type ObjectResult struct {
	Notification model.UploadNotification
	Status       Status
	Record       *model.FileMetadataRecord
	Err          error
}

// MessageResult is the acknowledge/retain decision for one message.
type MessageResult struct {
	MessageID     string
	ReceiptHandle string
	Acknowledged  bool
	Poison        bool
	Objects       []ObjectResult
	Err           error
}

// BatchResult collects the decisions for every message of a batch.
type BatchResult struct {
	Messages []MessageResult
}

// Acknowledged returns the messages that may be deleted from the queue.
func (b BatchResult) Acknowledged() []MessageResult {
	var out []MessageResult
	for _, m := range b.Messages {
		if m.Acknowledged {
			out = append(out, m)
		}
	}
	return out
}

// Retained returns the messages left on the queue for redelivery.
func (b BatchResult) Retained() []MessageResult {
	var out []MessageResult
	for _, m := range b.Messages {
		if !m.Acknowledged {
			out = append(out, m)
		}
	}
	return out
}

// SQSEventResponse reports retained messages as batch item failures, so
// Lambda deletes only the acknowledged ones. The event source mapping must
// enable ReportBatchItemFailures.
func (b BatchResult) SQSEventResponse() events.SQSEventResponse {
	resp := events.SQSEventResponse{BatchItemFailures: []events.SQSBatchItemFailure{}}
	for _, m := range b.Retained() {
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
			ItemIdentifier: m.MessageID,
		})
	}
	return resp
}
