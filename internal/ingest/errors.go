package ingest

import "github.com/zeebo/errs"

var (
	// MalformedMessage marks a queue body that is not a notification envelope.
	// The message is retained and redelivered.
	MalformedMessage = errs.Class("malformed message")

	// ObjectNotFound marks an object deleted or renamed before its metadata
	// was fetched. The notification is skipped, not retried.
	ObjectNotFound = errs.Class("object not found")

	// MetricsWriteError marks a metric point the store did not accept after
	// retries. The message is retained and redelivered.
	MetricsWriteError = errs.Class("metrics write")
)
