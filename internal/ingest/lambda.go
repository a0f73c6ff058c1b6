package ingest

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
)

// HandleSQSEvent is the Lambda entry point for SQS-triggered invocations.
func (p *Processor) HandleSQSEvent(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	result := p.HandleBatch(ctx, MessagesFromSQSEvent(event))
	return result.SQSEventResponse(), nil
}
