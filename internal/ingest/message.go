package ingest

import (
	"encoding/json"
	"strconv"

	"github.com/aws/aws-lambda-go/events"

	"github.com/sh3r4rd/file_metrics/internal/model"
)

// s3TestEvent is the body S3 sends once when a notification target is configured.
const s3TestEvent = "s3:TestEvent"

// Message is one queue message, independent of the host that delivered it.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	ReceiveCount  int
}

// MessagesFromSQSEvent converts a Lambda SQS event into messages.
func MessagesFromSQSEvent(event events.SQSEvent) []Message {
	msgs := make([]Message, 0, len(event.Records))
	for _, r := range event.Records {
		count, _ := strconv.Atoi(r.Attributes["ApproximateReceiveCount"])
		msgs = append(msgs, Message{
			ID:            r.MessageId,
			ReceiptHandle: r.ReceiptHandle,
			Body:          r.Body,
			ReceiveCount:  count,
		})
	}
	return msgs
}

type envelope struct {
	Records *[]model.NotificationRecord `json:"Records"`
	Event   string                      `json:"Event"`
}

// ParseMessage decodes body into notifications. An S3 test event yields no
// notifications and no error.
func ParseMessage(body string) ([]model.UploadNotification, error) {
	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, MalformedMessage.Wrap(err)
	}
	if env.Records == nil {
		if env.Event == s3TestEvent {
			return nil, nil
		}
		return nil, MalformedMessage.New("body has no Records list")
	}

	notifications := make([]model.UploadNotification, 0, len(*env.Records))
	for i, r := range *env.Records {
		n := r.Notification()
		if n.Bucket == "" || n.Key == "" {
			return nil, MalformedMessage.New("record %d is missing bucket name or object key", i)
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}
