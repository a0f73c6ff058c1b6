package model

import (
	"net/url"
	"time"
)

// NotificationEnvelope is the JSON body S3 places on the queue for object-created events.
type NotificationEnvelope struct {
	Records []NotificationRecord `json:"Records"`
}

// NotificationRecord is a single entry of NotificationEnvelope.Records.
type NotificationRecord struct {
	EventSource string         `json:"eventSource"`
	EventName   string         `json:"eventName"`
	EventTime   time.Time      `json:"eventTime"`
	S3          NotificationS3 `json:"s3"`
}

// NotificationS3 holds the bucket and object sections of a record.
type NotificationS3 struct {
	Bucket struct {
		Name string `json:"name"`
	} `json:"bucket"`
	Object struct {
		Key       string `json:"key"`
		Size      *int64 `json:"size,omitempty"`
		ETag      string `json:"eTag"`
		Sequencer string `json:"sequencer"`
	} `json:"object"`
}

// UploadNotification is one object-creation event, flattened and with its key decoded.
type UploadNotification struct {
	Bucket    string
	Key       string
	Size      int64
	HasSize   bool
	Sequencer string
	ArrivedAt time.Time
}

// Notification flattens the record. S3 URL-encodes object keys in event
// payloads; an undecodable key is passed through verbatim.
func (r NotificationRecord) Notification() UploadNotification {
	key := r.S3.Object.Key
	if decoded, err := url.QueryUnescape(key); err == nil {
		key = decoded
	}

	n := UploadNotification{
		Bucket:    r.S3.Bucket.Name,
		Key:       key,
		Sequencer: r.S3.Object.Sequencer,
		ArrivedAt: r.EventTime,
	}
	if r.S3.Object.Size != nil {
		n.Size = *r.S3.Object.Size
		n.HasSize = true
	}
	return n
}
