package model

import (
	"fmt"
	"time"
)

// FileMetadataRecord is the per-object metadata derived while processing a
// notification. It only lives for the duration of one invocation.
type FileMetadataRecord struct {
	Bucket       string
	Key          string
	SizeBytes    int64
	ContentType  string
	Extension    string
	LastModified time.Time
	ProcessedAt  time.Time
}

// EventPoint is the file_size point for the events table.
func (r FileMetadataRecord) EventPoint() MetricPoint {
	return MetricPoint{
		Dimensions: []Dimension{
			{Name: DimensionBucket, Value: r.Bucket},
			{Name: DimensionKey, Value: r.Key},
			{Name: DimensionContentType, Value: r.ContentType},
			{Name: DimensionExtension, Value: r.Extension},
		},
		MeasureName:  MeasureFileSize,
		MeasureValue: r.SizeBytes,
		Time:         r.ProcessedAt,
	}
}

// TypeCountPoint is the file_count point for the file types table. Its value is always 1.
func (r FileMetadataRecord) TypeCountPoint() MetricPoint {
	return MetricPoint{
		Dimensions: []Dimension{
			{Name: DimensionExtension, Value: r.Extension},
		},
		MeasureName:  MeasureFileCount,
		MeasureValue: 1,
		Time:         r.ProcessedAt,
	}
}

// ProcessedObject represents a single item in the processed-objects ledger table.
type ProcessedObject struct {
	ObjectID    string `dynamodbav:"objectId"`
	Bucket      string `dynamodbav:"bucket"`
	Key         string `dynamodbav:"key"`
	Sequencer   string `dynamodbav:"sequencer"`
	Extension   string `dynamodbav:"extension"`
	SizeBytes   int64  `dynamodbav:"sizeBytes"`
	ProcessedAt string `dynamodbav:"processedAt"`
	TTL         int64  `dynamodbav:"ttl"`
}

// ObjectID identifies one version of an object in the ledger. The sequencer
// distinguishes overwrites of the same key.
func ObjectID(bucket, key, sequencer string) string {
	return fmt.Sprintf("%s/%s#%s", bucket, key, sequencer)
}
