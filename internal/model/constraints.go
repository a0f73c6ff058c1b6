package model

import "time"

// Domain constants shared across the processor, query, and storage packages.
const (
	DefaultContentType = "application/octet-stream"
	UnknownExtension   = "unknown"

	DefaultDatabaseName   = "file_metrics_db"
	DefaultEventsTable    = "file_events"
	DefaultFileTypesTable = "file_types"

	MaxRecentFiles      = 20
	DefaultRecentWindow = time.Hour
	DefaultBatchSize    = 10

	MemoryStoreRetention   = 24 * time.Hour
	MagneticStoreRetention = 7 * 24 * time.Hour // also the ledger item TTL
)

// Measure names written to the time-series tables.
const (
	MeasureFileSize  = "file_size"
	MeasureFileCount = "file_count"
)

// Dimension names shared by the writer and the query strings.
const (
	DimensionBucket      = "bucket"
	DimensionKey         = "key"
	DimensionContentType = "content_type"
	DimensionExtension   = "file_extension"
)
