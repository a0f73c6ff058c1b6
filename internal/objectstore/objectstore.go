// Package objectstore fetches object metadata from S3-compatible storage.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the error class for failed metadata lookups.
	Error = errs.Class("objectstore")
	// ErrNotFound is returned when the object no longer exists.
	ErrNotFound = errs.Class("no such object")
)

// ObjectInfo is the subset of HEAD metadata the processor needs.
type ObjectInfo struct {
	ContentType   string
	ContentLength int64
	LastModified  time.Time
	ETag          string
}

// Store looks up object metadata by bucket and key.
type Store struct {
	log    *zap.Logger
	client s3.HeadObjectAPIClient
}

// New wraps an S3 HEAD client.
func New(log *zap.Logger, client s3.HeadObjectAPIClient) *Store {
	return &Store{log: log, client: client}
}

// NewClient builds an S3 client. A non-empty endpoint switches to path-style
// addressing for MinIO and LocalStack.
func NewClient(awsCfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

// Head returns metadata for bucket/key. A missing object yields ErrNotFound.
func (s *Store) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, ErrNotFound.Wrap(fmt.Errorf("head s3://%s/%s: %w", bucket, key, err))
		}
		return ObjectInfo{}, Error.Wrap(fmt.Errorf("head s3://%s/%s: %w", bucket, key, err))
	}

	info := ObjectInfo{
		ContentType:   aws.ToString(out.ContentType),
		ContentLength: aws.ToInt64(out.ContentLength),
		LastModified:  aws.ToTime(out.LastModified),
		ETag:          aws.ToString(out.ETag),
	}

	s.log.Debug("object metadata",
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.String("content_type", info.ContentType),
		zap.Int64("content_length", info.ContentLength))

	return info, nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
