// Package ledger remembers which object versions already produced metric
// points, so redelivered notifications are not counted twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/zeebo/errs"

	"github.com/sh3r4rd/file_metrics/internal/model"
)

// Error is the error class for ledger failures.
var Error = errs.Class("ledger")

// Ledger records processed object versions.
type Ledger interface {
	Seen(ctx context.Context, bucket, key, sequencer string) (bool, error)
	Record(ctx context.Context, rec model.FileMetadataRecord, sequencer string) error
}

// DynamoAPI is the subset of the DynamoDB client used by Dynamo.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Dynamo is a Ledger backed by a DynamoDB table keyed on objectId.
type Dynamo struct {
	client DynamoAPI
	table  string
	ttl    time.Duration
	now    func() time.Time
}

// NewClient builds a DynamoDB client, honoring an endpoint override.
func NewClient(awsCfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// NewDynamo returns a ledger writing to table. Items expire with the
// magnetic retention tier of the metric tables.
func NewDynamo(client DynamoAPI, table string) *Dynamo {
	return &Dynamo{
		client: client,
		table:  table,
		ttl:    model.MagneticStoreRetention,
		now:    time.Now,
	}
}

// Seen reports whether the object version was already recorded.
func (d *Dynamo) Seen(ctx context.Context, bucket, key, sequencer string) (bool, error) {
	id, err := attributevalue.Marshal(model.ObjectID(bucket, key, sequencer))
	if err != nil {
		return false, Error.Wrap(err)
	}

	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(d.table),
		Key:                  map[string]types.AttributeValue{"objectId": id},
		ProjectionExpression: aws.String("objectId"),
	})
	if err != nil {
		return false, Error.Wrap(fmt.Errorf("get %s: %w", model.ObjectID(bucket, key, sequencer), err))
	}
	return len(out.Item) > 0, nil
}

// Record stores rec. Recording an already present version is not an error.
func (d *Dynamo) Record(ctx context.Context, rec model.FileMetadataRecord, sequencer string) error {
	now := d.now().UTC()
	item := model.ProcessedObject{
		ObjectID:    model.ObjectID(rec.Bucket, rec.Key, sequencer),
		Bucket:      rec.Bucket,
		Key:         rec.Key,
		Sequencer:   sequencer,
		Extension:   rec.Extension,
		SizeBytes:   rec.SizeBytes,
		ProcessedAt: rec.ProcessedAt.UTC().Format(time.RFC3339Nano),
		TTL:         now.Add(d.ttl).Unix(),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return Error.Wrap(err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(objectId)"),
	})
	if err != nil {
		var exists *types.ConditionalCheckFailedException
		if errors.As(err, &exists) {
			return nil
		}
		return Error.Wrap(fmt.Errorf("put %s: %w", item.ObjectID, err))
	}
	return nil
}

// Nop is a Ledger that never remembers anything.
type Nop struct{}

// Seen always reports false.
func (Nop) Seen(context.Context, string, string, string) (bool, error) { return false, nil }

// Record does nothing.
func (Nop) Record(context.Context, model.FileMetadataRecord, string) error { return nil }

var (
	_ Ledger = (*Dynamo)(nil)
	_ Ledger = Nop{}
)
