package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sh3r4rd/file_metrics/internal/model"
	"github.com/sh3r4rd/file_metrics/internal/objectstore"
)

const (
	eventsTable = "file_events"
	typesTable  = "file_types"
)

type fakeStore struct {
	mu        sync.Mutex
	objects   map[string]objectstore.ObjectInfo
	failKeys  map[string]error
	deadlines []time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string]objectstore.ObjectInfo{}, failKeys: map[string]error{}}
}

func (f *fakeStore) put(key, contentType string, size int64) {
	f.objects[key] = objectstore.ObjectInfo{
		ContentType:   contentType,
		ContentLength: size,
		LastModified:  time.Date(2026, 10, 19, 11, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) Head(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if d, ok := ctx.Deadline(); ok {
		f.deadlines = append(f.deadlines, d)
	}
	if err, ok := f.failKeys[key]; ok {
		return objectstore.ObjectInfo{}, err
	}
	info, ok := f.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrNotFound.New("s3://%s/%s", bucket, key)
	}
	return info, nil
}

type write struct {
	table string
	point model.MetricPoint
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []write
	// failTable makes every write to that table fail.
	failTable string
	failKey   string
}

func (f *fakeWriter) Write(_ context.Context, table string, points ...model.MetricPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range points {
		if table == f.failTable {
			return errors.New("ThrottlingException: rate exceeded")
		}
		for _, d := range p.Dimensions {
			if d.Name == model.DimensionKey && d.Value == f.failKey {
				return errors.New("ValidationException: bad dimension")
			}
		}
		f.writes = append(f.writes, write{table: table, point: p})
	}
	return nil
}

func (f *fakeWriter) tables() []string {
	var out []string
	for _, w := range f.writes {
		out = append(out, w.table)
	}
	return out
}

type fakeLedger struct {
	seen     map[string]bool
	recorded []string
}

func (f *fakeLedger) Seen(_ context.Context, bucket, key, sequencer string) (bool, error) {
	return f.seen[model.ObjectID(bucket, key, sequencer)], nil
}

func (f *fakeLedger) Record(_ context.Context, rec model.FileMetadataRecord, sequencer string) error {
	f.recorded = append(f.recorded, model.ObjectID(rec.Bucket, rec.Key, sequencer))
	return nil
}

type harness struct {
	processor *Processor
	store     *fakeStore
	writer    *fakeWriter
	logs      *observer.ObservedLogs
}

func newHarness(t *testing.T, cfg Config) *harness {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(zapcore.NewTee(core, zaptest.NewLogger(t).Core()))

	if cfg.EventsTable == "" {
		cfg.EventsTable = eventsTable
		cfg.FileTypesTable = typesTable
	}

	h := &harness{store: newFakeStore(), writer: &fakeWriter{}, logs: logs}
	h.processor = NewProcessor(log, h.store, h.writer, nil, cfg, prometheus.NewRegistry())
	h.processor.now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 123456789, time.UTC) }
	return h
}

type objectFixture struct {
	key       string
	size      *int64
	sequencer string
}

func notificationBody(t *testing.T, objects ...objectFixture) string {
	var env model.NotificationEnvelope
	for _, o := range objects {
		var rec model.NotificationRecord
		rec.EventSource = "aws:s3"
		rec.EventName = "ObjectCreated:Put"
		rec.S3.Bucket.Name = "uploads"
		rec.S3.Object.Key = o.key
		rec.S3.Object.Size = o.size
		rec.S3.Object.Sequencer = o.sequencer
		env.Records = append(env.Records, rec)
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return string(data)
}

func size(n int64) *int64 { return &n }

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		want      int
		malformed bool
	}{
		{"two records", `{"Records":[{"s3":{"bucket":{"name":"b"},"object":{"key":"a.txt","size":1}}},{"s3":{"bucket":{"name":"b"},"object":{"key":"c"}}}]}`, 2, false},
		{"empty records", `{"Records":[]}`, 0, false},
		{"s3 test event", `{"Service":"Amazon S3","Event":"s3:TestEvent","Bucket":"b"}`, 0, false},
		{"not json", `Records: nope`, 0, true},
		{"no records", `{"foo":"bar"}`, 0, true},
		{"records not a list", `{"Records":{"s3":{}}}`, 0, true},
		{"missing key", `{"Records":[{"s3":{"bucket":{"name":"b"},"object":{}}}]}`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.body)
			if tt.malformed {
				require.Error(t, err)
				assert.True(t, MalformedMessage.Has(err))
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestReportScenario(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.put("report.PDF", "application/pdf", 50000)

	result := h.processor.HandleBatch(context.Background(), []Message{
		{ID: "m1", Body: notificationBody(t, objectFixture{key: "report.PDF", size: size(50000)})},
	})

	require.Len(t, result.Acknowledged(), 1)
	require.Len(t, h.writer.writes, 2)

	event, count := h.writer.writes[0], h.writer.writes[1]
	assert.Equal(t, eventsTable, event.table)
	assert.Equal(t, typesTable, count.table)

	assert.Equal(t, model.MeasureFileSize, event.point.MeasureName)
	assert.Equal(t, int64(50000), event.point.MeasureValue)
	assert.Contains(t, event.point.Dimensions, model.Dimension{Name: model.DimensionKey, Value: "report.PDF"})
	assert.Contains(t, event.point.Dimensions, model.Dimension{Name: model.DimensionExtension, Value: "pdf"})
	assert.Contains(t, event.point.Dimensions, model.Dimension{Name: model.DimensionContentType, Value: "application/pdf"})

	assert.Equal(t, model.MeasureFileCount, count.point.MeasureName)
	assert.Equal(t, int64(1), count.point.MeasureValue)
	assert.Equal(t, []model.Dimension{{Name: model.DimensionExtension, Value: "pdf"}}, count.point.Dimensions)

	assert.True(t, event.point.Time.Equal(count.point.Time), "both points share one timestamp")
	assert.Equal(t, 0, event.point.Time.Nanosecond()%int(time.Millisecond), "timestamp has millisecond precision")

	rec := result.Messages[0].Objects[0].Record
	require.NotNil(t, rec)
	assert.Equal(t, "pdf", rec.Extension)
}

func TestMessageWithAllNotificationsSucceeding(t *testing.T) {
	h := newHarness(t, Config{})
	keys := []string{"a.txt", "b/c.JPG", "noext"}
	fixtures := make([]objectFixture, 0, len(keys))
	for _, k := range keys {
		h.store.put(k, "", 10)
		fixtures = append(fixtures, objectFixture{key: k, size: size(10)})
	}

	result := h.processor.HandleBatch(context.Background(), []Message{
		{ID: "m1", Body: notificationBody(t, fixtures...)},
	})

	assert.Len(t, result.Acknowledged(), 1)
	assert.Empty(t, result.Retained())
	assert.Len(t, h.writer.writes, len(keys)*2)
	assert.Equal(t, []string{eventsTable, typesTable, eventsTable, typesTable, eventsTable, typesTable}, h.writer.tables())

	for _, obj := range result.Messages[0].Objects {
		assert.Equal(t, StatusRecorded, obj.Status)
		assert.Equal(t, model.DefaultContentType, obj.Record.ContentType)
	}
}

func TestOneFailingNotificationRetainsWholeMessage(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.put("a.txt", "text/plain", 1)
	h.store.put("poison.bin", "application/octet-stream", 2)
	h.store.put("c.txt", "text/plain", 3)
	h.store.put("sibling.txt", "text/plain", 4)
	h.writer.failKey = "poison.bin"

	result := h.processor.HandleBatch(context.Background(), []Message{
		{ID: "m1", Body: notificationBody(t, objectFixture{key: "a.txt"}, objectFixture{key: "poison.bin"}, objectFixture{key: "c.txt"})},
		{ID: "m2", Body: notificationBody(t, objectFixture{key: "sibling.txt"})},
	})

	require.Len(t, result.Messages, 2)
	failed := result.Messages[0]
	assert.False(t, failed.Acknowledged)
	assert.True(t, MetricsWriteError.Has(failed.Err))
	require.Len(t, failed.Objects, 2, "processing stops at the failing notification")
	assert.Equal(t, StatusRecorded, failed.Objects[0].Status)
	assert.Equal(t, StatusFailed, failed.Objects[1].Status)

	assert.True(t, result.Messages[1].Acknowledged, "sibling messages are unaffected")

	resp := result.SQSEventResponse()
	assert.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "m1"}}, resp.BatchItemFailures)
}

func TestMissingObjectIsSkipped(t *testing.T) {
	h := newHarness(t, Config{})

	result := h.processor.HandleBatch(context.Background(), []Message{
		{ID: "m1", Body: notificationBody(t, objectFixture{key: "deleted.txt", size: size(5)})},
	})

	require.Len(t, result.Acknowledged(), 1, "a vanished object must not cause redelivery")
	assert.Empty(t, h.writer.writes)
	obj := result.Messages[0].Objects[0]
	assert.Equal(t, StatusMissing, obj.Status)
	assert.True(t, ObjectNotFound.Has(obj.Err))

	warnings := h.logs.FilterMessage("object disappeared before processing, skipping").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "deleted.txt", warnings[0].ContextMap()["key"])
	assert.Equal(t, "m1", warnings[0].ContextMap()["message_id"])
}

func TestProcessObjectReturnsObjectNotFound(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.processor.ProcessObject(context.Background(), model.UploadNotification{Bucket: "uploads", Key: "gone"})
	require.Error(t, err)
	assert.True(t, ObjectNotFound.Has(err))
	assert.Empty(t, h.writer.writes)
}

func TestStoreErrorRetainsMessage(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.failKeys["flaky.txt"] = objectstore.Error.New("connection reset")

	result := h.processor.HandleBatch(context.Background(), []Message{
		{ID: "m1", Body: notificationBody(t, objectFixture{key: "flaky.txt"})},
	})

	assert.Empty(t, result.Acknowledged())
	assert.True(t, objectstore.Error.Has(result.Messages[0].Err))
}

func TestMalformedMessageIsRetained(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.put("ok.txt", "text/plain", 1)

	result := h.processor.HandleBatch(context.Background(), []Message{
		{ID: "bad", Body: "{not json"},
		{ID: "good", Body: notificationBody(t, objectFixture{key: "ok.txt"})},
	})

	assert.False(t, result.Messages[0].Acknowledged)
	assert.True(t, MalformedMessage.Has(result.Messages[0].Err))
	assert.True(t, result.Messages[1].Acknowledged)
	assert.Len(t, h.writer.writes, 2)
}

func TestAbsentSizeFallsBackToContentLength(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.put("big.iso", "application/x-iso9660-image", 4096)

	result := h.processor.HandleBatch(context.Background(), []Message{
		{ID: "m1", Body: notificationBody(t, objectFixture{key: "big.iso"})},
	})

	require.Len(t, result.Acknowledged(), 1)
	assert.Equal(t, int64(4096), h.writer.writes[0].point.MeasureValue)
}

func TestPartialWrite(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.put("a.txt", "text/plain", 1)
	h.writer.failTable = typesTable

	result := h.processor.HandleBatch(context.Background(), []Message{
		{ID: "m1", Body: notificationBody(t, objectFixture{key: "a.txt"})},
	})

	assert.Empty(t, result.Acknowledged())
	assert.Equal(t, []string{eventsTable}, h.writer.tables(), "the event point stays written")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.processor.metrics.partialWrites))
	assert.True(t, MetricsWriteError.Has(result.Messages[0].Err))
}

func TestLedgerSkipsRecordedVersions(t *testing.T) {
	h := newHarness(t, Config{})
	led := &fakeLedger{seen: map[string]bool{model.ObjectID("uploads", "old.txt", "01"): true}}
	h.processor.ledger = led
	h.store.put("old.txt", "text/plain", 1)
	h.store.put("new.txt", "text/plain", 1)

	result := h.processor.HandleBatch(context.Background(), []Message{
		{ID: "m1", Body: notificationBody(t, objectFixture{key: "old.txt", sequencer: "01"}, objectFixture{key: "new.txt", sequencer: "02"})},
	})

	require.Len(t, result.Acknowledged(), 1)
	objs := result.Messages[0].Objects
	assert.Equal(t, StatusDuplicate, objs[0].Status)
	assert.Equal(t, StatusRecorded, objs[1].Status)
	assert.Len(t, h.writer.writes, 2)
	assert.Equal(t, []string{model.ObjectID("uploads", "new.txt", "02")}, led.recorded)
}

func TestPoisonMessageAlert(t *testing.T) {
	h := newHarness(t, Config{RedeliveryAlertThreshold: 3})

	result := h.processor.HandleBatch(context.Background(), []Message{
		{ID: "young", Body: "garbage", ReceiveCount: 2},
		{ID: "old", Body: "garbage", ReceiveCount: 3},
	})

	assert.False(t, result.Messages[0].Poison)
	assert.True(t, result.Messages[1].Poison)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.processor.metrics.poison))
	assert.Equal(t, 1, h.logs.FilterMessage("poison message: repeated redelivery keeps failing").Len())
}

func TestCallContextRespectsInvocationDeadline(t *testing.T) {
	h := newHarness(t, Config{CallTimeout: 10 * time.Second, DeadlineHeadroom: 2 * time.Second})
	h.store.put("a.txt", "text/plain", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	invocationDeadline, _ := ctx.Deadline()

	h.processor.HandleBatch(ctx, []Message{{ID: "m1", Body: notificationBody(t, objectFixture{key: "a.txt"})}})

	require.Len(t, h.store.deadlines, 1)
	assert.False(t, h.store.deadlines[0].After(invocationDeadline.Add(-2*time.Second)),
		"calls must end before the headroom reserved for acknowledgment")
}

func TestCallContextWithoutDeadline(t *testing.T) {
	h := newHarness(t, Config{CallTimeout: 3 * time.Second})
	h.store.put("a.txt", "text/plain", 1)

	before := time.Now()
	h.processor.HandleBatch(context.Background(), []Message{{ID: "m1", Body: notificationBody(t, objectFixture{key: "a.txt"})}})

	require.Len(t, h.store.deadlines, 1)
	assert.WithinDuration(t, before.Add(3*time.Second), h.store.deadlines[0], time.Second)
}

func TestHandleSQSEvent(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.put("a.txt", "text/plain", 1)

	resp, err := h.processor.HandleSQSEvent(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "ok", ReceiptHandle: "r1", Body: notificationBody(t, objectFixture{key: "a.txt"})},
		{MessageId: "bad", ReceiptHandle: "r2", Body: "nope", Attributes: map[string]string{"ApproximateReceiveCount": "4"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "bad"}}, resp.BatchItemFailures)
}

func TestMessagesFromSQSEvent(t *testing.T) {
	msgs := MessagesFromSQSEvent(events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m1", ReceiptHandle: "r1", Body: "{}", Attributes: map[string]string{"ApproximateReceiveCount": "7"}},
		{MessageId: "m2", ReceiptHandle: "r2", Body: "{}"},
	}})

	assert.Equal(t, []Message{
		{ID: "m1", ReceiptHandle: "r1", Body: "{}", ReceiveCount: 7},
		{ID: "m2", ReceiptHandle: "r2", Body: "{}", ReceiveCount: 0},
	}, msgs)
}

func TestConcurrentBatches(t *testing.T) {
	h := newHarness(t, Config{})
	for i := 0; i < 8; i++ {
		h.store.put(fmt.Sprintf("f%d.txt", i), "text/plain", int64(i))
	}

	bodies := make([]string, 8)
	for i := range bodies {
		bodies[i] = notificationBody(t, objectFixture{key: fmt.Sprintf("f%d.txt", i)})
	}

	var wg sync.WaitGroup
	for i, body := range bodies {
		wg.Add(1)
		go func(i int, body string) {
			defer wg.Done()
			h.processor.HandleBatch(context.Background(), []Message{{ID: fmt.Sprintf("m%d", i), Body: body}})
		}(i, body)
	}
	wg.Wait()

	assert.Len(t, h.writer.writes, 16)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "recorded", StatusRecorded.String())
	assert.Equal(t, "missing", StatusMissing.String())
	assert.Equal(t, "duplicate", StatusDuplicate.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "unknown", Status(42).String())
}
