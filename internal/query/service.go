// Package query answers the two fixed read shapes of the metrics API.
package query

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/sh3r4rd/file_metrics/internal/model"
	"github.com/sh3r4rd/file_metrics/internal/timeseries"
)

// Error is the error class for failed reads.
var Error = errs.Class("query")

// timeLayout is how the store renders timestamp columns.
const timeLayout = "2006-01-02 15:04:05.999999999"

// Runner executes a query and returns its rows.
type Runner interface {
	Query(ctx context.Context, query string) ([]timeseries.Row, error)
}

// Config names the tables read by Service.
type Config struct {
	Database       string
	EventsTable    string
	FileTypesTable string
}

// Service translates reads into queries and shapes the rows.
type Service struct {
	log    *zap.Logger
	runner Runner
	cfg    Config
	now    func() time.Time

	failures *prometheus.CounterVec
}

// NewService returns a Service. Metrics are registered on reg.
func NewService(log *zap.Logger, runner Runner, cfg Config, reg prometheus.Registerer) *Service {
	return &Service{
		log:    log,
		runner: runner,
		cfg:    cfg,
		now:    time.Now,
		failures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "file_metrics",
			Name:      "query_failures_total",
			Help:      "Metric queries that failed and were answered with an empty result.",
		}, []string{"query"}),
	}
}

// GetFileTypes returns the upload count per extension, highest count first.
func (s *Service) GetFileTypes(ctx context.Context) Result[model.FileTypeCount] {
	q := fmt.Sprintf(`SELECT %[1]s AS extension, SUM(measure_value::bigint) AS count, MAX(time) AS last_update
FROM %[2]s
WHERE measure_name = '%[3]s'
GROUP BY %[1]s
ORDER BY count DESC`,
		model.DimensionExtension, s.table(s.cfg.FileTypesTable), model.MeasureFileCount)

	rows, err := s.runner.Query(ctx, q)
	if err != nil {
		return failed[model.FileTypeCount](s, "file_types", err)
	}

	items := make([]model.FileTypeCount, 0, len(rows))
	for _, row := range rows {
		count, err := strconv.ParseInt(row["count"], 10, 64)
		if err != nil {
			s.log.Warn("skipping file type row", zap.Any("row", row), zap.Error(err))
			continue
		}
		items = append(items, model.FileTypeCount{
			Extension:  row["extension"],
			Count:      count,
			LastUpdate: row["last_update"],
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Count > items[j].Count })

	return ok(items)
}

// GetRecentFiles returns at most model.MaxRecentFiles events newer than
// window before now, newest first.
func (s *Service) GetRecentFiles(ctx context.Context, window time.Duration) Result[model.RecentFile] {
	if window <= 0 {
		window = model.DefaultRecentWindow
	}
	cutoff := s.now().UTC().Add(-window)

	q := fmt.Sprintf(`SELECT %[1]s, measure_value::bigint AS size, %[2]s, time
FROM %[3]s
WHERE measure_name = '%[4]s' AND time > from_iso8601_timestamp('%[5]s')
ORDER BY time DESC
LIMIT %[6]d`,
		model.DimensionKey, model.DimensionExtension, s.table(s.cfg.EventsTable),
		model.MeasureFileSize, cutoff.Format(time.RFC3339Nano), model.MaxRecentFiles)

	rows, err := s.runner.Query(ctx, q)
	if err != nil {
		return failed[model.RecentFile](s, "recent_files", err)
	}

	type event struct {
		at   time.Time
		file model.RecentFile
	}
	events := make([]event, 0, len(rows))
	for _, row := range rows {
		at, err := time.ParseInLocation(timeLayout, row["time"], time.UTC)
		if err != nil {
			s.log.Warn("skipping recent file row", zap.Any("row", row), zap.Error(err))
			continue
		}
		if !at.After(cutoff) {
			continue
		}
		size, err := strconv.ParseInt(row["size"], 10, 64)
		if err != nil {
			s.log.Warn("skipping recent file row", zap.Any("row", row), zap.Error(err))
			continue
		}
		events = append(events, event{at: at, file: model.RecentFile{
			Key:           row[model.DimensionKey],
			Size:          size,
			FileExtension: row[model.DimensionExtension],
			Timestamp:     row["time"],
		}})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].at.After(events[j].at) })
	if len(events) > model.MaxRecentFiles {
		events = events[:model.MaxRecentFiles]
	}

	items := make([]model.RecentFile, 0, len(events))
	for _, e := range events {
		items = append(items, e.file)
	}
	return ok(items)
}

func (s *Service) table(name string) string {
	return quote(s.cfg.Database) + "." + quote(name)
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func failed[T any](s *Service, name string, err error) Result[T] {
	s.failures.WithLabelValues(name).Inc()
	s.log.Error("metric query failed, answering with an empty result",
		zap.String("query", name), zap.Error(err))
	return Result[T]{Items: []T{}, Status: StatusFailed, Err: Error.Wrap(err)}
}
