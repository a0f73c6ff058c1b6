// Package config reads process configuration from the environment once at start.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/zeebo/errs"

	"github.com/sh3r4rd/file_metrics/internal/model"
)

// maxVisibilityTimeout is the largest visibility timeout SQS accepts.
const maxVisibilityTimeout = 12 * time.Hour

// Error is the error class for invalid configuration.
var Error = errs.Class("config")

// Config is immutable after Load returns.
type Config struct {
	Region      string
	EndpointURL string

	QueueURL   string
	BucketName string

	DatabaseName   string
	EventsTable    string
	FileTypesTable string
	LedgerTable    string

	LogLevel  string
	LogFormat string

	CallTimeout              time.Duration
	DeadlineHeadroom         time.Duration
	WriteMaxAttempts         int
	WriteInitialBackoff      time.Duration
	WriteMaxBackoff          time.Duration
	RedeliveryAlertThreshold int

	Poller PollerConfig
	API    APIConfig
}

// PollerConfig controls the SQS long-poll host.
type PollerConfig struct {
	Workers           int
	WaitTime          time.Duration
	MaxMessages       int
	VisibilityTimeout time.Duration
	MetricsListen     string
}

// APIConfig controls the metrics query HTTP service.
type APIConfig struct {
	Listen               string
	PropagateQueryErrors bool
	RecentWindow         time.Duration
	AllowedOrigins       []string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("aws_region", "us-east-1")
	v.SetDefault("timestream_db_name", model.DefaultDatabaseName)
	v.SetDefault("timestream_events_table", model.DefaultEventsTable)
	v.SetDefault("timestream_file_types_table", model.DefaultFileTypesTable)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("call_timeout", 10*time.Second)
	v.SetDefault("deadline_headroom", 2*time.Second)
	v.SetDefault("write_max_attempts", 4)
	v.SetDefault("write_initial_backoff", 100*time.Millisecond)
	v.SetDefault("write_max_backoff", 2*time.Second)
	v.SetDefault("redelivery_alert_threshold", 5)

	v.SetDefault("poller_workers", 1)
	v.SetDefault("poller_wait_time", 20*time.Second)
	v.SetDefault("poller_max_messages", model.DefaultBatchSize)
	v.SetDefault("poller_visibility_timeout", 300*time.Second)
	v.SetDefault("poller_metrics_listen", ":9090")

	v.SetDefault("api_listen", ":5000")
	v.SetDefault("api_propagate_query_errors", false)
	v.SetDefault("recent_files_window", model.DefaultRecentWindow)
	v.SetDefault("api_allowed_origins", "*")
}

// New returns a viper instance bound to the process environment with defaults applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	// The processor stack historically exported the events table under this name.
	_ = v.BindEnv("timestream_events_table", "TIMESTREAM_EVENTS_TABLE", "TIMESTREAM_TABLE_NAME")
	_ = v.BindEnv("ledger_table", "LEDGER_TABLE_NAME")
	_ = v.BindEnv("endpoint_url", "AWS_ENDPOINT_URL")
	_ = v.BindEnv("queue_url", "SQS_QUEUE_URL")
	_ = v.BindEnv("bucket_name", "BUCKET_NAME")
	return v
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	return FromViper(New())
}

// FromViper builds a Config from v and validates it.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Region:      v.GetString("aws_region"),
		EndpointURL: v.GetString("endpoint_url"),

		QueueURL:   v.GetString("queue_url"),
		BucketName: v.GetString("bucket_name"),

		DatabaseName:   v.GetString("timestream_db_name"),
		EventsTable:    v.GetString("timestream_events_table"),
		FileTypesTable: v.GetString("timestream_file_types_table"),
		LedgerTable:    v.GetString("ledger_table"),

		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),

		CallTimeout:              v.GetDuration("call_timeout"),
		DeadlineHeadroom:         v.GetDuration("deadline_headroom"),
		WriteMaxAttempts:         v.GetInt("write_max_attempts"),
		WriteInitialBackoff:      v.GetDuration("write_initial_backoff"),
		WriteMaxBackoff:          v.GetDuration("write_max_backoff"),
		RedeliveryAlertThreshold: v.GetInt("redelivery_alert_threshold"),

		Poller: PollerConfig{
			Workers:           v.GetInt("poller_workers"),
			WaitTime:          v.GetDuration("poller_wait_time"),
			MaxMessages:       v.GetInt("poller_max_messages"),
			VisibilityTimeout: v.GetDuration("poller_visibility_timeout"),
			MetricsListen:     v.GetString("poller_metrics_listen"),
		},
		API: APIConfig{
			Listen:               v.GetString("api_listen"),
			PropagateQueryErrors: v.GetBool("api_propagate_query_errors"),
			RecentWindow:         v.GetDuration("recent_files_window"),
			AllowedOrigins:       splitList(v.GetString("api_allowed_origins")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings every binary depends on.
func (c Config) Validate() error {
	var group errs.Group

	if c.Region == "" {
		group.Add(Error.New("AWS_REGION is required"))
	}
	if c.DatabaseName == "" {
		group.Add(Error.New("TIMESTREAM_DB_NAME is required"))
	}
	if c.EventsTable == "" || c.FileTypesTable == "" {
		group.Add(Error.New("TIMESTREAM_EVENTS_TABLE and TIMESTREAM_FILE_TYPES_TABLE are required"))
	}
	if c.EventsTable != "" && c.EventsTable == c.FileTypesTable {
		group.Add(Error.New("events and file types tables must differ, both are %q", c.EventsTable))
	}
	if c.CallTimeout <= 0 {
		group.Add(Error.New("CALL_TIMEOUT must be positive, got %v", c.CallTimeout))
	}
	if c.DeadlineHeadroom < 0 {
		group.Add(Error.New("DEADLINE_HEADROOM must be >= 0, got %v", c.DeadlineHeadroom))
	}
	if c.WriteMaxAttempts < 1 {
		group.Add(Error.New("WRITE_MAX_ATTEMPTS must be >= 1, got %d", c.WriteMaxAttempts))
	}
	if c.WriteMaxBackoff < c.WriteInitialBackoff {
		group.Add(Error.New("WRITE_MAX_BACKOFF must be >= WRITE_INITIAL_BACKOFF"))
	}
	if c.API.RecentWindow <= 0 {
		group.Add(Error.New("RECENT_FILES_WINDOW must be positive, got %v", c.API.RecentWindow))
	}

	return group.Err()
}

// ValidatePoller checks the settings only the poller needs.
func (c Config) ValidatePoller() error {
	var group errs.Group

	if c.QueueURL == "" {
		group.Add(Error.New("SQS_QUEUE_URL is required"))
	}
	if c.Poller.Workers < 1 {
		group.Add(Error.New("POLLER_WORKERS must be >= 1, got %d", c.Poller.Workers))
	}
	if c.Poller.MaxMessages < 1 || c.Poller.MaxMessages > 10 {
		group.Add(Error.New("POLLER_MAX_MESSAGES must be between 1 and 10, got %d", c.Poller.MaxMessages))
	}
	if c.Poller.VisibilityTimeout <= 0 || c.Poller.VisibilityTimeout > maxVisibilityTimeout {
		group.Add(Error.New("POLLER_VISIBILITY_TIMEOUT must be between 1s and 12h, got %v", c.Poller.VisibilityTimeout))
	}
	if c.Poller.WaitTime < 0 || c.Poller.WaitTime > 20*time.Second {
		group.Add(Error.New("POLLER_WAIT_TIME must be between 0s and 20s, got %v", c.Poller.WaitTime))
	}

	return group.Err()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
