package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/mail"
	"net/url"
	"time"

	"github.com/linnemanlabs/threatwatch/internal/alert"
)

// Config holds the application settings. Every field is bound to a flag and,
// through FillFromEnv in main, to a THREATWATCH_ environment variable.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	MediumThreshold     float64
	HighThreshold       float64
	CriticalCutoff      float64
	ConfidenceThreshold float64

	BufferCapacity int
	BatchSize      int
	PollInterval   time.Duration
	RetryBackoff   time.Duration
	CollectWindow  time.Duration

	WebhookURL string
	AlertEmail string

	ModelPath       string
	RetrainInterval time.Duration
	TrainNormal     int
	TrainSuspicious int

	DatabaseURL         string
	SQLitePath          string
	RedisAddr           string
	ReputationCacheSize int

	MQTTBroker   string
	MQTTClientID string
	MQTTTopic    string
	MQTTUsername string
	MQTTPassword string

	LokiEndpoint string
	LokiTenantID string
	LokiQuery    string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 5, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 30, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on mutating API routes (empty = no auth)")

	fs.Float64Var(&c.MediumThreshold, "medium-threshold", 0.65, "lowest confidence rated medium severity")
	fs.Float64Var(&c.HighThreshold, "high-threshold", 0.85, "lowest confidence rated high severity")
	fs.Float64Var(&c.CriticalCutoff, "critical-cutoff", 0.95, "lowest confidence rated critical severity")
	fs.Float64Var(&c.ConfidenceThreshold, "confidence-threshold", 0.7, "confidence at which an event raises an alert regardless of predicted label (0,1]")

	fs.IntVar(&c.BufferCapacity, "buffer-capacity", 10000, "ingestion buffer size in events")
	fs.IntVar(&c.BatchSize, "batch-size", 100, "maximum events analyzed per batch (<= buffer-capacity)")
	fs.DurationVar(&c.PollInterval, "poll-interval", 10*time.Second, "collector and consumer poll interval")
	fs.DurationVar(&c.RetryBackoff, "retry-backoff", 30*time.Second, "wait after a failed collector poll")
	fs.DurationVar(&c.CollectWindow, "collect-window", time.Minute, "lookback window requested from collectors")

	fs.StringVar(&c.WebhookURL, "webhook-url", "", "Slack incoming webhook for high and critical alerts")
	fs.StringVar(&c.AlertEmail, "alert-email", "", "recipient for critical alert email")

	fs.StringVar(&c.ModelPath, "model-path", "./models/threat_detector.json", "model artifact path (empty = train in memory each start)")
	fs.DurationVar(&c.RetrainInterval, "retrain-interval", 24*time.Hour, "retrain at startup when the artifact is older than this (0 = never)")
	fs.IntVar(&c.TrainNormal, "train-normal", 2000, "synthetic normal samples for startup training")
	fs.IntVar(&c.TrainSuspicious, "train-suspicious", 1000, "synthetic suspicious samples for startup training")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for alert history")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite file for alert history (exclusive with database-url)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address of the IP reputation feed (empty = built-in heuristic)")
	fs.IntVar(&c.ReputationCacheSize, "reputation-cache-size", 4096, "IP reputation cache entries")

	fs.StringVar(&c.MQTTBroker, "mqtt-broker", "", "MQTT broker URL for pushed telemetry (e.g. tcp://broker:1883)")
	fs.StringVar(&c.MQTTClientID, "mqtt-client-id", "threatwatch", "MQTT client id")
	fs.StringVar(&c.MQTTTopic, "mqtt-topic", "", "MQTT topic filter carrying JSON events")
	fs.StringVar(&c.MQTTUsername, "mqtt-username", "", "MQTT username")
	fs.StringVar(&c.MQTTPassword, "mqtt-password", "", "MQTT password")

	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki base URL to poll for security logs")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant (X-Scope-OrgID)")
	fs.StringVar(&c.LokiQuery, "loki-query", "", `LogQL selector for security logs (e.g. {job="cloudtrail"})`)
}

// SeverityPolicy returns the configured severity thresholds.
func (c *Config) SeverityPolicy() alert.SeverityPolicy {
	return alert.SeverityPolicy{
		Medium:   c.MediumThreshold,
		High:     c.HighThreshold,
		Critical: c.CriticalCutoff,
	}
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Severity tiers and alert threshold
	if err := c.SeverityPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid MEDIUM_THRESHOLD/HIGH_THRESHOLD/CRITICAL_CUTOFF: %w", err))
	}
	if !(c.ConfidenceThreshold > 0 && c.ConfidenceThreshold <= 1) {
		errs = append(errs, fmt.Errorf("invalid CONFIDENCE_THRESHOLD %v (must be in (0,1])", c.ConfidenceThreshold))
	}

	// Buffering and polling
	if c.BufferCapacity <= 0 {
		errs = append(errs, fmt.Errorf("invalid BUFFER_CAPACITY %d (must be positive)", c.BufferCapacity))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid BATCH_SIZE %d (must be positive)", c.BatchSize))
	} else if c.BufferCapacity > 0 && c.BatchSize > c.BufferCapacity {
		errs = append(errs, fmt.Errorf("BATCH_SIZE %d must not exceed BUFFER_CAPACITY %d", c.BatchSize, c.BufferCapacity))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"POLL_INTERVAL", c.PollInterval},
		{"RETRY_BACKOFF", c.RetryBackoff},
		{"COLLECT_WINDOW", c.CollectWindow},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s %s (must be positive)", d.name, d.v))
		}
	}

	// Model
	if c.RetrainInterval < 0 {
		errs = append(errs, fmt.Errorf("invalid RETRAIN_INTERVAL %s (must not be negative)", c.RetrainInterval))
	}
	if c.TrainNormal <= 0 || c.TrainSuspicious <= 0 {
		errs = append(errs, fmt.Errorf("TRAIN_NORMAL %d and TRAIN_SUSPICIOUS %d must be positive", c.TrainNormal, c.TrainSuspicious))
	}

	// Notification targets are optional but must be well formed when set
	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, errors.New("invalid WEBHOOK_URL (must be an http(s) URL)"))
		}
	}
	if c.AlertEmail != "" {
		if _, err := mail.ParseAddress(c.AlertEmail); err != nil {
			errs = append(errs, fmt.Errorf("invalid ALERT_EMAIL %q", c.AlertEmail))
		}
	}

	// Storage
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive"))
	}
	if c.ReputationCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid REPUTATION_CACHE_SIZE %d (must be positive)", c.ReputationCacheSize))
	}

	// MQTT collector
	if c.MQTTBroker != "" && c.MQTTTopic == "" {
		errs = append(errs, errors.New("MQTT_TOPIC is required when MQTT_BROKER is set"))
	}

	// Loki collector
	if c.LokiEndpoint != "" {
		u, err := url.Parse(c.LokiEndpoint)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, errors.New("invalid LOKI_ENDPOINT (must be an http(s) URL)"))
		}
		if c.LokiQuery == "" {
			errs = append(errs, errors.New("LOKI_QUERY is required when LOKI_ENDPOINT is set"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
