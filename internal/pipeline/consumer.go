// Package pipeline drains the ingestion buffer in batches, scores each batch
// and turns the verdicts into alerts.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatwatch/internal/alert"
	"github.com/linnemanlabs/threatwatch/internal/classifier"
	"github.com/linnemanlabs/threatwatch/internal/event"
	"github.com/linnemanlabs/threatwatch/internal/features"
	"github.com/linnemanlabs/threatwatch/internal/ingest"
	"github.com/linnemanlabs/threatwatch/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/threatwatch/internal/pipeline")

const (
	DefaultPollInterval = 10 * time.Second
	DefaultBatchSize    = 100
)

// Config controls batching and the alert threshold.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Threshold    float64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Threshold <= 0 {
		c.Threshold = classifier.DefaultThreshold
	}
	return c
}

// Extractor turns a raw event into its feature set.
type Extractor interface {
	Extract(ctx context.Context, ev event.RawEvent) features.Set
}

// Report describes one analyzed batch.
type Report struct {
	Events   int                 `json:"events"`
	Analyzed int                 `json:"analyzed"`
	Excluded int                 `json:"excluded"`
	Summary  features.Summary    `json:"summary"`
	Results  []classifier.Result `json:"results"`
	Alerts   []*alert.Alert      `json:"alerts"`
}

// Consumer is the single reader of the ingestion buffer.
type Consumer struct {
	buf       *ingest.Buffer
	extractor Extractor
	schema    *features.Schema
	clf       classifier.Classifier
	alerts    *alert.Manager
	cfg       Config
	logger    log.Logger
	metrics   *Metrics

	processed atomic.Uint64
}

// NewConsumer wires a Consumer. m may be nil.
func NewConsumer(
	buf *ingest.Buffer,
	extractor Extractor,
	schema *features.Schema,
	clf classifier.Classifier,
	alerts *alert.Manager,
	cfg Config,
	logger log.Logger,
	m *Metrics,
) *Consumer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Consumer{
		buf:       buf,
		extractor: extractor,
		schema:    schema,
		clf:       clf,
		alerts:    alerts,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		metrics:   m,
	}
}

// Processed reports how many events have reached the classifier.
func (c *Consumer) Processed() uint64 { return c.processed.Load() }

// Trained reports whether the classifier has a fitted model.
func (c *Consumer) Trained() bool { return c.clf.Trained() }

// maxImportance bounds the ranked features reported in ModelStatus.
const maxImportance = 10

// ModelStatus describes the loaded classifier and the inference schema.
type ModelStatus struct {
	Trained          bool                    `json:"trained"`
	TrainedAt        *time.Time              `json:"trained_at,omitempty"`
	SchemaRegistered bool                    `json:"schema_registered"`
	Features         int                     `json:"features"`
	Metrics          *classifier.Metrics     `json:"metrics,omitempty"`
	Importance       []classifier.Importance `json:"top_features,omitempty"`
}

// modelDetails is implemented by classifiers that keep training metadata.
type modelDetails interface {
	TrainedAt() time.Time
	LastMetrics() classifier.Metrics
	FeatureImportance() []classifier.Importance
}

// Model reports the classifier's training state, its held-out evaluation
// and its most influential features when the classifier records them.
func (c *Consumer) Model() ModelStatus {
	ms := ModelStatus{
		Trained:          c.clf.Trained(),
		SchemaRegistered: c.schema.Registered(),
		Features:         len(c.schema.Names()),
	}
	d, ok := c.clf.(modelDetails)
	if !ok || !ms.Trained {
		return ms
	}
	if at := d.TrainedAt(); !at.IsZero() {
		ms.TrainedAt = &at
	}
	m := d.LastMetrics()
	ms.Metrics = &m
	ms.Importance = d.FeatureImportance()
	if len(ms.Importance) > maxImportance {
		ms.Importance = ms.Importance[:maxImportance]
	}
	return ms
}

// Run drains and analyzes one batch per poll interval until ctx is done or
// running is cleared. Cancellation only ends the wait between batches: a
// batch already drained runs to completion so its alerts are persisted.
func (c *Consumer) Run(ctx context.Context, running *atomic.Bool) {
	c.logger.Info(ctx, "consumer started",
		"batch_size", c.cfg.BatchSize,
		"poll_interval", c.cfg.PollInterval.String(),
	)
	work := context.WithoutCancel(ctx)
	for running.Load() && ctx.Err() == nil {
		c.iterate(work)

		select {
		case <-ctx.Done():
		case <-time.After(c.cfg.PollInterval):
		}
	}
	c.logger.Info(ctx, "consumer stopped")
}

// iterate handles one drained batch. A panic is logged and the loop goes on.
func (c *Consumer) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(ctx, fmt.Errorf("panic: %v", r), "batch processing failed")
		}
	}()

	events := c.buf.Drain(c.cfg.BatchSize)
	if len(events) == 0 {
		return
	}
	c.Analyze(ctx, events)
}

// Analyze runs a batch through extraction, one Detect call and alert
// generation. Events whose extraction fails are excluded; the rest of the
// batch proceeds.
func (c *Consumer) Analyze(ctx context.Context, events []event.RawEvent) Report {
	ctx, span := tracer.Start(ctx, "pipeline.Analyze", trace.WithAttributes(
		attribute.Int("batch.events", len(events)),
	))
	defer span.End()
	start := time.Now()
	ctx, dbStats := postgres.WithQueryStats(ctx)

	rep := Report{Events: len(events)}
	if len(events) == 0 {
		return rep
	}

	kept := make([]event.RawEvent, 0, len(events))
	sets := make([]features.Set, 0, len(events))
	for i := range events {
		set, ok := c.extract(ctx, events[i])
		if !ok {
			rep.Excluded++
			continue
		}
		kept = append(kept, events[i])
		sets = append(sets, set)
	}
	rep.Analyzed = len(kept)
	rep.Summary = features.Summarize(kept, sets)

	if len(kept) > 0 {
		X := c.schema.ReconcileBatch(sets)

		detectStart := time.Now()
		rep.Results = classifier.Detect(c.clf, X, c.cfg.Threshold)
		if c.metrics != nil {
			c.metrics.DetectDuration.Observe(time.Since(detectStart).Seconds())
		}

		rep.Alerts = c.alerts.GenerateBatch(ctx, kept, rep.Results)
	}

	c.processed.Add(uint64(len(kept)))
	if c.metrics != nil {
		c.metrics.BatchesTotal.Inc()
		c.metrics.EventsProcessed.Add(float64(len(kept)))
		c.metrics.ExtractionFailures.Add(float64(rep.Excluded))
		c.metrics.AlertsRaised.Add(float64(len(rep.Alerts)))
		c.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}
	dbQueries, dbTime, dbErrors := dbStats.Snapshot()
	span.SetAttributes(
		attribute.Int("batch.analyzed", rep.Analyzed),
		attribute.Int("batch.alerts", len(rep.Alerts)),
		attribute.Int("batch.db_queries", dbQueries),
	)

	c.logger.Info(ctx, "batch analyzed",
		"events", rep.Events,
		"excluded", rep.Excluded,
		"alerts", len(rep.Alerts),
		"sources", rep.Summary.Sources,
		"failure_rate", rep.Summary.FailureRate,
		"avg_malicious_score", rep.Summary.AvgMaliciousScore,
		"suspicious_agents", rep.Summary.SuspiciousAgents,
		"after_hours_events", rep.Summary.AfterHoursEvents,
		"weekend_events", rep.Summary.WeekendEvents,
		"db_queries", dbQueries,
		"db_time", dbTime.String(),
		"db_errors", dbErrors,
	)
	return rep
}

func (c *Consumer) extract(ctx context.Context, ev event.RawEvent) (set features.Set, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(ctx, fmt.Errorf("panic: %v", r), "event excluded from batch",
				"source", ev.SourceName(),
				"event_id", ev.ID(),
			)
			set, ok = nil, false
		}
	}()
	return c.extractor.Extract(ctx, ev), true
}
