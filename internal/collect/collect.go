// Package collect polls log sources and feeds their events into the
// ingestion buffer.
package collect

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatwatch/internal/event"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultRetryBackoff = 30 * time.Second
	DefaultWindow       = time.Minute
)

// Collector fetches recent events from one source. Errors are tolerated by
// the Producer; a well-behaved collector with nothing to report returns an
// empty slice.
type Collector interface {
	Name() string
	RecentEvents(ctx context.Context, window time.Duration) ([]event.RawEvent, error)
}

// Sink accepts events without blocking and reports whether it kept them.
type Sink interface {
	Push(ctx context.Context, ev event.RawEvent) bool
}

// Config controls the polling cadence.
type Config struct {
	PollInterval time.Duration
	RetryBackoff time.Duration
	Window       time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Producer runs one polling goroutine per collector.
type Producer struct {
	sink       Sink
	cfg        Config
	logger     log.Logger
	metrics    *Metrics
	collectors []Collector
}

// NewProducer creates a Producer. m may be nil.
func NewProducer(sink Sink, cfg Config, logger log.Logger, m *Metrics, collectors ...Collector) *Producer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Producer{
		sink:       sink,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		metrics:    m,
		collectors: collectors,
	}
}

// Collectors returns the names of the registered collectors.
func (p *Producer) Collectors() []string {
	names := make([]string, len(p.collectors))
	for i, c := range p.collectors {
		names[i] = c.Name()
	}
	return names
}

// Run polls every collector until ctx is done or running is cleared, then
// waits for all polling goroutines to return.
func (p *Producer) Run(ctx context.Context, running *atomic.Bool) {
	var wg sync.WaitGroup
	for _, c := range p.collectors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, running, c)
		}()
	}
	p.logger.Info(ctx, "collection started", "collectors", len(p.collectors))
	wg.Wait()
	p.logger.Info(ctx, "collection stopped")
}

func (p *Producer) loop(ctx context.Context, running *atomic.Bool, c Collector) {
	name := c.Name()
	for running.Load() && ctx.Err() == nil {
		wait := p.cfg.PollInterval
		events, err := p.poll(ctx, c, p.cfg.Window)
		if err != nil {
			p.logger.Error(ctx, err, "collector poll failed, backing off",
				"collector", name,
				"backoff", p.cfg.RetryBackoff.String(),
			)
			wait = p.cfg.RetryBackoff
		}

		for _, ev := range events {
			p.sink.Push(ctx, ev)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// poll calls the collector once over window, turning a panic into an error.
func (p *Producer) poll(ctx context.Context, c Collector, window time.Duration) (events []event.RawEvent, err error) {
	name := c.Name()
	defer func() {
		if r := recover(); r != nil {
			events, err = nil, fmt.Errorf("collector %s panicked: %v", name, r)
		}
		if p.metrics != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			p.metrics.PollsTotal.WithLabelValues(name, outcome).Inc()
			p.metrics.EventsCollected.WithLabelValues(name).Add(float64(len(events)))
		}
	}()
	return c.RecentEvents(ctx, window)
}

// Collect fetches one batch from every collector over window, skipping
// collectors that fail. It does not touch the buffer.
func (p *Producer) Collect(ctx context.Context, window time.Duration) []event.RawEvent {
	if window <= 0 {
		window = p.cfg.Window
	}
	var all []event.RawEvent
	for _, c := range p.collectors {
		events, err := p.poll(ctx, c, window)
		if err != nil {
			p.logger.Error(ctx, err, "batch collection failed", "collector", c.Name())
			continue
		}
		p.logger.Info(ctx, "collected events", "collector", c.Name(), "events", len(events), "window", window.String())
		all = append(all, events...)
	}
	return all
}
