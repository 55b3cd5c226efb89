// Package notify fans new alerts out to notification sinks by severity.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatwatch/internal/alert"
)

const (
	// DefaultTimeout bounds a single sink delivery.
	DefaultTimeout = 5 * time.Second
	// DefaultQueueSize is how many sink deliveries may wait for the worker.
	DefaultQueueSize = 256
)

// Sink delivers one alert somewhere outside the process.
type Sink interface {
	Name() string
	Send(ctx context.Context, a *alert.Alert) error
}

// Options configures a Router. Nil sinks are skipped.
type Options struct {
	// Chat receives High and Critical alerts.
	Chat Sink
	// Email receives Critical alerts only.
	Email   Sink
	Metrics *Metrics
	Timeout time.Duration
	// QueueSize bounds pending deliveries; when full, new ones are dropped.
	QueueSize int
}

type delivery struct {
	ctx  context.Context
	sink Sink
	a    *alert.Alert
}

// Router logs every alert and forwards it to the sinks its severity calls
// for. The log line is written inline; sink deliveries are queued for a
// background worker so a slow webhook never holds up the caller. Sink
// failures are logged and counted, never returned.
type Router struct {
	logger  log.Logger
	chat    Sink
	email   Sink
	metrics *Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan delivery
	done   chan struct{}
}

var _ alert.Notifier = (*Router)(nil)

// NewRouter creates a Router and starts its delivery worker. Call Close to
// flush pending deliveries and stop the worker.
func NewRouter(logger log.Logger, opts Options) *Router {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	r := &Router{
		logger:  logger,
		chat:    opts.Chat,
		email:   opts.Email,
		metrics: opts.Metrics,
		timeout: opts.Timeout,
		queue:   make(chan delivery, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go r.work()
	return r
}

func (r *Router) work() {
	defer close(r.done)
	for d := range r.queue {
		r.deliver(d.ctx, d.sink, d.a)
	}
}

// Close stops accepting deliveries and waits for the queued ones to finish
// or for ctx to expire. It is safe to call more than once.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification queue not drained: %w", ctx.Err())
	}
}

// Notify implements alert.Notifier.
func (r *Router) Notify(ctx context.Context, a *alert.Alert) {
	if a == nil {
		return
	}

	r.logger.Warn(ctx, "security alert",
		"alert_id", a.ID,
		"severity", a.Severity.String(),
		"confidence", a.Confidence,
		"source", a.Source,
		"description", a.Description,
	)
	r.count("log", "sent")

	if a.Severity >= alert.SeverityHigh && r.chat != nil {
		r.enqueue(ctx, r.chat, a)
	}
	if a.Severity == alert.SeverityCritical && r.email != nil {
		r.enqueue(ctx, r.email, a)
	}
}

// enqueue hands a delivery to the worker without blocking. The delivery
// keeps ctx's values but not its cancellation, since the caller moves on.
func (r *Router) enqueue(ctx context.Context, s Sink, a *alert.Alert) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := s.Name()
	if r.closed {
		r.count(name, "dropped")
		r.logger.Warn(ctx, "notification router closed, delivery dropped", "sink", name, "alert_id", a.ID)
		return
	}
	select {
	case r.queue <- delivery{ctx: context.WithoutCancel(ctx), sink: s, a: a}:
	default:
		r.count(name, "dropped")
		r.logger.Warn(ctx, "notification queue full, delivery dropped",
			"sink", name,
			"alert_id", a.ID,
			"queue_size", cap(r.queue),
		)
	}
}

func (r *Router) deliver(ctx context.Context, s Sink, a *alert.Alert) {
	name := s.Name()
	defer func() {
		if rec := recover(); rec != nil {
			r.count(name, "error")
			r.logger.Error(ctx, fmt.Errorf("panic: %v", rec), "notification sink panicked",
				"sink", name,
				"alert_id", a.ID,
			)
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := s.Send(sctx, a)
	if r.metrics != nil {
		r.metrics.Duration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		r.count(name, "error")
		r.logger.Error(ctx, err, "notification failed",
			"sink", name,
			"alert_id", a.ID,
		)
		return
	}
	r.count(name, "sent")
}

func (r *Router) count(sink, outcome string) {
	if r.metrics != nil {
		r.metrics.NotificationsTotal.WithLabelValues(sink, outcome).Inc()
	}
}
