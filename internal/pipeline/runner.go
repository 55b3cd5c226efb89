package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatwatch/internal/alert"
	"github.com/linnemanlabs/threatwatch/internal/collect"
	"github.com/linnemanlabs/threatwatch/internal/event"
	"github.com/linnemanlabs/threatwatch/internal/ingest"
)

// ErrAlreadyRunning is returned by Start when the pipeline is running.
var ErrAlreadyRunning = errors.New("pipeline: already running")

// Status is a point-in-time view of the running system.
type Status struct {
	Running         bool             `json:"running"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	EventsProcessed uint64           `json:"events_processed"`
	QueueSize       int              `json:"queue_size"`
	QueueCapacity   int              `json:"queue_capacity"`
	DroppedEvents   uint64           `json:"dropped_events"`
	ModelTrained    bool             `json:"model_trained"`
	Model           ModelStatus      `json:"model"`
	Collectors      []string         `json:"collectors"`
	Alerts          alert.Statistics `json:"alert_statistics"`
}

// Runner owns the producer and consumer goroutines. Both loops share one
// running flag and one cancelable context.
type Runner struct {
	buf      *ingest.Buffer
	producer *collect.Producer
	consumer *Consumer
	alerts   *alert.Manager
	logger   log.Logger

	running atomic.Bool

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// NewRunner creates a stopped Runner. producer may be nil when events only
// arrive through Submit.
func NewRunner(buf *ingest.Buffer, producer *collect.Producer, consumer *Consumer, alerts *alert.Manager, logger log.Logger) *Runner {
	if logger == nil {
		logger = log.Nop()
	}
	return &Runner{
		buf:      buf,
		producer: producer,
		consumer: consumer,
		alerts:   alerts,
		logger:   logger,
	}
}

// Start launches the loops. They stop when ctx is done or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running.Load() {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.startedAt = time.Now().UTC()
	r.running.Store(true)

	if r.producer != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.producer.Run(ctx, &r.running)
		}()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.consumer.Run(ctx, &r.running)
	}()

	r.logger.Info(ctx, "pipeline started")
	return nil
}

// Stop clears the running flag, cancels pending waits and blocks until both
// loops have finished their current iteration. It is safe to call more than
// once.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running.Swap(false) {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.logger.Info(context.Background(), "pipeline stopped")
}

// Running reports whether the loops are active.
func (r *Runner) Running() bool { return r.running.Load() }

// Submit pushes an event into the buffer. It reports false when the buffer
// was full and the event was dropped.
func (r *Runner) Submit(ctx context.Context, ev event.RawEvent) bool {
	return r.buf.Push(ctx, ev)
}

// Analyze scores events immediately, bypassing the buffer.
func (r *Runner) Analyze(ctx context.Context, events []event.RawEvent) Report {
	return r.consumer.Analyze(ctx, events)
}

// CollectAndAnalyze pulls one batch from every collector over window and
// analyzes it.
func (r *Runner) CollectAndAnalyze(ctx context.Context, window time.Duration) Report {
	if r.producer == nil {
		return Report{}
	}
	return r.consumer.Analyze(ctx, r.producer.Collect(ctx, window))
}

// Status reports the running flag, throughput, queue depth, model state and
// alert statistics.
func (r *Runner) Status(ctx context.Context) Status {
	st := Status{
		Running:         r.running.Load(),
		EventsProcessed: r.consumer.Processed(),
		QueueSize:       r.buf.Len(),
		QueueCapacity:   r.buf.Cap(),
		DroppedEvents:   r.buf.Dropped(),
		ModelTrained:    r.consumer.Trained(),
		Model:           r.consumer.Model(),
		Collectors:      []string{},
		Alerts:          r.alerts.Statistics(ctx),
	}
	if r.producer != nil {
		st.Collectors = r.producer.Collectors()
	}
	if st.Running {
		r.mu.Lock()
		t := r.startedAt
		r.mu.Unlock()
		st.StartedAt = &t
	}
	return st
}
