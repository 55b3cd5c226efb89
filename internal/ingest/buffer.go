// Package ingest holds the bounded buffer shared between telemetry producers
// and the triage consumer.
package ingest

import (
	"context"
	"sync/atomic"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/threatwatch/internal/event"
)

// DefaultCapacity is the buffer size used when none is configured.
const DefaultCapacity = 10000

// Buffer is a fixed-capacity FIFO of raw events. Any number of goroutines may
// Push concurrently with a Drain; the channel is the only synchronization.
//
// When full, Push drops the incoming event (drop-newest) so producers never
// stall. Every drop is logged and counted.
type Buffer struct {
	ch      chan event.RawEvent
	dropped atomic.Uint64
	logger  log.Logger
	metrics *Metrics
}

// New creates a Buffer holding at most capacity events. m may be nil.
func New(capacity int, logger log.Logger, m *Metrics) *Buffer {
	if capacity <= 0 {
		panic(xerrors.New("ingest buffer capacity must be positive"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Buffer{
		ch:      make(chan event.RawEvent, capacity),
		logger:  logger,
		metrics: m,
	}
}

// Push enqueues ev without blocking. It reports false when the buffer was
// full and the event was dropped.
func (b *Buffer) Push(ctx context.Context, ev event.RawEvent) bool {
	select {
	case b.ch <- ev:
		if b.metrics != nil {
			b.metrics.Pushed.WithLabelValues(ev.SourceName()).Inc()
			b.metrics.Occupancy.Set(float64(len(b.ch)))
		}
		return true
	default:
	}

	total := b.dropped.Add(1)
	if b.metrics != nil {
		b.metrics.Dropped.WithLabelValues(ev.SourceName()).Inc()
	}
	b.logger.Warn(ctx, "ingest buffer full, dropping event",
		"source", ev.SourceName(),
		"event_id", ev.ID(),
		"capacity", cap(b.ch),
		"dropped_total", total,
	)
	return false
}

// Drain removes and returns up to max events that are immediately available.
// It never blocks; an empty buffer yields an empty slice.
func (b *Buffer) Drain(maxEvents int) []event.RawEvent {
	if maxEvents <= 0 {
		return nil
	}
	n := min(maxEvents, len(b.ch))
	out := make([]event.RawEvent, 0, n)
	for len(out) < maxEvents {
		select {
		case ev := <-b.ch:
			out = append(out, ev)
		default:
			b.observe()
			return out
		}
	}
	b.observe()
	return out
}

// Len reports the current number of buffered events.
func (b *Buffer) Len() int { return len(b.ch) }

// Cap reports the buffer capacity.
func (b *Buffer) Cap() int { return cap(b.ch) }

// Dropped reports how many events have been dropped since creation.
func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }

func (b *Buffer) observe() {
	if b.metrics != nil {
		b.metrics.Occupancy.Set(float64(len(b.ch)))
	}
}
