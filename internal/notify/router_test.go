package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/threatwatch/internal/alert"
	"github.com/linnemanlabs/threatwatch/internal/classifier"
	"github.com/linnemanlabs/threatwatch/internal/event"
	"github.com/linnemanlabs/threatwatch/internal/notify/slack"
)

type fakeSink struct {
	name  string
	err   error
	panic bool
	block bool
	// started, when set, receives each alert id as Send begins; gate, when
	// set, holds Send until it is closed.
	started chan string
	gate    chan struct{}

	mu  sync.Mutex
	got []string
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Send(ctx context.Context, a *alert.Alert) error {
	if f.panic {
		panic("sink blew up")
	}
	if f.started != nil {
		f.started <- a.ID
	}
	if f.gate != nil {
		<-f.gate
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, a.ID)
	return f.err
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

// closeRouter drains the router so deliveries can be asserted.
func closeRouter(t *testing.T, r *Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRouter_RoutesBySeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sev       alert.Severity
		wantChat  int
		wantEmail int
	}{
		{alert.SeverityLow, 0, 0},
		{alert.SeverityMedium, 0, 0},
		{alert.SeverityHigh, 1, 0},
		{alert.SeverityCritical, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.sev.String(), func(t *testing.T) {
			t.Parallel()
			chat := &fakeSink{name: "chat"}
			mail := &fakeSink{name: "email"}
			r := NewRouter(log.Nop(), Options{Chat: chat, Email: mail})

			r.Notify(context.Background(), &alert.Alert{ID: "a1", Severity: tt.sev})
			closeRouter(t, r)

			if chat.count() != tt.wantChat {
				t.Errorf("chat sends = %d, want %d", chat.count(), tt.wantChat)
			}
			if mail.count() != tt.wantEmail {
				t.Errorf("email sends = %d, want %d", mail.count(), tt.wantEmail)
			}
		})
	}
}

func TestRouter_UnconfiguredSinksSkipped(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := NewRouter(nil, Options{Metrics: m})
	r.Notify(context.Background(), &alert.Alert{ID: "a1", Severity: alert.SeverityCritical})
	r.Notify(context.Background(), nil)
	closeRouter(t, r)

	if v := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("log", "sent")); v != 1 {
		t.Errorf("log sink count = %v, want 1", v)
	}
}

func TestRouter_SinkFailuresSwallowed(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	chat := &fakeSink{name: "chat", err: errors.New("webhook down")}
	mail := &fakeSink{name: "email", panic: true}
	r := NewRouter(log.Nop(), Options{Chat: chat, Email: mail, Metrics: m})

	r.Notify(context.Background(), &alert.Alert{ID: "a1", Severity: alert.SeverityCritical})
	closeRouter(t, r)

	if v := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("chat", "error")); v != 1 {
		t.Errorf("chat errors = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("email", "error")); v != 1 {
		t.Errorf("email errors = %v, want 1", v)
	}
}

func TestRouter_TimeoutBoundsDelivery(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	chat := &fakeSink{name: "chat", block: true}
	r := NewRouter(log.Nop(), Options{Chat: chat, Timeout: 20 * time.Millisecond, Metrics: m})

	start := time.Now()
	r.Notify(context.Background(), &alert.Alert{ID: "a1", Severity: alert.SeverityHigh})
	closeRouter(t, r)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("delivery took %v, expected to be bounded by the sink timeout", elapsed)
	}
	if v := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("chat", "error")); v != 1 {
		t.Errorf("chat errors = %v, want 1", v)
	}
}

func TestRouter_SlowSinkDoesNotBlockNotify(t *testing.T) {
	t.Parallel()

	chat := &fakeSink{name: "chat", gate: make(chan struct{})}
	r := NewRouter(log.Nop(), Options{Chat: chat})

	// cancelling the caller's context must not abort the queued delivery
	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	for i := range 5 {
		r.Notify(ctx, &alert.Alert{ID: fmt.Sprintf("a%d", i), Severity: alert.SeverityHigh})
	}
	cancel()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Notify blocked for %v behind a slow sink", elapsed)
	}
	if chat.count() != 0 {
		t.Errorf("deliveries finished before the sink was released: %d", chat.count())
	}

	close(chat.gate)
	closeRouter(t, r)
	if chat.count() != 5 {
		t.Errorf("chat sends = %d, want 5", chat.count())
	}
}

func TestRouter_FullQueueDrops(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	chat := &fakeSink{name: "chat", started: make(chan string, 4), gate: make(chan struct{})}
	r := NewRouter(log.Nop(), Options{Chat: chat, Metrics: m, QueueSize: 1})
	ctx := context.Background()

	r.Notify(ctx, &alert.Alert{ID: "a1", Severity: alert.SeverityHigh})
	if id := <-chat.started; id != "a1" {
		t.Fatalf("first delivery = %s, want a1", id)
	}
	r.Notify(ctx, &alert.Alert{ID: "a2", Severity: alert.SeverityHigh}) // queued
	r.Notify(ctx, &alert.Alert{ID: "a3", Severity: alert.SeverityHigh}) // no room

	if v := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("chat", "dropped")); v != 1 {
		t.Errorf("chat dropped = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("log", "sent")); v != 3 {
		t.Errorf("log sent = %v, want 3", v)
	}

	close(chat.gate)
	closeRouter(t, r)
	if chat.count() != 2 {
		t.Errorf("chat sends = %d, want 2", chat.count())
	}
}

func TestRouter_NotifyAfterClose(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	chat := &fakeSink{name: "chat"}
	r := NewRouter(log.Nop(), Options{Chat: chat, Metrics: m})
	closeRouter(t, r)
	closeRouter(t, r)

	r.Notify(context.Background(), &alert.Alert{ID: "late", Severity: alert.SeverityCritical})
	if chat.count() != 0 {
		t.Error("closed router delivered")
	}
	if v := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("chat", "dropped")); v != 1 {
		t.Errorf("chat dropped = %v, want 1", v)
	}
}

func TestRouter_CloseRespectsDeadline(t *testing.T) {
	t.Parallel()

	chat := &fakeSink{name: "chat", started: make(chan string, 1), gate: make(chan struct{})}
	r := NewRouter(log.Nop(), Options{Chat: chat})
	r.Notify(context.Background(), &alert.Alert{ID: "a1", Severity: alert.SeverityHigh})
	<-chat.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want deadline exceeded", err)
	}
	close(chat.gate)
	closeRouter(t, r)
}

func TestRouter_WithSlackAndManager(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := NewRouter(log.Nop(), Options{Chat: slack.New(srv.URL, log.Nop()), Metrics: m})
	mgr := alert.NewManager(alert.DefaultPolicy(), nil, r, log.Nop(), nil)

	ctx := context.Background()
	for _, p := range []float64{0.2, 0.7, 0.9, 0.99} {
		sev := alert.DefaultPolicy().Classify(p)
		if a := mgr.Generate(ctx, alertEvent(), alertResult(p), &sev); a == nil {
			t.Fatalf("Generate(%v) returned nil", p)
		}
	}
	closeRouter(t, r)

	if hits.Load() != 2 {
		t.Errorf("slack hits = %d, want 2 (high and critical)", hits.Load())
	}
	if v := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("slack", "sent")); v != 2 {
		t.Errorf("slack sent = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("log", "sent")); v != 4 {
		t.Errorf("log sent = %v, want 4", v)
	}
}

func alertEvent() event.RawEvent {
	return event.RawEvent{Source: "gcp", Activity: "SetIamPolicy", IPAddress: "192.0.2.10"}
}

func alertResult(p float64) classifier.Result {
	return classifier.Result{Probability: p, Label: classifier.Suspicious, IsThreat: true}
}
