package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/go-core/log"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/threatwatch/internal/alert/pgstore.(*Store).Put", "(*Store).Put"},
		{"already short", "(*Store).Put", "Put"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).List", "(*Store).List"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shortenFuncName(tt.in); got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestQueryStats(t *testing.T) {
	t.Parallel()

	ctx, s := WithQueryStats(context.Background())
	s.Add(10*time.Millisecond, nil)
	s.Add(20*time.Millisecond, errors.New("timeout"))

	got, ok := QueryStatsFromContext(ctx)
	if !ok || got != s {
		t.Fatal("stats not attached to context")
	}
	count, total, errs := got.Snapshot()
	if count != 2 || total != 30*time.Millisecond || errs != 1 {
		t.Errorf("Snapshot = %d, %v, %d", count, total, errs)
	}

	if _, ok := QueryStatsFromContext(context.Background()); ok {
		t.Error("expected ok=false for plain context")
	}
}

func TestWorkload(t *testing.T) {
	t.Parallel()

	if got := workloadFromContext(WithWorkload(context.Background(), "pipeline")); got != "pipeline" {
		t.Errorf("workload = %q, want pipeline", got)
	}
	if got := workloadFromContext(WithWorkload(context.Background(), "")); got != "unknown" {
		t.Errorf("workload = %q, want unknown", got)
	}
}

func TestOperationName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tag  string
		want string
	}{
		{"INSERT 0 1", "INSERT"},
		{"select 3", "SELECT"},
		{"", "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := operationName(pgconn.NewCommandTag(tt.tag)); got != tt.want {
			t.Errorf("operationName(%q) = %q, want %q", tt.tag, got, tt.want)
		}
	}
}

type recordingTracer struct {
	mu     sync.Mutex
	starts int
	ends   int
}

func (r *recordingTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	return ctx
}

func (r *recordingTracer) TraceQueryEnd(_ context.Context, _ *pgx.Conn, _ pgx.TraceQueryEndData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends++
}

func TestQueryTracer_ObservesAndDelegates(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	qm := NewQueryMetrics(reg)
	inner := &recordingTracer{}
	tr := newQueryTracer(inner, qm, log.Nop(), 0)

	ctx, stats := WithQueryStats(WithWorkload(context.Background(), "api"))
	ctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "INSERT INTO alerts VALUES ($1)"})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("INSERT 0 1")})

	ctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: &pgconn.PgError{Code: "57014"}})

	if inner.starts != 2 || inner.ends != 2 {
		t.Errorf("inner tracer calls = %d/%d, want 2/2", inner.starts, inner.ends)
	}
	count, _, errs := stats.Snapshot()
	if count != 2 || errs != 1 {
		t.Errorf("stats = %d queries, %d errors; want 2, 1", count, errs)
	}
	if n := testutil.CollectAndCount(qm.Duration); n != 2 {
		t.Errorf("histogram series = %d, want 2", n)
	}
}

func TestQueryTracer_NilInner(t *testing.T) {
	t.Parallel()

	tr := newQueryTracer(nil, nil, nil, time.Nanosecond)
	ctx := tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})
}
