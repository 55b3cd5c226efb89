package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

type ctxKey string

const (
	ctxKeyStart    ctxKey = "pgx.start"
	ctxKeySQL      ctxKey = "pgx.sql"
	ctxKeyCaller   ctxKey = "db.caller"
	ctxKeyWorkload ctxKey = "db.workload"
)

type statsKey struct{}

// QueryStats accumulates query counts for one unit of work, such as an API
// request or a pipeline batch.
type QueryStats struct {
	mu     sync.Mutex
	count  int
	total  time.Duration
	errors int
}

// Add records a single query execution.
func (s *QueryStats) Add(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.total += dur
	if err != nil {
		s.errors++
	}
}

// Snapshot returns the query count, total duration and error count so far.
func (s *QueryStats) Snapshot() (count int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, s.total, s.errors
}

// WithQueryStats attaches an empty QueryStats to ctx.
func WithQueryStats(ctx context.Context) (context.Context, *QueryStats) {
	s := &QueryStats{}
	return context.WithValue(ctx, statsKey{}, s), s
}

// QueryStatsFromContext returns the QueryStats attached to ctx, if any.
func QueryStatsFromContext(ctx context.Context) (*QueryStats, bool) {
	s, ok := ctx.Value(statsKey{}).(*QueryStats)
	return s, ok
}

// WithWorkload labels queries issued under ctx, e.g. "api" or "pipeline".
func WithWorkload(ctx context.Context, name string) context.Context {
	if name == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyWorkload, name)
}

func workloadFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyWorkload).(string); ok {
		return v
	}
	return "unknown"
}

// QueryObserver receives per-query timings.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, workload, operation, outcome string, dur time.Duration)
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) with caller
// attribution, metrics and logging of failed or slow queries.
type queryTracer struct {
	inner    pgx.QueryTracer
	observer QueryObserver
	logger   log.Logger
	slow     time.Duration
}

func newQueryTracer(inner pgx.QueryTracer, observer QueryObserver, logger log.Logger, slow time.Duration) *queryTracer {
	if logger == nil {
		logger = log.Nop()
	}
	return &queryTracer{inner: inner, observer: observer, logger: logger, slow: slow}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	caller := findCaller()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	ctx = context.WithValue(ctx, ctxKeyStart, time.Now())
	ctx = context.WithValue(ctx, ctxKeySQL, data.SQL)
	if caller != "" {
		ctx = context.WithValue(ctx, ctxKeyCaller, caller)
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("db.caller", caller))
		}
	}
	return ctx
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	// inner first so its span is finished before we log
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	var dur time.Duration
	if start, ok := ctx.Value(ctxKeyStart).(time.Time); ok {
		dur = time.Since(start)
	}

	if s, ok := QueryStatsFromContext(ctx); ok {
		s.Add(dur, data.Err)
	}

	op := operationName(data.CommandTag)
	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	if t.observer != nil {
		t.observer.ObserveQuery(ctx, workloadFromContext(ctx), op, outcome, dur)
	}

	if data.Err == nil && (t.slow <= 0 || dur < t.slow) {
		return
	}

	sql, _ := ctx.Value(ctxKeySQL).(string)
	caller, _ := ctx.Value(ctxKeyCaller).(string)
	fields := []any{
		"db.statement", sql,
		"db.operation.name", op,
		"db.duration", dur.Seconds(),
		"db.caller", caller,
	}

	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields,
				"db.error_code", pgErr.Code,
				"db.error_constraint", pgErr.ConstraintName,
			)
		}
		t.logger.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	t.logger.Warn(ctx, "slow db query", fields...)
}

func operationName(tag pgconn.CommandTag) string {
	parts := strings.Fields(tag.String())
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.ToUpper(parts[0])
}

// findCaller returns the first frame outside pgx, otelpgx and this package.
func findCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case fn == "":
		case strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/v5"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "github.com/linnemanlabs/threatwatch/internal/postgres."):
		default:
			return shortenFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
