// Package pgstore provides a PostgreSQL implementation of alert.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/threatwatch/internal/alert"
)

var tracer = otel.Tracer("github.com/linnemanlabs/threatwatch/internal/alert/pgstore")

//go:embed schema.sql
var schema string

var _ alert.Store = (*Store)(nil)

// Store persists alerts in PostgreSQL. Lifecycle fields live in columns; the
// full alert is kept as a JSONB document.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const alertColumns = `id, created_at, severity, confidence, source, status,
	acknowledged_at, resolved_at, resolution_notes, document`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Put inserts or updates an alert.
func (s *Store) Put(ctx context.Context, a *alert.Alert) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()
	span.SetAttributes(attribute.String("alert.id", a.ID))

	doc, err := json.Marshal(a)
	if err != nil {
		return fail(span, fmt.Errorf("marshal alert %s: %w", a.ID, err))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	query := `INSERT INTO alerts (` + alertColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO UPDATE SET
		status           = EXCLUDED.status,
		acknowledged_at  = EXCLUDED.acknowledged_at,
		resolved_at      = EXCLUDED.resolved_at,
		resolution_notes = EXCLUDED.resolution_notes,
		document         = EXCLUDED.document`

	_, err = tx.Exec(ctx, query,
		a.ID, a.CreatedAt, a.Severity.String(), a.Confidence, a.Source, string(a.Status),
		a.AcknowledgedAt, a.ResolvedAt, a.ResolutionNotes, doc,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert alert %s: %w", a.ID, err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Get retrieves an alert by ID.
func (s *Store) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, err)
	}
	return a, true, nil
}

// List returns every alert ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*alert.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+alertColumns+` FROM alerts ORDER BY created_at, id`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	var out []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// scanAlert decodes the document and lets the columns win for everything the
// lifecycle can change.
func scanAlert(row pgx.Row) (*alert.Alert, error) {
	var (
		id, severity, source, status, notes string
		createdAt                           time.Time
		confidence                          float64
		ackAt, resolvedAt                   *time.Time
		doc                                 []byte
	)
	if err := row.Scan(&id, &createdAt, &severity, &confidence, &source, &status,
		&ackAt, &resolvedAt, &notes, &doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	var a alert.Alert
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, fmt.Errorf("unmarshal alert %s: %w", id, err)
	}
	sev, err := alert.ParseSeverity(severity)
	if err != nil {
		return nil, fmt.Errorf("alert %s: %w", id, err)
	}

	a.ID = id
	a.CreatedAt = createdAt.UTC()
	a.Severity = sev
	a.Confidence = confidence
	a.Source = source
	a.Status = alert.Status(status)
	a.AcknowledgedAt = ackAt
	a.ResolvedAt = resolvedAt
	a.ResolutionNotes = notes
	return &a, nil
}
