// Package sqlitestore keeps alert history in a single SQLite file for
// deployments without PostgreSQL.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/threatwatch/internal/alert"
)

var _ alert.Store = (*Store)(nil)

// Store is a SQLite implementation of alert.Store.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at path and applies the schema.
func New(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; WAL lets readers proceed alongside it
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id               TEXT PRIMARY KEY,
			created_at       TEXT NOT NULL,
			severity         TEXT NOT NULL,
			confidence       REAL NOT NULL,
			source           TEXT NOT NULL,
			status           TEXT NOT NULL,
			acknowledged_at  TEXT,
			resolved_at      TEXT,
			resolution_notes TEXT NOT NULL DEFAULT '',
			document         TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, severity)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

const alertColumns = `id, created_at, severity, confidence, source, status,
	acknowledged_at, resolved_at, resolution_notes, document`

// Put inserts or updates an alert.
func (s *Store) Put(ctx context.Context, a *alert.Alert) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", a.ID, err)
	}

	query := `INSERT INTO alerts (` + alertColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status           = excluded.status,
		acknowledged_at  = excluded.acknowledged_at,
		resolved_at      = excluded.resolved_at,
		resolution_notes = excluded.resolution_notes,
		document         = excluded.document`

	_, err = s.db.ExecContext(ctx, query,
		a.ID, formatTime(a.CreatedAt), a.Severity.String(), a.Confidence, a.Source, string(a.Status),
		formatTimePtr(a.AcknowledgedAt), formatTimePtr(a.ResolvedAt), a.ResolutionNotes, string(doc),
	)
	if err != nil {
		return fmt.Errorf("upsert alert %s: %w", a.ID, err)
	}
	return nil
}

// Get retrieves an alert by ID.
func (s *Store) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// List returns every alert ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*alert.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (*alert.Alert, error) {
	var (
		id, created, severity, source, status, notes, doc string
		confidence                                        float64
		ackAt, resolvedAt                                 sql.NullString
	)
	if err := row.Scan(&id, &created, &severity, &confidence, &source, &status,
		&ackAt, &resolvedAt, &notes, &doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	var a alert.Alert
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return nil, fmt.Errorf("unmarshal alert %s: %w", id, err)
	}
	sev, err := alert.ParseSeverity(severity)
	if err != nil {
		return nil, fmt.Errorf("alert %s: %w", id, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("alert %s created_at: %w", id, err)
	}

	a.ID = id
	a.CreatedAt = createdAt
	a.Severity = sev
	a.Confidence = confidence
	a.Source = source
	a.Status = alert.Status(status)
	a.ResolutionNotes = notes
	if a.AcknowledgedAt, err = parseTimePtr(ackAt); err != nil {
		return nil, fmt.Errorf("alert %s acknowledged_at: %w", id, err)
	}
	if a.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, fmt.Errorf("alert %s resolved_at: %w", id, err)
	}
	return &a, nil
}

// formatTime uses a fixed-width layout so created_at sorts lexically.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
