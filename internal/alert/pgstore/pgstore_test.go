package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/threatwatch/internal/alert"
	"github.com/linnemanlabs/threatwatch/internal/alert/pgstore"
	"github.com/linnemanlabs/threatwatch/internal/classifier"
	"github.com/linnemanlabs/threatwatch/internal/event"
	"github.com/linnemanlabs/threatwatch/internal/postgres"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("THREATWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("THREATWATCH_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func newAlert(created time.Time) *alert.Alert {
	return &alert.Alert{
		ID:              ulid.Make().String(),
		CreatedAt:       created,
		Severity:        alert.SeverityHigh,
		Confidence:      0.91,
		Source:          "aws",
		EventTimestamp:  "2026-01-10T03:15:00Z",
		Description:     "Potential security threat detected from aws with 91.0% confidence.",
		Recommendations: []string{"Immediately investigate this event"},
		Event: event.RawEvent{
			Source:  "aws",
			Payload: event.Payload{"user_agent": event.StringValue("sqlmap/1.7")},
		},
		Classification: classifier.Result{Probability: 0.91, Label: classifier.Suspicious, IsThreat: true},
		Status:         alert.StatusOpen,
	}
}

func TestPutAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := newAlert(time.Now().Truncate(time.Microsecond).UTC())
	if err := s.Put(ctx, a); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}
	if got.Severity != a.Severity || got.Source != a.Source || got.Confidence != a.Confidence {
		t.Errorf("columns mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(a.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, a.CreatedAt)
	}
	if got.Description != a.Description || len(got.Recommendations) != 1 {
		t.Errorf("document mismatch: %+v", got)
	}
	if got.Event.Payload.String("user_agent", "") != "sqlmap/1.7" {
		t.Errorf("payload not preserved: %v", got.Event.Payload)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Get(context.Background(), "nonexistent-id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for nonexistent ID")
	}
}

func TestPutUpdatesLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := newAlert(time.Now().Truncate(time.Microsecond).UTC())
	if err := s.Put(ctx, a); err != nil {
		t.Fatalf("Put: %v", err)
	}

	resolved := time.Now().Truncate(time.Microsecond).UTC()
	a.Status = alert.StatusResolved
	a.ResolvedAt = &resolved
	a.ResolutionNotes = "blocked at edge"
	if err := s.Put(ctx, a); err != nil {
		t.Fatalf("Put update: %v", err)
	}

	got, _, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != alert.StatusResolved || got.ResolutionNotes != "blocked at edge" {
		t.Errorf("lifecycle not updated: %+v", got)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolved) {
		t.Errorf("ResolvedAt = %v, want %v", got.ResolvedAt, resolved)
	}
}

func TestListOrdered(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Microsecond).UTC()
	older := newAlert(base.Add(-time.Hour))
	newer := newAlert(base)
	for _, a := range []*alert.Alert{newer, older} {
		if err := s.Put(ctx, a); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	idx := map[string]int{}
	for i, a := range list {
		idx[a.ID] = i
	}
	oi, ok1 := idx[older.ID]
	ni, ok2 := idx[newer.ID]
	if !ok1 || !ok2 {
		t.Fatal("List missing inserted alerts")
	}
	if oi > ni {
		t.Errorf("older alert listed after newer (%d > %d)", oi, ni)
	}
}
