package sqlitestore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatwatch/internal/alert"
	"github.com/linnemanlabs/threatwatch/internal/classifier"
	"github.com/linnemanlabs/threatwatch/internal/event"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "alerts", "threatwatch.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleAlert(id string, created time.Time) *alert.Alert {
	return &alert.Alert{
		ID:              id,
		CreatedAt:       created,
		Severity:        alert.SeverityCritical,
		Confidence:      0.97,
		Source:          "azure",
		Description:     "Potential security threat detected from azure with 97.0% confidence.",
		Recommendations: []string{"Immediately investigate this event", "Consider blocking the source IP address"},
		Event: event.RawEvent{
			Source:    "azure",
			IPAddress: "198.51.100.7",
			Payload:   event.Payload{"ResultType": event.StringValue("Failure"), "attempts": event.NumberValue(12)},
		},
		Classification: classifier.Result{Index: 3, Probability: 0.97, Label: classifier.Suspicious, IsThreat: true, ExceedsThreshold: true},
		Status:         alert.StatusOpen,
	}
}

func TestPutAndGet(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.UTC)
	a := sampleAlert("01TEST", created)

	if err := s.Put(ctx, a); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := s.Get(ctx, "01TEST")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if got.Severity != alert.SeverityCritical || got.Confidence != 0.97 || got.Source != "azure" {
		t.Errorf("columns mismatch: %+v", got)
	}
	if got.Classification.Index != 3 || !got.Classification.ExceedsThreshold {
		t.Errorf("classification mismatch: %+v", got.Classification)
	}
	if got.Event.Payload.Number("attempts", 0) != 12 || got.Event.IP() != "198.51.100.7" {
		t.Errorf("event mismatch: %+v", got.Event)
	}
	if got.AcknowledgedAt != nil || got.ResolvedAt != nil {
		t.Error("lifecycle timestamps should be nil for an open alert")
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	_, ok, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for missing id")
	}
}

func TestPutUpdatesLifecycle(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	a := sampleAlert("01LIFE", time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	if err := s.Put(ctx, a); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ack := time.Date(2026, 3, 4, 6, 0, 0, 0, time.UTC)
	res := ack.Add(time.Hour)
	a.Status = alert.StatusResolved
	a.AcknowledgedAt = &ack
	a.ResolvedAt = &res
	a.ResolutionNotes = "credential rotated"
	if err := s.Put(ctx, a); err != nil {
		t.Fatalf("Put update: %v", err)
	}

	got, _, err := s.Get(ctx, "01LIFE")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != alert.StatusResolved || got.ResolutionNotes != "credential rotated" {
		t.Errorf("lifecycle not updated: %+v", got)
	}
	if got.AcknowledgedAt == nil || !got.AcknowledgedAt.Equal(ack) {
		t.Errorf("AcknowledgedAt = %v, want %v", got.AcknowledgedAt, ack)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(res) {
		t.Errorf("ResolvedAt = %v, want %v", got.ResolvedAt, res)
	}
}

func TestListOrderedByCreation(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	// insert out of order; sub-second precision must still sort correctly
	for _, off := range []time.Duration{3 * time.Second, 500 * time.Millisecond, 0, 2 * time.Second} {
		a := sampleAlert(fmt.Sprintf("a-%d", off.Milliseconds()), base.Add(off))
		if err := s.Put(ctx, a); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"a-0", "a-500", "a-2000", "a-3000"}
	if len(list) != len(want) {
		t.Fatalf("List len = %d, want %d", len(list), len(want))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("list[%d] = %s, want %s", i, list[i].ID, id)
		}
	}
}

func TestConcurrentPuts(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Put(ctx, sampleAlert(fmt.Sprintf("c-%02d", i), base.Add(time.Duration(i)*time.Second)))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 40 {
		t.Errorf("List len = %d, want 40", len(list))
	}
}

func TestManagerReloadsFromStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reload.db")
	ctx := context.Background()

	s1, err := New(ctx, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m1 := alert.NewManager(alert.DefaultPolicy(), s1, nil, log.Nop(), nil)
	a := m1.Generate(ctx, event.RawEvent{Source: "aws"}, classifier.Result{Probability: 0.9, IsThreat: true}, nil)
	if a == nil {
		t.Fatal("Generate returned nil")
	}
	if !m1.Acknowledge(ctx, a.ID) {
		t.Fatal("Acknowledge failed")
	}
	_ = s1.Close()

	s2, err := New(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })
	m2 := alert.NewManager(alert.DefaultPolicy(), s2, nil, log.Nop(), nil)
	n, err := m2.Load(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Load = %d, %v", n, err)
	}
	got, ok := m2.Get(ctx, a.ID)
	if !ok || got.Status != alert.StatusAcknowledged || got.AcknowledgedAt == nil {
		t.Errorf("reloaded alert = %+v", got)
	}
	if st := m2.Statistics(ctx); st.Active != 0 || st.BySeverity["high"] != 1 {
		t.Errorf("statistics after reload = %+v", st)
	}
}
