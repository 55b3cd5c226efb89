// Package alert turns classified events into tracked alerts, owns their
// lifecycle, and answers queries over alert history.
package alert

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/linnemanlabs/threatwatch/internal/classifier"
	"github.com/linnemanlabs/threatwatch/internal/event"
)

// Status tracks where an alert is in its lifecycle.
type Status string

const (
	// StatusOpen means raised and not yet looked at
	StatusOpen Status = "open"

	// StatusAcknowledged means an analyst has picked it up
	StatusAcknowledged Status = "acknowledged"

	// StatusResolved is terminal
	StatusResolved Status = "resolved"
)

// Alert is a tracked security finding. Everything above Status is fixed at
// creation.
type Alert struct {
	ID              string            `json:"alert_id"`
	CreatedAt       time.Time         `json:"timestamp"`
	Severity        Severity          `json:"severity"`
	Confidence      float64           `json:"confidence"`
	Source          string            `json:"source"`
	EventTimestamp  string            `json:"event_timestamp"`
	Description     string            `json:"description"`
	Recommendations []string          `json:"recommendations"`
	Event           event.RawEvent    `json:"event_data"`
	Classification  classifier.Result `json:"threat_info"`

	Status          Status     `json:"status"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Recommendations = slices.Clone(a.Recommendations)
	cp.Event.Payload = maps.Clone(a.Event.Payload)
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Statistics is a point-in-time summary of alert history.
type Statistics struct {
	Total      int            `json:"total_alerts"`
	Active     int            `json:"active_alerts"`
	BySeverity map[string]int `json:"by_severity"`
	Recent     []*Alert       `json:"recent_alerts"`
}

// Store persists alerts. The Manager writes through to it and reloads from it
// at startup; queries are answered from memory.
type Store interface {
	Put(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, bool, error)
	List(ctx context.Context) ([]*Alert, error)
}

// Notifier receives every newly created alert. Implementations handle their
// own failures.
type Notifier interface {
	Notify(ctx context.Context, a *Alert)
}
