package alert

import (
	"cmp"
	crand "crypto/rand"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/threatwatch/internal/classifier"
	"github.com/linnemanlabs/threatwatch/internal/event"
)

// DefaultActiveLimit caps Active when no limit is given.
const DefaultActiveLimit = 100

// recentCount is how many active alerts Statistics returns.
const recentCount = 10

var (
	urgentRecommendations = []string{
		"Immediately investigate this event",
		"Review all recent activities from this source",
		"Consider blocking the source IP address",
		"Check for any successful unauthorized access",
	}
	reviewRecommendations = []string{
		"Review this event during next security review",
		"Monitor the source for additional suspicious activity",
		"Verify user identity if applicable",
	}
	lowRecommendations = []string{
		"Log for future analysis",
		"Monitor for pattern escalation",
	}
)

// Manager owns alert history. All writes go through its mutex; every value it
// returns is a copy.
type Manager struct {
	policy   SeverityPolicy
	store    Store
	notifier Notifier
	logger   log.Logger
	metrics  *Metrics
	now      func() time.Time

	mu      sync.RWMutex
	alerts  []*Alert // creation order
	byID    map[string]*Alert
	counts  map[Severity]int
	entropy *ulid.MonotonicEntropy
}

// NewManager creates a Manager. store, notifier and m may be nil.
func NewManager(policy SeverityPolicy, store Store, notifier Notifier, logger log.Logger, m *Metrics) *Manager {
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{
		policy:   policy,
		store:    store,
		notifier: notifier,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		byID:     make(map[string]*Alert),
		counts:   make(map[Severity]int),
		entropy:  ulid.Monotonic(crand.Reader, 0),
	}
}

// Load replaces in-memory history with the store's contents.
func (m *Manager) Load(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	list, err := m.store.List(ctx)
	if err != nil {
		m.storeError("list")
		return 0, fmt.Errorf("load alerts: %w", err)
	}
	slices.SortStableFunc(list, func(a, b *Alert) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = m.alerts[:0]
	clear(m.byID)
	clear(m.counts)
	for _, a := range list {
		if a == nil || a.ID == "" {
			continue
		}
		if _, dup := m.byID[a.ID]; dup {
			continue
		}
		cp := a.Clone()
		m.alerts = append(m.alerts, cp)
		m.byID[cp.ID] = cp
		m.counts[cp.Severity]++
	}
	m.observeActiveLocked()
	return len(m.alerts), nil
}

// Generate creates an alert for ev. When sev is nil the policy picks the
// severity from res.Probability. It returns nil if the alert could not be
// recorded; the failure is logged.
func (m *Manager) Generate(ctx context.Context, ev event.RawEvent, res classifier.Result, sev *Severity) (out *Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(ctx, fmt.Errorf("panic: %v", r), "alert generation failed",
				"source", ev.SourceName(),
			)
			out = nil
		}
	}()

	severity := m.policy.Classify(res.Probability)
	if sev != nil && sev.Valid() {
		severity = *sev
	}

	a := &Alert{
		Severity:        severity,
		Confidence:      res.Probability,
		Source:          ev.SourceName(),
		EventTimestamp:  ev.Timestamp,
		Description:     describe(ev, res.Probability),
		Recommendations: recommend(severity),
		Event:           ev,
		Classification:  res,
		Status:          StatusOpen,
	}
	a.Event.Payload = maps.Clone(ev.Payload)

	out, err := m.record(ctx, a)
	if err != nil {
		m.logger.Error(ctx, err, "failed to record alert", "source", a.Source)
		return nil
	}

	if m.metrics != nil {
		m.metrics.AlertsTotal.WithLabelValues(severity.String()).Inc()
	}
	m.logger.Warn(ctx, "generated alert",
		"alert_id", out.ID,
		"severity", severity.String(),
		"confidence", out.Confidence,
		"source", out.Source,
	)

	if m.notifier != nil {
		m.notifier.Notify(ctx, out.Clone())
	}
	return out
}

// record assigns the id and timestamp, writes through to the store and
// inserts into history. The store write runs outside the lock so readers are
// not stalled behind a slow backend; a failed write leaves history untouched.
func (m *Manager) record(ctx context.Context, a *Alert) (*Alert, error) {
	m.mu.Lock()
	now := m.now().UTC()
	id, err := ulid.New(ulid.Timestamp(now), m.entropy)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("alert id: %w", err)
	}
	a.ID = id.String()
	a.CreatedAt = now

	if m.store != nil {
		if err := m.store.Put(ctx, a); err != nil {
			m.storeError("put")
			return nil, fmt.Errorf("persist alert %s: %w", a.ID, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Concurrent writers can finish their Put out of order; ids are
	// monotonic, so walk back from the tail to keep creation order.
	i := len(m.alerts)
	for i > 0 && m.alerts[i-1].ID > a.ID {
		i--
	}
	m.alerts = slices.Insert(m.alerts, i, a)
	m.byID[a.ID] = a
	m.counts[a.Severity]++
	m.observeActiveLocked()
	return a.Clone(), nil
}

// GenerateBatch creates alerts for every result that is a threat or exceeds
// its threshold. Each result is attributed to events[result.Index].
func (m *Manager) GenerateBatch(ctx context.Context, events []event.RawEvent, results []classifier.Result) []*Alert {
	var out []*Alert
	for _, r := range results {
		if !r.Alertable() {
			continue
		}
		if r.Index < 0 || r.Index >= len(events) {
			m.logger.Warn(ctx, "classification result index out of range, skipping",
				"index", r.Index,
				"events", len(events),
			)
			continue
		}
		if a := m.Generate(ctx, events[r.Index], r, nil); a != nil {
			out = append(out, a)
		}
	}
	m.logger.Info(ctx, "batch alerts generated",
		"alerts", len(out),
		"events", len(events),
	)
	return out
}

// Acknowledge moves an open alert to acknowledged. It reports false for
// unknown ids and for alerts that are not open.
func (m *Manager) Acknowledge(ctx context.Context, id string) bool {
	return m.transition(ctx, id, StatusAcknowledged, func(a *Alert) bool {
		if a.Status != StatusOpen {
			return false
		}
		now := m.now().UTC()
		a.Status = StatusAcknowledged
		a.AcknowledgedAt = &now
		return true
	})
}

// Resolve closes an open or acknowledged alert with optional notes. Resolved
// is terminal: resolving again reports false.
func (m *Manager) Resolve(ctx context.Context, id, notes string) bool {
	return m.transition(ctx, id, StatusResolved, func(a *Alert) bool {
		if a.Status == StatusResolved {
			return false
		}
		now := m.now().UTC()
		a.Status = StatusResolved
		a.ResolvedAt = &now
		a.ResolutionNotes = notes
		return true
	})
}

// transition applies fn to a copy of the alert and commits it only once the
// store accepted it.
func (m *Manager) transition(ctx context.Context, id string, to Status, fn func(*Alert) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byID[id]
	if !ok {
		m.countTransition(to, "not_found")
		return false
	}
	next := cur.Clone()
	if !fn(next) {
		m.countTransition(to, "rejected")
		return false
	}
	if m.store != nil {
		if err := m.store.Put(ctx, next); err != nil {
			m.storeError("put")
			m.countTransition(to, "error")
			m.logger.Error(ctx, err, "failed to persist alert transition",
				"alert_id", id,
				"status", string(to),
			)
			return false
		}
	}
	*cur = *next
	m.observeActiveLocked()
	m.countTransition(to, "ok")
	m.logger.Info(ctx, "alert transitioned", "alert_id", id, "status", string(to))
	return true
}

// Get returns a copy of the alert with the given id.
func (m *Manager) Get(_ context.Context, id string) (*Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Active returns open alerts, newest first, optionally filtered by severity
// and capped at limit (DefaultActiveLimit when limit <= 0).
func (m *Manager) Active(_ context.Context, sev *Severity, limit int) []*Alert {
	if limit <= 0 {
		limit = DefaultActiveLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked(sev, limit)
}

func (m *Manager) activeLocked(sev *Severity, limit int) []*Alert {
	out := make([]*Alert, 0, min(limit, len(m.alerts)))
	// newest first; history is kept in creation order
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		a := m.alerts[i]
		if a.Status != StatusOpen {
			continue
		}
		if sev != nil && a.Severity != *sev {
			continue
		}
		out = append(out, a.Clone())
	}
	return out
}

// Statistics summarizes history: totals, counts per severity and the most
// recent active alerts.
func (m *Manager) Statistics(_ context.Context) Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Statistics{
		Total:      len(m.alerts),
		BySeverity: make(map[string]int, 4),
	}
	for _, s := range Severities() {
		st.BySeverity[s.String()] = m.counts[s]
	}
	for _, a := range m.alerts {
		if a.Status == StatusOpen {
			st.Active++
		}
	}
	st.Recent = m.activeLocked(nil, recentCount)
	return st
}

func (m *Manager) observeActiveLocked() {
	if m.metrics == nil {
		return
	}
	var n int
	for _, a := range m.alerts {
		if a.Status == StatusOpen {
			n++
		}
	}
	m.metrics.ActiveAlerts.Set(float64(n))
}

func (m *Manager) countTransition(to Status, result string) {
	if m.metrics != nil {
		m.metrics.TransitionsTotal.WithLabelValues(string(to), result).Inc()
	}
}

func (m *Manager) storeError(op string) {
	if m.metrics != nil {
		m.metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	}
}

func describe(ev event.RawEvent, confidence float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Potential security threat detected from %s with %.1f%% confidence.",
		ev.SourceName(), confidence*100)
	if act := ev.ActivityName(); act != "" {
		fmt.Fprintf(&b, " Activity: %s.", act)
	}
	if ip := ev.IP(); ip != "" {
		fmt.Fprintf(&b, " Source IP: %s.", ip)
	}
	return b.String()
}

func recommend(s Severity) []string {
	switch {
	case s >= SeverityHigh:
		return slices.Clone(urgentRecommendations)
	case s == SeverityMedium:
		return slices.Clone(reviewRecommendations)
	default:
		return slices.Clone(lowRecommendations)
	}
}
