// Package lokisrc is a collector that pulls security log lines from Loki with
// a LogQL selector over the collection window.
package lokisrc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/threatwatch/internal/event"
)

const (
	// DefaultLimit caps lines fetched per poll.
	DefaultLimit = 1000
	maxLimit     = 5000
	// maxWindow bounds the query range regardless of the requested window.
	maxWindow    = 6 * time.Hour
	maxBodyBytes = 5 << 20
)

const successStatus = "success"

// Config selects the Loki instance and stream.
type Config struct {
	Endpoint string
	TenantID string
	// Query is a LogQL log selector, e.g. {job="cloudtrail"}.
	Query string
	Limit int
}

// Source queries Loki's query_range API.
type Source struct {
	endpoint   *url.URL
	tenantID   string
	query      string
	limit      int
	httpClient *http.Client
	now        func() time.Time
}

// New validates cfg and returns a Source.
func New(cfg Config) (*Source, error) {
	if cfg.Endpoint == "" || cfg.Query == "" {
		return nil, errors.New("loki: endpoint and query are required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("loki: invalid endpoint %q", cfg.Endpoint)
	}
	switch {
	case cfg.Limit <= 0:
		cfg.Limit = DefaultLimit
	case cfg.Limit > maxLimit:
		cfg.Limit = maxLimit
	}
	return &Source{
		endpoint:   u,
		tenantID:   cfg.TenantID,
		query:      cfg.Query,
		limit:      cfg.Limit,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}, nil
}

// Name implements collect.Collector.
func (s *Source) Name() string { return "loki" }

type stream struct {
	Labels map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type response struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string   `json:"resultType"`
		Result     []stream `json:"result"`
	} `json:"data"`
}

// RecentEvents returns log lines from the last window, oldest first.
func (s *Source) RecentEvents(ctx context.Context, window time.Duration) ([]event.RawEvent, error) {
	switch {
	case window <= 0:
		window = time.Minute
	case window > maxWindow:
		window = maxWindow
	}
	end := s.now().UTC()
	start := end.Add(-window)

	u := *s.endpoint
	u.Path = path.Join(u.Path, "loki/api/v1/query_range")
	q := u.Query()
	q.Set("query", s.query)
	q.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	q.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	q.Set("limit", strconv.Itoa(s.limit))
	q.Set("direction", "forward")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("loki: create request: %w", err)
	}
	if s.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", s.tenantID)
	}

	resp, err := s.httpClient.Do(req) //nolint:gosec // G704: endpoint comes from operator config
	if err != nil {
		return nil, fmt.Errorf("loki: query failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("loki: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loki: returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var lr response
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("loki: decode response: %w", err)
	}
	if lr.Status != successStatus {
		return nil, fmt.Errorf("loki: query status %q", lr.Status)
	}
	return flatten(lr.Data.Result, s.limit), nil
}

// flatten converts streams to events, stopping at limit.
func flatten(streams []stream, limit int) []event.RawEvent {
	out := make([]event.RawEvent, 0, min(limit, 64))
	for _, st := range streams {
		for _, entry := range st.Values {
			if len(entry) < 2 {
				continue
			}
			out = append(out, toEvent(st.Labels, entry[0], entry[1]))
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// toEvent decodes a JSON log line as an event; anything else becomes an
// event whose payload holds the raw line. The stream's "source" label fills
// a missing source and the entry timestamp a missing timestamp.
func toEvent(labels map[string]string, ts, line string) event.RawEvent {
	var ev event.RawEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		ev = event.RawEvent{Payload: event.Payload{"message": event.StringValue(line)}}
	}
	if ev.Source == "" {
		ev.Source = labels["source"]
	}
	if ev.Source == "" {
		ev.Source = "loki"
	}
	if ev.Timestamp == "" {
		if ns, err := strconv.ParseInt(ts, 10, 64); err == nil {
			ev.Timestamp = time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
		}
	}
	return ev
}
