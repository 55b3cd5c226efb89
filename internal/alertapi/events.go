package alertapi

import (
	"bytes"
	"encoding/json"
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/threatwatch/internal/event"
)

// maxSubmitEvents bounds one POST /events request.
const maxSubmitEvents = 1000

// decodeEvents accepts a single event object or an array of them.
func decodeEvents(body []byte) ([]event.RawEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var evs []event.RawEvent
		if err := json.Unmarshal(body, &evs); err != nil {
			return nil, err
		}
		return evs, nil
	}
	var ev event.RawEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return []event.RawEvent{ev}, nil
}

func (a *API) handleSubmitEvents(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	events, err := decodeEvents(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "no events")
		return
	}
	if len(events) > maxSubmitEvents {
		writeError(w, http.StatusRequestEntityTooLarge, "too many events")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("threatwatch.events.submitted", len(events)))

	if analyze, _ := strconv.ParseBool(r.URL.Query().Get("analyze")); analyze {
		// A client disconnect must not abort alert persistence mid-batch.
		writeJSON(w, http.StatusOK, a.pipeline.Analyze(context.WithoutCancel(r.Context()), events))
		return
	}

	var accepted, dropped int
	for i := range events {
		if a.pipeline.Submit(r.Context(), events[i]) {
			accepted++
		} else {
			dropped++
		}
	}
	span.SetAttributes(attribute.Int("threatwatch.events.dropped", dropped))

	status := http.StatusAccepted
	if dropped > 0 {
		status = http.StatusServiceUnavailable
		a.logger.Warn(r.Context(), "ingestion buffer full, events dropped",
			"accepted", accepted,
			"dropped", dropped,
		)
	}
	writeJSON(w, status, map[string]int{
		"accepted": accepted,
		"dropped":  dropped,
	})
}

// handleCollect polls every collector once over ?window= (a Go duration,
// the configured collection window when absent) and analyzes the result
// synchronously.
func (a *API) handleCollect(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}

	rep := a.pipeline.CollectAndAnalyze(context.WithoutCancel(r.Context()), window)
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("threatwatch.events.collected", rep.Events),
		attribute.Int("threatwatch.alerts.raised", len(rep.Alerts)),
	)
	a.logger.Info(r.Context(), "on-demand collection analyzed",
		"window", window.String(),
		"events", rep.Events,
		"alerts", len(rep.Alerts),
	)
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.pipeline.Status(r.Context()))
}
