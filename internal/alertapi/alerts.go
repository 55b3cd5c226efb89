package alertapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/threatwatch/internal/alert"
)

// maxListLimit caps ?limit on the alert listing.
const maxListLimit = 1000

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var sev *alert.Severity
	if v := q.Get("severity"); v != "" {
		s, err := alert.ParseSeverity(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid severity")
			return
		}
		sev = &s
	}

	limit := alert.DefaultActiveLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}

	alerts := a.alerts.Active(r.Context(), sev, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("threatwatch.alert.id", id))

	al, ok := a.alerts.Get(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("threatwatch.alert.id", id))

	if _, ok := a.alerts.Get(r.Context(), id); !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !a.alerts.Acknowledge(r.Context(), id) {
		writeError(w, http.StatusConflict, "alert is not open")
		return
	}
	a.writeAlert(w, r, id)
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("threatwatch.alert.id", id))

	var req resolveRequest
	// the body is optional
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if _, ok := a.alerts.Get(r.Context(), id); !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !a.alerts.Resolve(r.Context(), id, req.Notes) {
		writeError(w, http.StatusConflict, "alert is already resolved")
		return
	}
	a.writeAlert(w, r, id)
}

// writeAlert responds with the alert's state after a transition.
func (a *API) writeAlert(w http.ResponseWriter, r *http.Request, id string) {
	al, ok := a.alerts.Get(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	a.logger.Info(r.Context(), "alert updated via api", "alert_id", id, "status", string(al.Status))
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.alerts.Statistics(r.Context()))
}
