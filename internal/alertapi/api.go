// Package alertapi is the HTTP query and control surface: alert listing and
// lifecycle, statistics, pipeline status and push-style event submission.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/threatwatch/internal/alert"
	"github.com/linnemanlabs/threatwatch/internal/authmw"
	"github.com/linnemanlabs/threatwatch/internal/event"
	"github.com/linnemanlabs/threatwatch/internal/pipeline"
)

// AlertService is the alert lifecycle surface the handlers need.
type AlertService interface {
	Get(ctx context.Context, id string) (*alert.Alert, bool)
	Active(ctx context.Context, sev *alert.Severity, limit int) []*alert.Alert
	Acknowledge(ctx context.Context, id string) bool
	Resolve(ctx context.Context, id, notes string) bool
	Statistics(ctx context.Context) alert.Statistics
}

// PipelineService accepts events and reports pipeline state.
type PipelineService interface {
	Submit(ctx context.Context, ev event.RawEvent) bool
	Analyze(ctx context.Context, events []event.RawEvent) pipeline.Report
	CollectAndAnalyze(ctx context.Context, window time.Duration) pipeline.Report
	Status(ctx context.Context) pipeline.Status
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	alerts   AlertService
	pipeline PipelineService
	token    string
}

// New creates a new API handler. A non-empty token is required as a bearer
// token on mutating routes.
func New(logger log.Logger, alerts AlertService, pipe PipelineService, token string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if alerts == nil {
		panic(xerrors.New("alert service is required"))
	}
	if pipe == nil {
		panic(xerrors.New("pipeline service is required"))
	}
	return &API{
		logger:   logger,
		alerts:   alerts,
		pipeline: pipe,
		token:    token,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authmw.Mutating(authmw.BearerToken(a.token)))

		r.Get("/alerts", a.handleListAlerts)
		r.Get("/alerts/{id}", a.handleGetAlert)
		r.Post("/alerts/{id}/ack", a.handleAcknowledge)
		r.Post("/alerts/{id}/resolve", a.handleResolve)
		r.Get("/stats", a.handleStats)

		r.Post("/events", a.handleSubmitEvents)
		r.Post("/collect", a.handleCollect)
		r.Get("/status", a.handleStatus)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
