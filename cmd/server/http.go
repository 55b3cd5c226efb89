package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/threatwatch/internal/alertapi"
	"github.com/linnemanlabs/threatwatch/internal/postgres"
)

const (
	healthyPath = "/-/healthy"
	readyPath   = "/-/ready"

	// maxRequestBody fits a full POST /events batch of compact events.
	maxRequestBody = 1 << 20
)

// healthChecks serves liveness and readiness on the public listener.
type healthChecks struct {
	healthy http.HandlerFunc
	ready   http.HandlerFunc
}

// apiHandler builds the public listener: chi routes for the alert API and
// health checks, wrapped in the request middleware stack. The first wrapper
// applied is the innermost.
func apiHandler(L log.Logger, instrument func(http.Handler) http.Handler, trustedHops int, api *alertapi.API, hc healthChecks) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(dbWorkload("api"))
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))

	r.Get(healthyPath, hc.healthy)
	r.Get(readyPath, hc.ready)
	api.RegisterRoutes(r)

	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != healthyPath && r.URL.Path != readyPath
		}),
		// renamed to the chi route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = instrument(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: trustedHops})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)
	return h
}

// dbWorkload labels database queries issued while serving a request and
// logs their totals once the request is done.
func dbWorkload(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, stats := postgres.WithQueryStats(postgres.WithWorkload(r.Context(), name))
			next.ServeHTTP(w, r.WithContext(ctx))

			if n, total, errs := stats.Snapshot(); n > 0 {
				log.FromContext(ctx).Debug(ctx, "request db usage",
					"workload", name,
					"db_queries", n,
					"db_time", total.String(),
					"db_errors", errs,
				)
			}
		})
	}
}
