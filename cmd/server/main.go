// Threatwatch scores security telemetry from cloud collectors with a
// trained classifier and turns likely threats into tracked, routed alerts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/threatwatch/internal/alert"
	"github.com/linnemanlabs/threatwatch/internal/alertapi"
	tc "github.com/linnemanlabs/threatwatch/internal/cfg"
	"github.com/linnemanlabs/threatwatch/internal/collect"
	"github.com/linnemanlabs/threatwatch/internal/features"
	"github.com/linnemanlabs/threatwatch/internal/ingest"
	"github.com/linnemanlabs/threatwatch/internal/pipeline"
	"github.com/linnemanlabs/threatwatch/internal/postgres"
)

const (
	appName   = "threatwatch"
	component = "server"
	envPrefix = "THREATWATCH_"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var (
		appCfg    tc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Precedence: flags, then the process environment, then .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "ignoring .env:", err)
	}
	cfg.FillFromEnv(flag.CommandLine, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"buffer_capacity", appCfg.BufferCapacity,
		"batch_size", appCfg.BatchSize,
		"poll_interval", appCfg.PollInterval.String(),
		"confidence_threshold", appCfg.ConfidenceThreshold,
		"severity_thresholds", fmt.Sprintf("%.2f/%.2f/%.2f", appCfg.MediumThreshold, appCfg.HighThreshold, appCfg.CriticalCutoff),
		"model_path", appCfg.ModelPath,
		"api_auth", appCfg.APIToken != "",
	)

	// Profiling covers the whole process lifetime, so it starts first.
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtel, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)
	reg := m.Registry()

	var cl closers
	defer cl.run()

	// An unusable model artifact is fatal; a missing or stale one is retrained.
	model, err := pipeline.LoadOrTrain(ctx, pipeline.ModelConfig{
		Path:       appCfg.ModelPath,
		MaxAge:     appCfg.RetrainInterval,
		Normal:     appCfg.TrainNormal,
		Suspicious: appCfg.TrainSuspicious,
	}, L)
	if err != nil {
		return fmt.Errorf("classifier init: %w", err)
	}

	store, err := openAlertStore(ctx, &appCfg, L, reg, &cl)
	if err != nil {
		return err
	}
	notifier := notificationRouter(ctx, &appCfg, L, reg)
	alerts := alert.NewManager(appCfg.SeverityPolicy(), store, notifier, L, alert.NewMetrics(reg))
	loaded, err := alerts.Load(ctx)
	if err != nil {
		return fmt.Errorf("load alert history: %w", err)
	}
	L.Info(ctx, "alert history loaded", "alerts", loaded)

	extractor, err := features.NewExtractor(L, features.Options{
		Reputation: reputationSource(ctx, &appCfg, L, &cl),
		CacheSize:  appCfg.ReputationCacheSize,
	})
	if err != nil {
		return fmt.Errorf("feature extractor init: %w", err)
	}
	// Inference columns follow the model's training columns.
	schema := features.NewSchema(model.FeatureNames())

	buf := ingest.New(appCfg.BufferCapacity, L, ingest.NewMetrics(reg))
	producer := collect.NewProducer(buf, collect.Config{
		PollInterval: appCfg.PollInterval,
		RetryBackoff: appCfg.RetryBackoff,
		Window:       appCfg.CollectWindow,
	}, L, collect.NewMetrics(reg), collectors(ctx, &appCfg, L, &cl)...)
	consumer := pipeline.NewConsumer(buf, extractor, schema, model, alerts, pipeline.Config{
		PollInterval: appCfg.PollInterval,
		BatchSize:    appCfg.BatchSize,
		Threshold:    appCfg.ConfidenceThreshold,
	}, L, pipeline.NewMetrics(reg))
	runner := pipeline.NewRunner(buf, producer, consumer, alerts, L)

	// Detached from the signal context so events keep flowing while draining.
	if err := runner.Start(postgres.WithWorkload(log.WithContext(context.Background(), L), "pipeline")); err != nil {
		return fmt.Errorf("pipeline start: %w", err)
	}
	defer runner.Stop()

	// The gate fails readiness once shutdown begins.
	var shutdownGate health.ShutdownGate
	readiness := health.All(shutdownGate.Probe())
	liveness := health.Fixed(true, "")

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}

	h := apiHandler(L,
		func(next http.Handler) http.Handler { return m.Middleware(next) },
		httpmwCfg.TrustedProxyHops,
		alertapi.New(L, alerts, runner, appCfg.APIToken),
		healthChecks{
			healthy: health.HealthzHandler(liveness),
			ready:   health.ReadyzHandler(readiness),
		},
	)
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		_ = opsHTTPStop(context.Background())
		return err
	}

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")
	shutdownGate.Set("draining")

	waitDrain(L, time.Duration(appCfg.DrainSeconds)*time.Second)

	// The API stops before the pipeline so no event is accepted after the
	// consumer's last batch; notifications flush once no alert can be raised.
	shutdown(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, []stopStep{
		{"api http server", apiHTTPStop},
		{"pipeline", func(ctx context.Context) error { return stopRunner(ctx, runner) }},
		{"notifications", notifier.Close},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtel},
	})

	L.Info(context.Background(), "shutdown complete")
	return nil
}
