package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatwatch/internal/pipeline"
)

// stopStep is one component in the shutdown sequence.
type stopStep struct {
	name string
	fn   func(context.Context) error
}

// waitDrain sleeps for the drain period so load balancers observe the failed
// readiness check. A second signal cuts it short.
func waitDrain(L log.Logger, drain time.Duration) {
	ctx := context.Background()
	L.Info(ctx, "draining", "drain_seconds", drain.Seconds())

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	select {
	case <-time.After(drain):
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// shutdown runs steps in order. Each gets an equal slice of budget and the
// whole sequence is bounded by it; a failing step is logged and the rest
// still run. Nil step funcs are skipped.
func shutdown(L log.Logger, budget time.Duration, steps []stopStep) {
	var live []stopStep
	for _, s := range steps {
		if s.fn != nil {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		return
	}

	perStep := budget / time.Duration(len(live))
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range live {
		sctx, scancel := context.WithTimeout(ctx, perStep)
		if err := s.fn(sctx); err != nil {
			L.Error(context.Background(), err, "shutdown step failed", "step", s.name)
		}
		scancel()
	}
}

// stopRunner stops the pipeline loops, giving up when ctx expires.
func stopRunner(ctx context.Context, r *pipeline.Runner) error {
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline did not stop: %w", ctx.Err())
	}
}

// notifySystemd reports readiness when started as a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr is set by systemd; unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
