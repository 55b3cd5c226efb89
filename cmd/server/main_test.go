package main

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	tc "github.com/linnemanlabs/threatwatch/internal/cfg"
	"github.com/linnemanlabs/threatwatch/internal/features"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestOpenAlertStore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sqlite   bool
		wantType string
	}{
		{"memory by default", false, "*memstore.Store"},
		{"sqlite when path set", true, "*sqlitestore.Store"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			appCfg := tc.Config{}
			if tt.sqlite {
				appCfg.SQLitePath = filepath.Join(t.TempDir(), "data", "alerts.db")
			}
			var cl closers
			defer cl.run()

			st, err := openAlertStore(context.Background(), &appCfg, log.Nop(), prometheus.NewRegistry(), &cl)
			if err != nil {
				t.Fatalf("openAlertStore: %v", err)
			}
			if got := fmt.Sprintf("%T", st); got != tt.wantType {
				t.Errorf("store type = %s, want %s", got, tt.wantType)
			}
			if tt.sqlite && len(cl) != 1 {
				t.Errorf("closers = %d, want 1 for sqlite", len(cl))
			}
		})
	}
}

func TestOpenAlertStore_BadDatabaseURL(t *testing.T) {
	t.Parallel()

	appCfg := tc.Config{DatabaseURL: "://not-a-url"}
	var cl closers
	defer cl.run()
	if _, err := openAlertStore(context.Background(), &appCfg, log.Nop(), prometheus.NewRegistry(), &cl); err == nil {
		t.Fatal("expected error for malformed database url")
	}
}

func TestReputationSource_Fallback(t *testing.T) {
	t.Parallel()

	var cl closers
	if _, ok := reputationSource(context.Background(), &tc.Config{}, log.Nop(), &cl).(features.Heuristic); !ok {
		t.Error("no redis-addr should use the heuristic")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	src := reputationSource(ctx, &tc.Config{RedisAddr: "127.0.0.1:1"}, log.Nop(), &cl)
	if _, ok := src.(features.Heuristic); !ok {
		t.Errorf("unreachable redis should fall back to the heuristic, got %T", src)
	}
	if len(cl) != 0 {
		t.Errorf("closers = %d, want 0", len(cl))
	}
}

func TestCollectors_NoneConfigured(t *testing.T) {
	t.Parallel()

	var cl closers
	if got := collectors(context.Background(), &tc.Config{}, log.Nop(), &cl); len(got) != 0 {
		t.Errorf("collectors = %d, want 0", len(got))
	}
}

func TestCollectors_Loki(t *testing.T) {
	t.Parallel()

	var cl closers
	got := collectors(context.Background(), &tc.Config{
		LokiEndpoint: "http://127.0.0.1:1",
		LokiQuery:    `{job="cloudtrail"}`,
	}, log.Nop(), &cl)
	if len(got) != 1 || got[0].Name() != "loki" {
		t.Fatalf("collectors = %v, want one loki source", got)
	}
}

func TestClosers_ReverseOrder(t *testing.T) {
	t.Parallel()

	var order []int
	var cl closers
	for i := range 3 {
		cl.add(func() { order = append(order, i) })
	}
	cl.run()
	if len(order) != 3 || order[0] != 2 || order[2] != 0 {
		t.Errorf("order = %v, want [2 1 0]", order)
	}
}
