package main

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/threatwatch/internal/alert"
	"github.com/linnemanlabs/threatwatch/internal/alert/memstore"
	"github.com/linnemanlabs/threatwatch/internal/alert/pgstore"
	"github.com/linnemanlabs/threatwatch/internal/alert/sqlitestore"
	tc "github.com/linnemanlabs/threatwatch/internal/cfg"
	"github.com/linnemanlabs/threatwatch/internal/collect"
	"github.com/linnemanlabs/threatwatch/internal/collect/lokisrc"
	"github.com/linnemanlabs/threatwatch/internal/collect/mqttsrc"
	"github.com/linnemanlabs/threatwatch/internal/features"
	"github.com/linnemanlabs/threatwatch/internal/features/redisrep"
	"github.com/linnemanlabs/threatwatch/internal/notify"
	"github.com/linnemanlabs/threatwatch/internal/notify/email"
	"github.com/linnemanlabs/threatwatch/internal/notify/slack"
	"github.com/linnemanlabs/threatwatch/internal/postgres"
)

// closers collects cleanup funcs in the order resources were opened.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

// run calls the cleanups in reverse.
func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// openAlertStore picks the alert history backend: Postgres, SQLite, or
// memory when neither is configured.
func openAlertStore(ctx context.Context, appCfg *tc.Config, L log.Logger, reg prometheus.Registerer, cl *closers) (alert.Store, error) {
	switch {
	case appCfg.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.PoolOptions{
			Logger:   L,
			Observer: postgres.NewQueryMetrics(reg),
		})
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		cl.add(pool.Close)
		st, err := pgstore.New(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres alert store")
		return st, nil

	case appCfg.SQLitePath != "":
		st, err := sqlitestore.New(ctx, appCfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore init: %w", err)
		}
		cl.add(func() { _ = st.Close() })
		L.Info(ctx, "using sqlite alert store", "path", appCfg.SQLitePath)
		return st, nil

	default:
		L.Info(ctx, "using in-memory alert store (no database-url or sqlite-path configured)")
		return memstore.New(), nil
	}
}

// reputationSource returns the Redis-backed feed when configured and
// reachable, and the built-in heuristic otherwise.
func reputationSource(ctx context.Context, appCfg *tc.Config, L log.Logger, cl *closers) features.ReputationSource {
	if appCfg.RedisAddr == "" {
		return features.Heuristic{}
	}
	rdb, err := redisrep.Dial(ctx, appCfg.RedisAddr)
	if err != nil {
		L.Error(ctx, err, "reputation feed unavailable, using heuristic", "redis_addr", appCfg.RedisAddr)
		return features.Heuristic{}
	}
	cl.add(func() { _ = rdb.Close() })
	L.Info(ctx, "reputation feed enabled", "redis_addr", appCfg.RedisAddr)
	return redisrep.New(rdb, "")
}

// notificationRouter wires the configured sinks.
func notificationRouter(ctx context.Context, appCfg *tc.Config, L log.Logger, reg prometheus.Registerer) *notify.Router {
	opts := notify.Options{Metrics: notify.NewMetrics(reg)}
	if appCfg.WebhookURL != "" {
		opts.Chat = slack.New(appCfg.WebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	if appCfg.AlertEmail != "" {
		opts.Email = email.New(appCfg.AlertEmail, L)
		L.Info(ctx, "notifier enabled", "type", "email", "to", appCfg.AlertEmail)
	}
	return notify.NewRouter(L, opts)
}

// collectors connects the configured event sources. A source that cannot be
// reached is logged and skipped; events can still be pushed over the API.
func collectors(ctx context.Context, appCfg *tc.Config, L log.Logger, cl *closers) []collect.Collector {
	var out []collect.Collector
	if appCfg.MQTTBroker != "" {
		src, err := mqttsrc.Dial(ctx, mqttsrc.Config{
			Broker:   appCfg.MQTTBroker,
			ClientID: appCfg.MQTTClientID,
			Username: appCfg.MQTTUsername,
			Password: appCfg.MQTTPassword,
			Topic:    appCfg.MQTTTopic,
			QoS:      1,
		}, L)
		if err != nil {
			L.Error(ctx, err, "mqtt collector disabled", "broker", appCfg.MQTTBroker)
		} else {
			cl.add(src.Close)
			out = append(out, src)
		}
	}
	if appCfg.LokiEndpoint != "" {
		src, err := lokisrc.New(lokisrc.Config{
			Endpoint: appCfg.LokiEndpoint,
			TenantID: appCfg.LokiTenantID,
			Query:    appCfg.LokiQuery,
		})
		if err != nil {
			L.Error(ctx, err, "loki collector disabled", "endpoint", appCfg.LokiEndpoint)
		} else {
			L.Info(ctx, "collector enabled", "type", "loki", "query", appCfg.LokiQuery)
			out = append(out, src)
		}
	}
	return out
}
