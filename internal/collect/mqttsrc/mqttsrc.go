// Package mqttsrc is a collector fed by JSON events published to an MQTT
// topic, for agents and forwarders that push rather than wait to be polled.
package mqttsrc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatwatch/internal/event"
)

// DefaultMaxPending caps events held between polls.
const DefaultMaxPending = 10000

const connectTimeout = 10 * time.Second

// ErrDisconnected is returned by RecentEvents when nothing is pending and the
// broker connection is down.
var ErrDisconnected = errors.New("mqtt: not connected")

// Config describes the broker connection and subscription.
type Config struct {
	Broker     string
	ClientID   string
	Username   string
	Password   string
	Topic      string
	QoS        byte
	MaxPending int
}

// Source buffers events received on a topic until the next poll.
type Source struct {
	client mqtt.Client
	topic  string
	qos    byte
	max    int
	logger log.Logger

	mu      sync.Mutex
	pending []event.RawEvent

	dropped   atomic.Uint64
	malformed atomic.Uint64
}

// New wraps an existing client. Call Subscribe to start receiving.
func New(client mqtt.Client, cfg Config, logger log.Logger) *Source {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	return &Source{
		client: client,
		topic:  cfg.Topic,
		qos:    cfg.QoS,
		max:    cfg.MaxPending,
		logger: logger,
	}
}

// Dial connects to the broker and subscribes. The subscription is renewed on
// every reconnect.
func Dial(ctx context.Context, cfg Config, logger log.Logger) (*Source, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, errors.New("mqtt: broker and topic are required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "threatwatch"
	}

	s := New(nil, cfg, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		if err := s.Subscribe(); err != nil {
			s.logger.Error(context.Background(), err, "mqtt subscribe failed", "topic", s.topic)
			return
		}
		s.logger.Info(context.Background(), "mqtt subscribed", "broker", cfg.Broker, "topic", s.topic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn(context.Background(), "mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	tok := s.client.Connect()
	if err := waitToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return s, nil
}

// Subscribe registers the message handler on the configured topic.
func (s *Source) Subscribe() error {
	tok := s.client.Subscribe(s.topic, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.handle(msg.Topic(), msg.Payload())
	})
	return waitToken(context.Background(), tok)
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	if !tok.WaitTimeout(connectTimeout) {
		return errors.New("timed out")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tok.Error()
}

func (s *Source) handle(topic string, payload []byte) {
	var ev event.RawEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.malformed.Add(1)
		s.logger.Warn(context.Background(), "dropping malformed mqtt event",
			"topic", topic,
			"error", err,
			"bytes", len(payload),
		)
		return
	}
	if ev.Source == "" {
		ev.Source = s.Name()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= s.max {
		s.dropped.Add(1)
		return
	}
	s.pending = append(s.pending, ev)
}

// Name implements collect.Collector.
func (s *Source) Name() string { return "mqtt" }

// RecentEvents returns everything received since the previous call. Push
// delivery has no lookback, so window is ignored.
func (s *Source) RecentEvents(_ context.Context, _ time.Duration) ([]event.RawEvent, error) {
	s.mu.Lock()
	out := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(out) == 0 && s.client != nil && !s.client.IsConnectionOpen() {
		return nil, ErrDisconnected
	}
	return out, nil
}

// Dropped reports events discarded because too many were pending.
func (s *Source) Dropped() uint64 { return s.dropped.Load() }

// Malformed reports payloads that were not valid events.
func (s *Source) Malformed() uint64 { return s.malformed.Load() }

// Close disconnects from the broker and logs what was discarded over the
// source's lifetime.
func (s *Source) Close() {
	s.logger.Info(context.Background(), "mqtt collector closing",
		"topic", s.topic,
		"dropped", s.Dropped(),
		"malformed", s.Malformed(),
	)
	if s.client != nil {
		s.client.Disconnect(250)
	}
}
