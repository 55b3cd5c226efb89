package mqttsrc

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatwatch/internal/collect"
)

var _ collect.Collector = (*Source)(nil)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (t doneToken) Error() error                   { return t.err }

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

type fakeClient struct {
	mqtt.Client
	open    bool
	subErr  error
	topic   string
	qos     byte
	handler mqtt.MessageHandler
}

func (c *fakeClient) IsConnectionOpen() bool { return c.open }

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.topic, c.qos, c.handler = topic, qos, cb
	return doneToken{err: c.subErr}
}

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) deliver(payload string) {
	c.handler(c, fakeMessage{topic: c.topic, payload: []byte(payload)})
}

func TestSource_SubscribeAndDrain(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{open: true}
	s := New(fc, Config{Topic: "telemetry/+/security", QoS: 1}, log.Nop())
	if err := s.Subscribe(); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if fc.topic != "telemetry/+/security" || fc.qos != 1 {
		t.Errorf("subscribed to %q qos %d", fc.topic, fc.qos)
	}

	fc.deliver(`{"source":"aws","event_id":"e1","message":{"EventName":"ConsoleLogin"}}`)
	fc.deliver(`{"event_id":"e2"}`)
	fc.deliver(`not json`)

	got, err := s.RecentEvents(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].Source != "aws" || got[0].Payload.String("EventName", "") != "ConsoleLogin" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Source != "mqtt" {
		t.Errorf("missing source should default to mqtt, got %q", got[1].Source)
	}
	if s.Malformed() != 1 {
		t.Errorf("Malformed = %d, want 1", s.Malformed())
	}

	again, err := s.RecentEvents(context.Background(), time.Minute)
	if err != nil || len(again) != 0 {
		t.Errorf("second drain = %d events, %v; want empty", len(again), err)
	}
}

func TestSource_BoundedPending(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{open: true}
	s := New(fc, Config{Topic: "t", MaxPending: 3}, log.Nop())
	if err := s.Subscribe(); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for range 5 {
		fc.deliver(`{"source":"gcp"}`)
	}

	got, _ := s.RecentEvents(context.Background(), 0)
	if len(got) != 3 {
		t.Errorf("events = %d, want 3", len(got))
	}
	if s.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", s.Dropped())
	}
}

func TestSource_Disconnected(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{open: false}
	s := New(fc, Config{Topic: "t"}, log.Nop())
	if _, err := s.RecentEvents(context.Background(), time.Minute); !errors.Is(err, ErrDisconnected) {
		t.Errorf("err = %v, want ErrDisconnected", err)
	}
}

func TestSource_SubscribeError(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{subErr: errors.New("not authorized")}
	if err := New(fc, Config{Topic: "t"}, nil).Subscribe(); err == nil {
		t.Fatal("expected subscribe error")
	}
}

func TestDial_RequiresBrokerAndTopic(t *testing.T) {
	t.Parallel()

	if _, err := Dial(context.Background(), Config{Topic: "t"}, nil); err == nil {
		t.Error("expected error without broker")
	}
	if _, err := Dial(context.Background(), Config{Broker: "tcp://localhost:1883"}, nil); err == nil {
		t.Error("expected error without topic")
	}
}

func TestDial_Integration(t *testing.T) {
	broker := os.Getenv("THREATWATCH_TEST_MQTT_BROKER")
	if broker == "" {
		t.Skip("THREATWATCH_TEST_MQTT_BROKER not set, skipping integration test")
	}

	topic := "threatwatch/test/" + time.Now().Format("150405.000")
	s, err := Dial(context.Background(), Config{Broker: broker, ClientID: "threatwatch-test-sub", Topic: topic, QoS: 1}, log.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID("threatwatch-test-pub")
	pub := mqtt.NewClient(opts)
	if tok := pub.Connect(); tok.Wait() && tok.Error() != nil {
		t.Fatalf("publisher connect: %v", tok.Error())
	}
	defer pub.Disconnect(250)

	if tok := pub.Publish(topic, 1, false, `{"source":"aws","event_id":"it-1"}`); tok.Wait() && tok.Error() != nil {
		t.Fatalf("publish: %v", tok.Error())
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := s.RecentEvents(context.Background(), time.Minute)
		if len(got) == 1 && got[0].EventID == "it-1" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("published event not received")
}
