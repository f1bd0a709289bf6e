package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"ecobin/internal/config"
	"ecobin/internal/logging"
	"ecobin/internal/services"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func testConfig() config.Telemetry {
	cfg := config.Default().Telemetry
	cfg.Broker = "broker.local"
	cfg.Username = "bin"
	cfg.Password = "secret"
	cfg.ClientID = "ecobin-test"
	return cfg
}

func TestClientOptions(t *testing.T) {
	c := New(testConfig(), logging.NewNop(), Handlers{})
	opts := c.clientOptions()

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://broker.local:8883" {
		t.Fatalf("unexpected servers %v", opts.Servers)
	}
	if opts.ClientID != "ecobin-test" || opts.Username != "bin" || opts.Password != "secret" {
		t.Fatalf("unexpected identity %q %q", opts.ClientID, opts.Username)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.InsecureSkipVerify {
		t.Fatalf("expected verified tls config")
	}
	if !opts.AutoReconnect || opts.MaxReconnectInterval != time.Minute {
		t.Fatalf("unexpected reconnect settings %v %v", opts.AutoReconnect, opts.MaxReconnectInterval)
	}
}

func TestClientOptionsPlainTCP(t *testing.T) {
	cfg := testConfig()
	cfg.TLS = false
	cfg.Port = 1883
	cfg.ClientID = ""
	c := New(cfg, logging.NewNop(), Handlers{})
	opts := c.clientOptions()
	if opts.Servers[0].String() != "tcp://broker.local:1883" {
		t.Fatalf("unexpected server %v", opts.Servers[0])
	}
	if opts.ClientID == "" {
		t.Fatal("expected generated client id")
	}
}

func TestHandleMessageDispatches(t *testing.T) {
	var got []Reading
	var malformed []error
	c := New(testConfig(), logging.NewNop(), Handlers{
		Reading:   func(r Reading) { got = append(got, r) },
		Malformed: func(err error) { malformed = append(malformed, err) },
	})
	c.handleMessage(nil, fakeMessage{topic: "reciclaje/esp32-01/nivel", payload: []byte(`{"target":"plastic","percent":50}`)})
	c.handleMessage(nil, fakeMessage{topic: "reciclaje/esp32-01/nivel", payload: []byte(`{"percent":50}`)})

	if len(got) != 1 || got[0].Target != "plastic" {
		t.Fatalf("unexpected readings %+v", got)
	}
	if len(malformed) != 1 || !errors.Is(malformed[0], services.ErrMalformedTelemetry) {
		t.Fatalf("unexpected malformed errors %v", malformed)
	}
}

func TestConnectionStatusHandler(t *testing.T) {
	var states []bool
	c := New(testConfig(), logging.NewNop(), Handlers{Status: func(connected bool) { states = append(states, connected) }})
	c.onConnectionLost(nil, errors.New("eof"))
	if len(states) != 1 || states[0] {
		t.Fatalf("unexpected states %v", states)
	}
}

func TestPublishWithoutConnection(t *testing.T) {
	c := New(testConfig(), logging.NewNop(), Handlers{})
	err := c.Publish(context.Background(), "material/detectado", []byte("plastic"))
	if !errors.Is(err, services.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if c.Connected() {
		t.Fatal("expected disconnected client")
	}
}

func TestStartRequiresBroker(t *testing.T) {
	cfg := testConfig()
	cfg.Broker = ""
	c := New(cfg, logging.NewNop(), Handlers{})
	if err := c.Start(context.Background()); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
