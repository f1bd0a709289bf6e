package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ecobin/internal/config"
	"ecobin/internal/logging"
	"ecobin/internal/services"
)

// Handlers receives broker events. Every field is optional.
type Handlers struct {
	Reading   func(Reading)
	Malformed func(error)
	Status    func(connected bool)
}

// Client is the MQTT connection shared by the outbound relay and the fill
// reading subscription.
type Client struct {
	cfg      config.Telemetry
	handlers Handlers
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	client mqtt.Client
}

// New builds a client. Start must be called before Publish succeeds.
func New(cfg config.Telemetry, logger *slog.Logger, handlers Handlers) *Client {
	return &Client{
		cfg:      cfg,
		handlers: handlers,
		logger:   logging.NewComponentLogger(logger, "telemetry"),
		now:      time.Now,
	}
}

func (c *Client) brokerURL() string {
	scheme := "tcp"
	if c.cfg.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Broker, c.cfg.Port)
}

func (c *Client) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.brokerURL())
	clientID := strings.TrimSpace(c.cfg.ClientID)
	if clientID == "" {
		clientID = fmt.Sprintf("ecobin-%d", c.now().UnixNano())
	}
	opts.SetClientID(clientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: c.cfg.InsecureSkipVerify, //nolint:gosec // self-signed brokers on the bin LAN
		})
	}
	maxReconnect := time.Duration(c.cfg.ReconnectMaxSeconds) * time.Second
	if maxReconnect <= 0 {
		maxReconnect = time.Minute
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(maxReconnect)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.logger.Debug("reconnecting to broker", logging.String("broker", c.brokerURL()))
	})
	return opts
}

// Start opens the broker connection. The connection keeps retrying in the
// background when the broker is unreachable, so Start only reports
// configuration errors.
func (c *Client) Start(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.Broker) == "" {
		return services.Wrap(services.ErrValidation, "telemetry", "start", "broker is not configured", nil)
	}
	client := mqtt.NewClient(c.clientOptions())
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return services.Wrap(services.ErrTransport, "telemetry", "connect", c.brokerURL(), err)
		}
	case <-time.After(c.publishTimeout()):
		logging.WarnWithContext(c.logger, "broker not reachable yet; retrying in background", "telemetry_connect_pending",
			logging.String("broker", c.brokerURL()),
			logging.String(logging.FieldErrorHint, "check broker address, port, and credentials"),
			logging.String(logging.FieldImpact, "materials are not relayed until the broker connects"),
		)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info("connected to broker", logging.String("broker", c.brokerURL()))
	if topic := strings.TrimSpace(c.cfg.FillTopic); topic != "" {
		token := client.Subscribe(topic, byte(c.cfg.QoS), c.handleMessage)
		go func() {
			if !token.WaitTimeout(c.publishTimeout()) || token.Error() != nil {
				logging.WarnWithContext(c.logger, "fill topic subscription failed", "telemetry_subscribe_failed",
					logging.String("topic", topic),
					logging.Error(token.Error()),
					logging.String(logging.FieldErrorHint, "check broker ACLs for the fill topic"),
					logging.String(logging.FieldImpact, "container levels are not updated"),
				)
				return
			}
			c.logger.Info("subscribed to fill topic", logging.String("topic", topic))
		}()
	}
	if c.handlers.Status != nil {
		c.handlers.Status(true)
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	logging.WarnWithContext(c.logger, "broker connection lost", "telemetry_connection_lost",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "the client reconnects automatically"),
		logging.String(logging.FieldImpact, "materials are not relayed until the broker reconnects"),
	)
	if c.handlers.Status != nil {
		c.handlers.Status(false)
	}
}

func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	reading, err := ParseReading(msg.Payload(), c.now())
	if err != nil {
		logging.WarnWithContext(c.logger, "discarding malformed fill reading", "telemetry_malformed",
			logging.String("topic", msg.Topic()),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the sensor firmware payload format"),
			logging.String(logging.FieldImpact, "one container reading ignored"),
		)
		if c.handlers.Malformed != nil {
			c.handlers.Malformed(err)
		}
		return
	}
	c.logger.Debug("fill reading received",
		logging.String(logging.FieldTarget, reading.Target),
		logging.String("topic", msg.Topic()),
	)
	if c.handlers.Reading != nil {
		c.handlers.Reading(reading)
	}
}

func (c *Client) publishTimeout() time.Duration {
	if c.cfg.PublishTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.cfg.PublishTimeout) * time.Second
}

// Connected reports whether the broker connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	return client != nil && client.IsConnectionOpen()
}

// Publish sends payload to topic and waits for the broker acknowledgement
// required by the configured QoS. Failures are marked services.ErrTransport.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return services.Wrap(services.ErrTransport, "telemetry", "publish", "broker not connected", nil)
	}

	token := client.Publish(topic, byte(c.cfg.QoS), false, payload)
	timer := time.NewTimer(c.publishTimeout())
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return services.Wrap(services.ErrTransport, "telemetry", "publish", topic, err)
		}
		return nil
	case <-timer.C:
		return services.Wrap(services.ErrTimeout, "telemetry", "publish", topic, nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop disconnects from the broker.
func (c *Client) Stop() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
}
