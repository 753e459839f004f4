// Package broker wraps the MQTT connection to the device fleet. Devices
// publish on helmet/<code>/{telemetry,baseline,accel}; the platform publishes
// analysis, commands and crash notifications back on per-device topics.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Inbound wildcard subscriptions.
const (
	TopicTelemetry = "helmet/+/telemetry"
	TopicBaseline  = "helmet/+/baseline"
	TopicAccel     = "helmet/+/accel"
)

// QoSAtLeastOnce is used for every subscription and outbound publish.
const QoSAtLeastOnce byte = 1

const (
	defaultConnectTimeout = 5 * time.Second
	defaultConnectRetries = 30
	connectRetryDelay     = 5 * time.Second
)

// Handler processes one inbound message for a device.
type Handler func(deviceCode string, payload []byte)

// Publisher is the outbound surface the stream processor needs. Implemented
// by Client; mocked in tests.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Config struct {
	Logger   *slog.Logger
	URL      string
	Username string
	Password string
	ClientID string

	ConnectTimeout time.Duration
	ConnectRetries uint
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.URL == "" {
		return errors.New("broker url is required")
	}
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = defaultConnectRetries
	}
	return nil
}

// Client is a connected MQTT session.
type Client struct {
	log    *slog.Logger
	cfg    Config
	client mqtt.Client
}

// Connect dials the broker with a bounded fixed-delay retry loop and returns
// a ready client.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("broker config validation failed: %w", err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOrderMatters(true).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		token := client.Connect()
		if !token.WaitTimeout(cfg.ConnectTimeout) {
			return struct{}{}, errors.New("broker connect timed out")
		}
		if err := token.Error(); err != nil {
			cfg.Logger.Warn("broker connect failed, retrying", "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(connectRetryDelay)),
		backoff.WithMaxTries(cfg.ConnectRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker at %s: %w", cfg.URL, err)
	}

	cfg.Logger.Info("connected to broker", "url", cfg.URL, "client_id", cfg.ClientID)
	return &Client{log: cfg.Logger, cfg: cfg, client: client}, nil
}

// Subscribe routes messages on a wildcard device topic into the handler.
// Messages whose topic does not carry a device code are dropped with a log.
func (c *Client) Subscribe(topic string, h Handler) error {
	token := c.client.Subscribe(topic, QoSAtLeastOnce, func(_ mqtt.Client, msg mqtt.Message) {
		code, ok := DeviceCode(msg.Topic())
		if !ok {
			c.log.Warn("dropping message with malformed topic", "topic", msg.Topic())
			return
		}
		h(code, msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	c.log.Info("subscribed", "topic", topic)
	return nil
}

// Publish sends one message with QoS 1, non-retained.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, QoSAtLeastOnce, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, allowing a short drain for in-flight messages.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

// DeviceCode extracts <code> from a helmet/<code>/<kind> topic.
func DeviceCode(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "helmet" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Outbound per-device topics.

func LiveAnalysisTopic(deviceCode string) string {
	return "helmet/" + deviceCode + "/live-analysis"
}

func CommandTopic(deviceCode string) string {
	return "helmet/" + deviceCode + "/command"
}

func CrashTopic(deviceCode string) string {
	return "helmet/" + deviceCode + "/crash"
}
