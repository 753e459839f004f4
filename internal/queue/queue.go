// Package queue wraps the durable ride-completion work queue. Jobs are JSON
// on a durable AMQP queue with persistent delivery; retries are tracked by an
// x-retry-count header and implemented as republish-and-ack, so no broker
// dead-letter setup is required.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// RideEndQueue carries one job per ride completion request.
	RideEndQueue = "ride.end"

	// RetryCountHeader tracks how many times a job has been requeued.
	RetryCountHeader = "x-retry-count"
)

const (
	defaultConnectRetries = 30
	connectRetryDelay     = 5 * time.Second
)

// RideEndJob is the queue payload. EndTime is the coordinator-side clock
// capture; nil means the aggregator falls back to the ride row or its own
// clock.
type RideEndJob struct {
	RideID  string     `json:"ride_id"`
	EndTime *time.Time `json:"end_time,omitempty"`
}

// Publisher is the coordinator-side surface. Implemented by Queue.
type Publisher interface {
	PublishRideEnd(ctx context.Context, job RideEndJob) error
}

// Requeuer republishes a failed job body with a bumped retry count.
// Implemented by Queue; mocked in aggregator tests.
type Requeuer interface {
	Republish(ctx context.Context, body []byte, retryCount int) error
}

type Config struct {
	Logger *slog.Logger
	URL    string

	ConnectRetries uint
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.URL == "" {
		return errors.New("queue url is required")
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = defaultConnectRetries
	}
	return nil
}

// Queue is a connected AMQP channel with the ride.end queue declared.
type Queue struct {
	log  *slog.Logger
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Connect dials the queue with a bounded fixed-delay retry loop, opens a
// channel and declares the durable queue.
func Connect(ctx context.Context, cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("queue config validation failed: %w", err)
	}

	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			cfg.Logger.Warn("queue connect failed, retrying", "error", err)
			return nil, err
		}
		return conn, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(connectRetryDelay)),
		backoff.WithMaxTries(cfg.ConnectRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to queue: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(RideEndQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", RideEndQueue, err)
	}

	cfg.Logger.Info("connected to work queue", "queue", RideEndQueue)
	return &Queue{log: cfg.Logger, conn: conn, ch: ch}, nil
}

// PublishRideEnd enqueues a fresh completion job with persistent delivery.
func (q *Queue) PublishRideEnd(ctx context.Context, job RideEndJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal ride end job: %w", err)
	}
	return q.publish(ctx, body, 0)
}

// Republish re-enqueues a job body with the given retry count. Used by the
// aggregator's bounded-retry path.
func (q *Queue) Republish(ctx context.Context, body []byte, retryCount int) error {
	return q.publish(ctx, body, retryCount)
}

func (q *Queue) publish(ctx context.Context, body []byte, retryCount int) error {
	err := q.ch.PublishWithContext(ctx, "", RideEndQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{RetryCountHeader: int32(retryCount)},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", RideEndQueue, err)
	}
	return nil
}

// Consume returns the delivery stream with prefetch 1 and manual acks, so at
// most one job is in flight per consumer.
func (q *Queue) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	if err := q.ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, RideEndQueue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", RideEndQueue, err)
	}
	return deliveries, nil
}

func (q *Queue) Close() {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		_ = q.conn.Close()
	}
}

// RetryCount reads the x-retry-count header, tolerating the integer widths
// different clients write.
func RetryCount(d amqp.Delivery) int {
	v, ok := d.Headers[RetryCountHeader]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
