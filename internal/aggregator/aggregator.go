// Package aggregator is the asynchronous worker that turns a queued ride-end
// job into a completed ride with a persisted summary. One job is in flight at
// a time; unexpected failures are retried a bounded number of times through
// republish-and-ack, and anything that cannot make progress is discarded so
// the queue never wedges.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/veloguard/veloguard/internal/queue"
	"github.com/veloguard/veloguard/internal/store"
)

const defaultMaxRetries = 3

// Store is the persistence surface the aggregator needs. Implemented by
// *store.Store; mocked in tests.
type Store interface {
	GetRide(ctx context.Context, rideID uuid.UUID) (*store.Ride, error)
	RideHRStats(ctx context.Context, rideID uuid.UUID) (store.HRStats, error)
	DrowsinessEventStats(ctx context.Context, rideID uuid.UUID) (store.EventStats, error)
	CompleteRideWithSummary(ctx context.Context, rideID uuid.UUID, sum store.Summary) (store.CompletionOutcome, error)
}

type Config struct {
	Logger   *slog.Logger
	Store    Store
	Requeuer queue.Requeuer
	Registry prometheus.Registerer

	Clock      clockwork.Clock
	MaxRetries int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Requeuer == nil {
		return errors.New("requeuer is required")
	}
	if c.Registry == nil {
		return errors.New("metrics registry is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return nil
}

type Worker struct {
	log     *slog.Logger
	cfg     Config
	metrics *Metrics
}

func New(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Worker{log: cfg.Logger, cfg: cfg, metrics: NewMetrics(cfg.Registry)}, nil
}

// Run drains the delivery stream until the context is cancelled or the
// channel closes.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	w.log.Info("aggregator consuming", "queue", queue.RideEndQueue, "max_retries", w.cfg.MaxRetries)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			w.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery through to an ack. Every branch acks: either
// the job is done (or can never be done), or a bumped copy has been
// republished first.
func (w *Worker) Handle(ctx context.Context, d amqp.Delivery) {
	var job queue.RideEndJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		w.log.Error("discarding malformed job", "error", err)
		w.metrics.JobsProcessed.WithLabelValues("malformed").Inc()
		w.ack(d)
		return
	}

	rideID, err := uuid.Parse(job.RideID)
	if err != nil {
		w.log.Error("discarding job with invalid ride id", "ride_id", job.RideID)
		w.metrics.JobsProcessed.WithLabelValues("malformed").Inc()
		w.ack(d)
		return
	}

	outcome, err := w.process(ctx, rideID, job.EndTime)
	if err != nil {
		w.retry(ctx, d, rideID, err)
		return
	}

	w.metrics.JobsProcessed.WithLabelValues(outcome).Inc()
	w.ack(d)
}

// process computes and applies the ride summary. The returned outcome label
// is for metrics only; a non-nil error means the job should be retried.
func (w *Worker) process(ctx context.Context, rideID uuid.UUID, endTimeFromJob *time.Time) (string, error) {
	ride, err := w.cfg.Store.GetRide(ctx, rideID)
	if err != nil {
		return "", err
	}
	if ride == nil {
		w.log.Warn("ride not found, discarding", "ride_id", rideID)
		return "ride_missing", nil
	}

	switch ride.Status {
	case store.RideCompleted:
		w.log.Info("ride already completed", "ride_id", rideID)
		return "already_completed", nil
	case store.RideEnding:
		// proceed
	default:
		w.log.Warn("ride in invalid state, discarding", "ride_id", rideID, "status", ride.Status)
		return "invalid_state", nil
	}

	endTime := w.resolveEndTime(ride, endTimeFromJob)
	duration := int(endTime.Sub(ride.StartTime).Seconds())

	hrStats, err := w.cfg.Store.RideHRStats(ctx, rideID)
	if err != nil {
		return "", err
	}
	eventStats, err := w.cfg.Store.DrowsinessEventStats(ctx, rideID)
	if err != nil {
		return "", err
	}

	fatigue := FatigueScore(eventStats.TotalDrowsiness, eventStats.TotalMicrosleep)

	outcome, err := w.cfg.Store.CompleteRideWithSummary(ctx, rideID, store.Summary{
		EndTime:         endTime,
		DurationSeconds: duration,
		HR:              hrStats,
		Events:          eventStats,
		FatigueScore:    fatigue,
	})
	if err != nil {
		return "", err
	}

	switch outcome {
	case store.CompletionApplied:
		w.log.Info("ride completed", "ride_id", rideID,
			"duration_seconds", duration, "fatigue_score", fatigue)
		return "completed", nil
	case store.CompletionAlreadyDone:
		return "already_completed", nil
	case store.CompletionRideMissing:
		return "ride_missing", nil
	default:
		w.log.Warn("ride changed state during completion, discarding", "ride_id", rideID)
		return "invalid_state", nil
	}
}

// resolveEndTime prefers the coordinator's captured end time, then the ride
// row, then the worker's own clock.
func (w *Worker) resolveEndTime(ride *store.Ride, fromJob *time.Time) time.Time {
	if fromJob != nil {
		return *fromJob
	}
	if ride.EndTime != nil {
		return *ride.EndTime
	}
	return w.cfg.Clock.Now()
}

// retry republishes the original body with a bumped retry count, then acks.
// Past the bound the job is discarded as poison.
func (w *Worker) retry(ctx context.Context, d amqp.Delivery, rideID uuid.UUID, cause error) {
	count := queue.RetryCount(d)
	if count >= w.cfg.MaxRetries {
		w.log.Error("max retries exceeded, discarding job", "ride_id", rideID,
			"retries", count, "error", cause)
		w.metrics.JobsProcessed.WithLabelValues("poison").Inc()
		w.ack(d)
		return
	}

	w.log.Warn("requeuing failed job", "ride_id", rideID,
		"retry", count+1, "max_retries", w.cfg.MaxRetries, "error", cause)
	if err := w.cfg.Requeuer.Republish(ctx, d.Body, count+1); err != nil {
		// Without the republished copy the original must go back to the
		// broker, so reject it for redelivery instead of acking.
		w.log.Error("failed to republish job", "ride_id", rideID, "error", err)
		w.metrics.RequeueErrors.Inc()
		if nackErr := d.Nack(false, true); nackErr != nil {
			w.log.Error("failed to nack delivery", "ride_id", rideID, "error", nackErr)
		}
		return
	}

	w.metrics.JobsRequeued.Inc()
	w.ack(d)
}

func (w *Worker) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		w.log.Error("failed to ack delivery", "error", err)
	}
}

// FatigueScore maps event counts onto the 0-100 fatigue scale.
func FatigueScore(totalDrowsiness, totalMicrosleep int64) int {
	score := totalDrowsiness*10 + totalMicrosleep*20
	if score > 100 {
		return 100
	}
	return int(score)
}
