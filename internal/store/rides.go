package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Ride status values. Transitions are monotone: active -> ending -> completed.
const (
	RideActive    = "active"
	RideEnding    = "ending"
	RideCompleted = "completed"
)

type Ride struct {
	ID        uuid.UUID
	DeviceID  uuid.UUID
	UserID    *uuid.UUID
	StartTime time.Time
	EndTime   *time.Time
	Status    string
}

// HRStats aggregates heart-rate telemetry for one ride.
type HRStats struct {
	AvgHR        *float64
	MaxHR        *float64
	MinHR        *float64
	TotalRecords int64
}

// EventStats aggregates drowsiness events for one ride.
type EventStats struct {
	TotalDrowsiness int64
	TotalMicrosleep int64
	MaxScore        *int32
	AvgScore        *float64
}

// Summary is the computed end-of-ride record.
type Summary struct {
	EndTime         time.Time
	DurationSeconds int
	HR              HRStats
	Events          EventStats
	FatigueScore    int
}

// CompletionOutcome is the result of attempting to finalise a ride.
type CompletionOutcome int

const (
	// CompletionApplied means the ride moved to completed and the summary
	// was written.
	CompletionApplied CompletionOutcome = iota
	// CompletionAlreadyDone means the ride was completed before this attempt.
	CompletionAlreadyDone
	// CompletionRideMissing means no ride row exists.
	CompletionRideMissing
	// CompletionInvalidState means the ride was in a state other than ending
	// or completed.
	CompletionInvalidState
)

// GetActiveRide returns the id of the device's active ride, or nil.
func (s *Store) GetActiveRide(ctx context.Context, deviceID uuid.UUID) (*uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM rides
		WHERE device_id = $1 AND status = 'active'
		ORDER BY start_time DESC
		LIMIT 1
	`, deviceID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active ride: %w", err)
	}
	return &id, nil
}

// CreateRide opens a new active ride for the device.
func (s *Store) CreateRide(ctx context.Context, deviceID uuid.UUID, userID *uuid.UUID, startTime time.Time) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rides (device_id, user_id, start_time, status)
		VALUES ($1, $2, $3, 'active')
		RETURNING id
	`, deviceID, userID, startTime).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create ride: %w", err)
	}
	return id, nil
}

// MarkRideEnding conditionally moves an active ride to ending. Returns false
// when the ride is not currently active, leaving the row untouched.
func (s *Store) MarkRideEnding(ctx context.Context, rideID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rides
		SET status = 'ending'
		WHERE id = $1 AND status = 'active'
	`, rideID)
	if err != nil {
		return false, fmt.Errorf("failed to mark ride ending: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetRide fetches one ride row, or nil when absent.
func (s *Store) GetRide(ctx context.Context, rideID uuid.UUID) (*Ride, error) {
	var r Ride
	err := s.pool.QueryRow(ctx, `
		SELECT id, device_id, user_id, start_time, end_time, status
		FROM rides WHERE id = $1
	`, rideID).Scan(&r.ID, &r.DeviceID, &r.UserID, &r.StartTime, &r.EndTime, &r.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ride: %w", err)
	}
	return &r, nil
}

// RideHRStats aggregates the non-null heart-rate rows for a ride.
func (s *Store) RideHRStats(ctx context.Context, rideID uuid.UUID) (HRStats, error) {
	var st HRStats
	err := s.pool.QueryRow(ctx, `
		SELECT AVG(hr), MAX(hr), MIN(hr), COUNT(*)
		FROM raw_ppg_telemetry
		WHERE ride_id = $1 AND hr IS NOT NULL
	`, rideID).Scan(&st.AvgHR, &st.MaxHR, &st.MinHR, &st.TotalRecords)
	if err != nil {
		return HRStats{}, fmt.Errorf("failed to query ride hr stats: %w", err)
	}
	return st, nil
}

// DrowsinessEventStats aggregates the ride's drowsiness events. AWAKE rows do
// not count toward the event totals.
func (s *Store) DrowsinessEventStats(ctx context.Context, rideID uuid.UUID) (EventStats, error) {
	var st EventStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(COUNT(*) FILTER (WHERE status IN ('DROWSY', 'MICROSLEEP')), 0),
			COALESCE(COUNT(*) FILTER (WHERE status = 'MICROSLEEP'), 0),
			MAX(severity_score),
			AVG(severity_score)
		FROM drowsiness_events
		WHERE ride_id = $1
	`, rideID).Scan(&st.TotalDrowsiness, &st.TotalMicrosleep, &st.MaxScore, &st.AvgScore)
	if err != nil {
		return EventStats{}, fmt.Errorf("failed to query drowsiness event stats: %w", err)
	}
	return st, nil
}

// CompleteRideWithSummary finalises a ride in one transaction. The status is
// re-read under FOR UPDATE so two aggregators racing on the same job cannot
// both apply; re-delivery of an already-completed ride is a no-op.
func (s *Store) CompleteRideWithSummary(ctx context.Context, rideID uuid.UUID, sum Summary) (CompletionOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CompletionInvalidState, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM rides WHERE id = $1 FOR UPDATE`, rideID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return CompletionRideMissing, nil
	}
	if err != nil {
		return CompletionInvalidState, fmt.Errorf("failed to lock ride: %w", err)
	}

	switch status {
	case RideCompleted:
		return CompletionAlreadyDone, nil
	case RideEnding:
		// fall through to finalise
	default:
		return CompletionInvalidState, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE rides
		SET end_time = $1, duration_seconds = $2, avg_hr = $3,
			max_hr = $4, min_hr = $5, status = 'completed'
		WHERE id = $6 AND status = 'ending'
	`, sum.EndTime, sum.DurationSeconds, sum.HR.AvgHR, sum.HR.MaxHR, sum.HR.MinHR, rideID)
	if err != nil {
		return CompletionInvalidState, fmt.Errorf("failed to complete ride: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ride_summaries
			(ride_id, fatigue_score, total_drowsiness_events, total_microsleep_events,
			 max_drowsiness_score, avg_drowsiness_score)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ride_id) DO UPDATE SET
			fatigue_score = EXCLUDED.fatigue_score,
			total_drowsiness_events = EXCLUDED.total_drowsiness_events,
			total_microsleep_events = EXCLUDED.total_microsleep_events,
			max_drowsiness_score = EXCLUDED.max_drowsiness_score,
			avg_drowsiness_score = EXCLUDED.avg_drowsiness_score,
			computed_at = now()
	`, rideID, sum.FatigueScore, sum.Events.TotalDrowsiness, sum.Events.TotalMicrosleep,
		sum.Events.MaxScore, sum.Events.AvgScore)
	if err != nil {
		return CompletionInvalidState, fmt.Errorf("failed to upsert ride summary: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return CompletionInvalidState, fmt.Errorf("failed to commit ride completion: %w", err)
	}
	return CompletionApplied, nil
}
