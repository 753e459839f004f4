package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TelemetryRow is one enriched sample as flushed by the stream processor.
// Pointer fields are nullable in the schema.
type TelemetryRow struct {
	Timestamp time.Time
	HR        *float64
	IBIMillis *float64
	SDNN      *float64
	RMSSD     *float64
	PNN50     *float64
	LFHFRatio *float64
	AccelX    *float64
	AccelY    *float64
	AccelZ    *float64
	Lat       *float64
	Lon       *float64
}

// DrowsinessEvent is one non-AWAKE classification to persist. The detection
// timestamp is assigned server side.
type DrowsinessEvent struct {
	SeverityScore int
	Status        string
	HRAtEvent     *float64
	SDNN          *float64
	RMSSD         *float64
	PNN50         *float64
	LFHFRatio     *float64
	Lat           *float64
	Lon           *float64
}

// InsertTelemetryBatch writes all rows in one transaction. A nil rideID stores
// the rows without a ride reference rather than rejecting them.
func (s *Store) InsertTelemetryBatch(ctx context.Context, deviceID uuid.UUID, rideID *uuid.UUID, rows []TelemetryRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO raw_ppg_telemetry
				(device_id, ride_id, timestamp, hr, ibi_ms, sdnn, rmssd, pnn50,
				 lf_hf_ratio, accel_x, accel_y, accel_z, lat, lon)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, deviceID, rideID, row.Timestamp, row.HR, row.IBIMillis, row.SDNN,
			row.RMSSD, row.PNN50, row.LFHFRatio, row.AccelX, row.AccelY,
			row.AccelZ, row.Lat, row.Lon)
	}

	br := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, fmt.Errorf("failed to insert telemetry row: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("failed to close telemetry batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit telemetry batch: %w", err)
	}
	return len(rows), nil
}

// InsertDrowsinessEvent records one classification event with a server-side
// detection timestamp and returns the event id.
func (s *Store) InsertDrowsinessEvent(ctx context.Context, rideID *uuid.UUID, deviceID uuid.UUID, ev DrowsinessEvent) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO drowsiness_events
			(ride_id, device_id, detected_at, severity_score, status, hr_at_event,
			 sdnn, rmssd, pnn50, lf_hf_ratio, lat, lon)
		VALUES ($1, $2, now(), $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, rideID, deviceID, ev.SeverityScore, ev.Status, ev.HRAtEvent,
		ev.SDNN, ev.RMSSD, ev.PNN50, ev.LFHFRatio, ev.Lat, ev.Lon).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert drowsiness event: %w", err)
	}
	return id, nil
}
