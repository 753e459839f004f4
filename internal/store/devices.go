package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veloguard/veloguard/internal/drowsiness"
)

type Device struct {
	ID        uuid.UUID
	Code      string
	UserID    *uuid.UUID
	Onboarded bool
}

// GetDeviceByCode resolves a device by its published code, or nil when
// unregistered.
func (s *Store) GetDeviceByCode(ctx context.Context, code string) (*Device, error) {
	var d Device
	err := s.pool.QueryRow(ctx, `
		SELECT id, device_id, user_id, onboarded FROM devices WHERE device_id = $1
	`, code).Scan(&d.ID, &d.Code, &d.UserID, &d.Onboarded)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return &d, nil
}

// UpdateLastSeen stamps the device's liveness marker.
func (s *Store) UpdateLastSeen(ctx context.Context, deviceID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `UPDATE devices SET last_seen = now() WHERE id = $1`, deviceID); err != nil {
		return fmt.Errorf("failed to update last_seen: %w", err)
	}
	return nil
}

// LatestBaseline returns the most recently computed baseline for a device, or
// nil when none has been recorded. Rows are insert-only; the newest row is
// canonical.
func (s *Store) LatestBaseline(ctx context.Context, deviceID uuid.UUID) (*drowsiness.Baseline, error) {
	var b drowsiness.Baseline
	err := s.pool.QueryRow(ctx, `
		SELECT mean_hr, sdnn, rmssd, pnn50, lf_hf_ratio,
			sd1_sd2_ratio, accel_var, hr_decay_rate
		FROM baseline_metrics
		WHERE device_id = $1
		ORDER BY computed_at DESC
		LIMIT 1
	`, deviceID).Scan(&b.MeanHR, &b.SDNN, &b.RMSSD, &b.PNN50, &b.LFHFRatio,
		&b.SD1SD2Ratio, &b.AccelVar, &b.HRDecayRate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query baseline: %w", err)
	}
	return &b, nil
}

// InsertBaseline appends a baseline row for the device.
func (s *Store) InsertBaseline(ctx context.Context, deviceID uuid.UUID, b drowsiness.Baseline) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO baseline_metrics
			(device_id, mean_hr, sdnn, rmssd, pnn50, lf_hf_ratio,
			 sd1_sd2_ratio, accel_var, hr_decay_rate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, deviceID, b.MeanHR, b.SDNN, b.RMSSD, b.PNN50, b.LFHFRatio,
		b.SD1SD2Ratio, b.AccelVar, b.HRDecayRate)
	if err != nil {
		return fmt.Errorf("failed to insert baseline: %w", err)
	}
	return nil
}
