package store

import (
	"context"
	"fmt"
)

// Migrations are idempotent DDL run at startup, in dependency order.
var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`,

	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		username VARCHAR(100) NOT NULL,
		email VARCHAR(255) NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS rider_profiles (
		user_id UUID PRIMARY KEY REFERENCES users(id),
		blood_type VARCHAR(8),
		allergies TEXT,
		emergency_contact_name VARCHAR(100),
		emergency_contact_phone VARCHAR(32)
	)`,

	`CREATE TABLE IF NOT EXISTS responder_profiles (
		user_id UUID PRIMARY KEY REFERENCES users(id),
		facility_name VARCHAR(255) NOT NULL,
		lat DOUBLE PRECISION NOT NULL,
		lon DOUBLE PRECISION NOT NULL,
		on_duty BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`CREATE TABLE IF NOT EXISTS devices (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		device_id VARCHAR(64) NOT NULL UNIQUE,
		user_id UUID REFERENCES users(id),
		onboarded BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS baseline_metrics (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		device_id UUID NOT NULL REFERENCES devices(id),
		mean_hr DOUBLE PRECISION,
		sdnn DOUBLE PRECISION,
		rmssd DOUBLE PRECISION,
		pnn50 DOUBLE PRECISION,
		lf_hf_ratio DOUBLE PRECISION,
		sd1_sd2_ratio DOUBLE PRECISION,
		accel_var DOUBLE PRECISION,
		hr_decay_rate DOUBLE PRECISION,
		computed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_baseline_metrics_device
		ON baseline_metrics (device_id, computed_at DESC)`,

	`CREATE TABLE IF NOT EXISTS rides (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		device_id UUID NOT NULL REFERENCES devices(id),
		user_id UUID REFERENCES users(id),
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		duration_seconds INTEGER,
		avg_hr DOUBLE PRECISION,
		max_hr DOUBLE PRECISION,
		min_hr DOUBLE PRECISION,
		status VARCHAR(16) NOT NULL CHECK (status IN ('active', 'ending', 'completed'))
	)`,

	`CREATE INDEX IF NOT EXISTS idx_rides_device_status
		ON rides (device_id, status, start_time DESC)`,

	`CREATE TABLE IF NOT EXISTS raw_ppg_telemetry (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		device_id UUID NOT NULL REFERENCES devices(id),
		ride_id UUID REFERENCES rides(id),
		timestamp TIMESTAMPTZ NOT NULL,
		hr DOUBLE PRECISION,
		ibi_ms DOUBLE PRECISION,
		sdnn DOUBLE PRECISION,
		rmssd DOUBLE PRECISION,
		pnn50 DOUBLE PRECISION,
		lf_hf_ratio DOUBLE PRECISION,
		accel_x DOUBLE PRECISION,
		accel_y DOUBLE PRECISION,
		accel_z DOUBLE PRECISION,
		lat DOUBLE PRECISION,
		lon DOUBLE PRECISION
	)`,

	`CREATE INDEX IF NOT EXISTS idx_raw_ppg_telemetry_ride
		ON raw_ppg_telemetry (ride_id, timestamp)`,

	`CREATE TABLE IF NOT EXISTS drowsiness_events (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		ride_id UUID REFERENCES rides(id),
		device_id UUID NOT NULL REFERENCES devices(id),
		detected_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		severity_score INTEGER NOT NULL,
		status VARCHAR(16) NOT NULL,
		hr_at_event DOUBLE PRECISION,
		sdnn DOUBLE PRECISION,
		rmssd DOUBLE PRECISION,
		pnn50 DOUBLE PRECISION,
		lf_hf_ratio DOUBLE PRECISION,
		lat DOUBLE PRECISION,
		lon DOUBLE PRECISION
	)`,

	`CREATE INDEX IF NOT EXISTS idx_drowsiness_events_ride
		ON drowsiness_events (ride_id, detected_at)`,

	`CREATE TABLE IF NOT EXISTS ride_summaries (
		ride_id UUID PRIMARY KEY REFERENCES rides(id),
		fatigue_score INTEGER NOT NULL,
		total_drowsiness_events INTEGER NOT NULL DEFAULT 0,
		total_microsleep_events INTEGER NOT NULL DEFAULT 0,
		max_drowsiness_score INTEGER,
		avg_drowsiness_score DOUBLE PRECISION,
		computed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS crash_alerts (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		device_id UUID NOT NULL REFERENCES devices(id),
		lat DOUBLE PRECISION NOT NULL,
		lon DOUBLE PRECISION NOT NULL,
		responder_notified BOOLEAN NOT NULL DEFAULT FALSE,
		notified_responder_id UUID REFERENCES users(id),
		distance_km DOUBLE PRECISION,
		notification_sent_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema. Every statement is safe to re-run.
func (s *Store) Migrate(ctx context.Context) error {
	s.log.Info("running database migrations")
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	s.log.Info("database migrations completed")
	return nil
}
