package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Responder is an on-duty emergency contact resolved by proximity.
type Responder struct {
	UserID       uuid.UUID
	FacilityName string
	Lat          float64
	Lon          float64
	DistanceKM   float64
}

// RiderInfo is the medical context attached to crash notifications.
type RiderInfo struct {
	Username              string
	Email                 string
	BloodType             *string
	Allergies             *string
	EmergencyContactName  *string
	EmergencyContactPhone *string
}

// FindNearestResponder returns the closest on-duty responder to the crash
// site, or nil when nobody is on duty. Distance is great-circle via the
// haversine formula, computed in SQL so ordering happens in the database.
func (s *Store) FindNearestResponder(ctx context.Context, lat, lon float64) (*Responder, error) {
	var r Responder
	err := s.pool.QueryRow(ctx, `
		SELECT u.id, rp.facility_name, rp.lat, rp.lon,
			2 * 6371 * asin(sqrt(
				pow(sin(radians(rp.lat - $1) / 2), 2) +
				cos(radians($1)) * cos(radians(rp.lat)) *
				pow(sin(radians(rp.lon - $2) / 2), 2)
			)) AS distance_km
		FROM responder_profiles rp
		JOIN users u ON u.id = rp.user_id
		WHERE rp.on_duty = TRUE
		ORDER BY distance_km ASC
		LIMIT 1
	`, lat, lon).Scan(&r.UserID, &r.FacilityName, &r.Lat, &r.Lon, &r.DistanceKM)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query nearest responder: %w", err)
	}
	return &r, nil
}

// GetRiderInfo fetches the rider's profile for responder handoff, or nil when
// the user is unknown.
func (s *Store) GetRiderInfo(ctx context.Context, userID uuid.UUID) (*RiderInfo, error) {
	var info RiderInfo
	err := s.pool.QueryRow(ctx, `
		SELECT u.username, u.email, rp.blood_type, rp.allergies,
			rp.emergency_contact_name, rp.emergency_contact_phone
		FROM users u
		LEFT JOIN rider_profiles rp ON rp.user_id = u.id
		WHERE u.id = $1
	`, userID).Scan(&info.Username, &info.Email, &info.BloodType, &info.Allergies,
		&info.EmergencyContactName, &info.EmergencyContactPhone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query rider info: %w", err)
	}
	return &info, nil
}

// InsertCrashAlert records a crash, with or without a notified responder, and
// returns the alert id.
func (s *Store) InsertCrashAlert(ctx context.Context, deviceID uuid.UUID, lat, lon float64, responderID *uuid.UUID, distanceKM *float64) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO crash_alerts
			(device_id, lat, lon, responder_notified, notified_responder_id,
			 distance_km, notification_sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id
	`, deviceID, lat, lon, responderID != nil, responderID, distanceKM).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert crash alert: %w", err)
	}
	return id, nil
}
