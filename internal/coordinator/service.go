package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/veloguard/veloguard/internal/drowsiness"
	"github.com/veloguard/veloguard/internal/queue"
	"github.com/veloguard/veloguard/internal/store"
)

// Store is the persistence surface the coordinator needs. Implemented by
// *store.Store; mocked in tests.
type Store interface {
	GetDeviceByCode(ctx context.Context, code string) (*store.Device, error)
	UpdateLastSeen(ctx context.Context, deviceID uuid.UUID) error
	GetActiveRide(ctx context.Context, deviceID uuid.UUID) (*uuid.UUID, error)
	CreateRide(ctx context.Context, deviceID uuid.UUID, userID *uuid.UUID, startTime time.Time) (uuid.UUID, error)
	MarkRideEnding(ctx context.Context, rideID uuid.UUID) (bool, error)
	GetRide(ctx context.Context, rideID uuid.UUID) (*store.Ride, error)
	InsertTelemetryBatch(ctx context.Context, deviceID uuid.UUID, rideID *uuid.UUID, rows []store.TelemetryRow) (int, error)
	InsertDrowsinessEvent(ctx context.Context, rideID *uuid.UUID, deviceID uuid.UUID, ev store.DrowsinessEvent) (uuid.UUID, error)
	FindNearestResponder(ctx context.Context, lat, lon float64) (*store.Responder, error)
	GetRiderInfo(ctx context.Context, userID uuid.UUID) (*store.RiderInfo, error)
	InsertCrashAlert(ctx context.Context, deviceID uuid.UUID, lat, lon float64, responderID *uuid.UUID, distanceKM *float64) (uuid.UUID, error)
	LatestBaseline(ctx context.Context, deviceID uuid.UUID) (*drowsiness.Baseline, error)
	InsertBaseline(ctx context.Context, deviceID uuid.UUID, b drowsiness.Baseline) error
	Ping(ctx context.Context) error
}

// ErrDeviceNotFound is returned when a request references an unregistered
// device code.
var ErrDeviceNotFound = errors.New("device not found")

// EndRideStatus is the outcome of an end-ride request. Every branch maps to
// exactly one HTTP status in the handler.
type EndRideStatus int

const (
	// EndRideQueued: the ride moved to ending and a completion job was
	// published.
	EndRideQueued EndRideStatus = iota
	// EndRideAlreadyEnding: a completion job is already pending; the request
	// is a duplicate.
	EndRideAlreadyEnding
	// EndRideAlreadyCompleted: the ride finished earlier; idempotent success.
	EndRideAlreadyCompleted
	// EndRideNotFound: no such ride.
	EndRideNotFound
	// EndRidePublishFailed: the ride is ending but the job could not be
	// published. A retry of the same request re-publishes.
	EndRidePublishFailed
)

// Service implements the ride lifecycle operations behind the HTTP handler.
type Service struct {
	log     *slog.Logger
	store   Store
	queue   queue.Publisher
	clock   clockwork.Clock
	metrics *Metrics
}

func NewService(log *slog.Logger, st Store, pub queue.Publisher, clock clockwork.Clock, metrics *Metrics) (*Service, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if pub == nil {
		return nil, errors.New("queue publisher is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		return nil, errors.New("metrics is required")
	}
	return &Service{log: log, store: st, queue: pub, clock: clock, metrics: metrics}, nil
}

// StartRide opens a ride for the device, or returns the existing active ride.
// At most one active ride exists per device.
func (s *Service) StartRide(ctx context.Context, deviceCode string) (StartRideResponse, error) {
	device, err := s.store.GetDeviceByCode(ctx, deviceCode)
	if err != nil {
		return StartRideResponse{}, err
	}
	if device == nil {
		return StartRideResponse{}, ErrDeviceNotFound
	}

	if existing, err := s.store.GetActiveRide(ctx, device.ID); err != nil {
		return StartRideResponse{}, err
	} else if existing != nil {
		return StartRideResponse{RideID: existing.String(), Message: "Ride already active"}, nil
	}

	rideID, err := s.store.CreateRide(ctx, device.ID, device.UserID, s.clock.Now())
	if err != nil {
		return StartRideResponse{}, err
	}

	s.metrics.RidesStarted.Inc()
	s.log.Info("ride started", "ride_id", rideID, "device", deviceCode)
	return StartRideResponse{RideID: rideID.String(), Message: "Ride started successfully"}, nil
}

// EndRide moves an active ride to ending and publishes the completion job.
// The conditional update means two concurrent requests race harmlessly: one
// wins the transition, the other observes ending.
func (s *Service) EndRide(ctx context.Context, rideID uuid.UUID) (EndRideStatus, error) {
	endTime := s.clock.Now()

	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return EndRideNotFound, err
	}
	if ride == nil {
		s.metrics.RideEndRequests.WithLabelValues("not_found").Inc()
		return EndRideNotFound, nil
	}

	switch ride.Status {
	case store.RideCompleted:
		s.metrics.RideEndRequests.WithLabelValues("already_completed").Inc()
		return EndRideAlreadyCompleted, nil
	case store.RideEnding:
		s.metrics.RideEndRequests.WithLabelValues("already_ending").Inc()
		return EndRideAlreadyEnding, nil
	}

	moved, err := s.store.MarkRideEnding(ctx, rideID)
	if err != nil {
		return EndRideNotFound, err
	}
	if !moved {
		// Lost the race. Re-read to report what actually happened.
		ride, err := s.store.GetRide(ctx, rideID)
		if err != nil {
			return EndRideNotFound, err
		}
		if ride == nil {
			s.metrics.RideEndRequests.WithLabelValues("not_found").Inc()
			return EndRideNotFound, nil
		}
		if ride.Status == store.RideCompleted {
			s.metrics.RideEndRequests.WithLabelValues("already_completed").Inc()
			return EndRideAlreadyCompleted, nil
		}
		s.metrics.RideEndRequests.WithLabelValues("already_ending").Inc()
		return EndRideAlreadyEnding, nil
	}

	job := queue.RideEndJob{RideID: rideID.String(), EndTime: &endTime}
	if err := s.queue.PublishRideEnd(ctx, job); err != nil {
		// The ride stays in ending. The aggregator owns the recovery path
		// for stuck ending rides.
		s.metrics.RideEndRequests.WithLabelValues("publish_failed").Inc()
		s.log.Error("failed to publish ride end job", "ride_id", rideID, "error", err)
		return EndRidePublishFailed, fmt.Errorf("failed to publish ride end job: %w", err)
	}

	s.metrics.RideEndRequests.WithLabelValues("queued").Inc()
	s.log.Info("ride end queued", "ride_id", rideID)
	return EndRideQueued, nil
}

// SaveTelemetryBatch persists one flushed buffer in a single transaction and
// refreshes the device's last_seen. A malformed ride id stores the rows with
// a null ride reference rather than dropping them.
func (s *Service) SaveTelemetryBatch(ctx context.Context, req TelemetryBatchRequest) (TelemetryBatchResponse, error) {
	device, err := s.store.GetDeviceByCode(ctx, req.DeviceID)
	if err != nil {
		return TelemetryBatchResponse{}, err
	}
	if device == nil {
		return TelemetryBatchResponse{}, ErrDeviceNotFound
	}

	rideID := parseRideID(req.RideID)
	if rideID == nil && req.RideID != "" {
		s.log.Warn("telemetry batch with malformed ride id, storing without ride reference",
			"device", req.DeviceID, "ride_id", req.RideID)
	}

	rows := make([]store.TelemetryRow, 0, len(req.Telemetry))
	for _, e := range req.Telemetry {
		rows = append(rows, store.TelemetryRow{
			Timestamp: e.Timestamp,
			HR:        e.HR,
			IBIMillis: e.IBIMillis,
			SDNN:      e.SDNN,
			RMSSD:     e.RMSSD,
			PNN50:     e.PNN50,
			LFHFRatio: e.LFHFRatio,
			AccelX:    e.AccelX,
			AccelY:    e.AccelY,
			AccelZ:    e.AccelZ,
			Lat:       e.Lat,
			Lon:       e.Lon,
		})
	}

	inserted, err := s.store.InsertTelemetryBatch(ctx, device.ID, rideID, rows)
	if err != nil {
		return TelemetryBatchResponse{}, err
	}

	if err := s.store.UpdateLastSeen(ctx, device.ID); err != nil {
		s.log.Warn("failed to update last_seen", "device", req.DeviceID, "error", err)
	}

	s.metrics.TelemetryRowsInserted.Add(float64(inserted))
	return TelemetryBatchResponse{Success: true, RecordsInserted: inserted, DeviceID: req.DeviceID}, nil
}

// LogDrowsinessEvent records one non-AWAKE classification. The detection
// timestamp is assigned by the database.
func (s *Service) LogDrowsinessEvent(ctx context.Context, req DrowsinessEventRequest) (DrowsinessEventResponse, error) {
	device, err := s.store.GetDeviceByCode(ctx, req.DeviceID)
	if err != nil {
		return DrowsinessEventResponse{}, err
	}
	if device == nil {
		return DrowsinessEventResponse{}, ErrDeviceNotFound
	}

	eventID, err := s.store.InsertDrowsinessEvent(ctx, parseRideID(req.RideID), device.ID, store.DrowsinessEvent{
		SeverityScore: req.SeverityScore,
		Status:        req.Status,
		HRAtEvent:     req.HRAtEvent,
		SDNN:          req.SDNN,
		RMSSD:         req.RMSSD,
		PNN50:         req.PNN50,
		LFHFRatio:     req.LFHFRatio,
		Lat:           req.Lat,
		Lon:           req.Lon,
	})
	if err != nil {
		return DrowsinessEventResponse{}, err
	}

	s.metrics.DrowsinessEventsLogged.WithLabelValues(req.Status).Inc()
	return DrowsinessEventResponse{Success: true, EventID: eventID.String()}, nil
}

// HandleCrash records a crash alert, notifying the nearest on-duty responder
// when one exists and attaching the rider's medical profile when the device
// is bound to a user.
func (s *Service) HandleCrash(ctx context.Context, req CrashRequest) (CrashResponse, error) {
	device, err := s.store.GetDeviceByCode(ctx, req.DeviceID)
	if err != nil {
		return CrashResponse{}, err
	}
	if device == nil {
		return CrashResponse{}, ErrDeviceNotFound
	}

	responder, err := s.store.FindNearestResponder(ctx, req.Lat, req.Lon)
	if err != nil {
		return CrashResponse{}, err
	}

	var (
		responderID  *uuid.UUID
		distanceKM   *float64
		facilityName *string
	)
	if responder != nil {
		responderID = &responder.UserID
		distanceKM = &responder.DistanceKM
		facilityName = &responder.FacilityName
	}

	var riderInfo *CrashRiderInfo
	if device.UserID != nil {
		info, err := s.store.GetRiderInfo(ctx, *device.UserID)
		if err != nil {
			s.log.Warn("failed to load rider info for crash alert", "device", req.DeviceID, "error", err)
		} else if info != nil {
			riderInfo = &CrashRiderInfo{
				Username:              info.Username,
				Email:                 info.Email,
				BloodType:             info.BloodType,
				Allergies:             info.Allergies,
				EmergencyContactName:  info.EmergencyContactName,
				EmergencyContactPhone: info.EmergencyContactPhone,
			}
		}
	}

	crashID, err := s.store.InsertCrashAlert(ctx, device.ID, req.Lat, req.Lon, responderID, distanceKM)
	if err != nil {
		return CrashResponse{}, err
	}

	s.metrics.CrashAlerts.WithLabelValues(boolLabel(responder != nil)).Inc()
	s.log.Info("crash alert recorded", "crash_id", crashID, "device", req.DeviceID,
		"severity", req.Severity, "responder_notified", responder != nil)

	return CrashResponse{
		Success:           true,
		CrashID:           crashID.String(),
		Severity:          req.Severity,
		AccelMagnitude:    req.AccelMagnitude,
		ResponderNotified: responder != nil,
		FacilityName:      facilityName,
		DistanceKM:        distanceKM,
		RiderInfoIncluded: riderInfo != nil,
		RiderInfo:         riderInfo,
	}, nil
}

// SaveBaseline appends a calibration row for the device. Rows are insert-only;
// the latest row is canonical.
func (s *Service) SaveBaseline(ctx context.Context, deviceCode string, b drowsiness.Baseline) error {
	device, err := s.store.GetDeviceByCode(ctx, deviceCode)
	if err != nil {
		return err
	}
	if device == nil {
		return ErrDeviceNotFound
	}

	if err := s.store.InsertBaseline(ctx, device.ID, b); err != nil {
		return err
	}
	s.metrics.BaselinesSaved.Inc()
	s.log.Info("baseline saved", "device", deviceCode, "sdnn", b.SDNN, "rmssd", b.RMSSD)
	return nil
}

// GetBaseline returns the device's latest baseline, or nil when it has never
// been calibrated.
func (s *Service) GetBaseline(ctx context.Context, deviceCode string) (*drowsiness.Baseline, error) {
	device, err := s.store.GetDeviceByCode(ctx, deviceCode)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrDeviceNotFound
	}
	return s.store.LatestBaseline(ctx, device.ID)
}

// Ready reports whether the database is reachable.
func (s *Service) Ready(ctx context.Context) bool {
	return s.store.Ping(ctx) == nil
}

func parseRideID(raw string) *uuid.UUID {
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
