package coordinator

import "time"

const (
	HealthzPath = "/healthz"
	ReadyzPath  = "/readyz"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type StartRideRequest struct {
	DeviceID string `json:"device_id"`
}

type StartRideResponse struct {
	RideID  string `json:"ride_id"`
	Message string `json:"message"`
}

type EndRideResponse struct {
	Success bool   `json:"success"`
	RideID  string `json:"ride_id"`
	Status  string `json:"status"`
}

// TelemetryEntry is one buffered sample in a batch flush. All metric fields
// are nullable; accel fields arrive on a separate topic and are usually null
// here.
type TelemetryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	HR        *float64  `json:"hr"`
	IBIMillis *float64  `json:"ibi_ms"`
	SDNN      *float64  `json:"sdnn"`
	RMSSD     *float64  `json:"rmssd"`
	PNN50     *float64  `json:"pnn50"`
	LFHFRatio *float64  `json:"lf_hf_ratio"`
	AccelX    *float64  `json:"accel_x"`
	AccelY    *float64  `json:"accel_y"`
	AccelZ    *float64  `json:"accel_z"`
	Lat       *float64  `json:"lat"`
	Lon       *float64  `json:"lon"`
}

type TelemetryBatchRequest struct {
	DeviceID  string           `json:"device_id"`
	RideID    string           `json:"ride_id"`
	Telemetry []TelemetryEntry `json:"telemetry"`
}

type TelemetryBatchResponse struct {
	Success         bool   `json:"success"`
	RecordsInserted int    `json:"records_inserted"`
	DeviceID        string `json:"device_id"`
}

type DrowsinessEventRequest struct {
	DeviceID      string   `json:"device_id"`
	RideID        string   `json:"ride_id"`
	SeverityScore int      `json:"severity_score"`
	Status        string   `json:"status"`
	HRAtEvent     *float64 `json:"hr_at_event"`
	SDNN          *float64 `json:"sdnn"`
	RMSSD         *float64 `json:"rmssd"`
	PNN50         *float64 `json:"pnn50"`
	LFHFRatio     *float64 `json:"lf_hf_ratio"`
	Lat           *float64 `json:"lat"`
	Lon           *float64 `json:"lon"`
}

type DrowsinessEventResponse struct {
	Success bool   `json:"success"`
	EventID string `json:"event_id"`
}

type CrashRequest struct {
	DeviceID       string   `json:"device_id"`
	Lat            float64  `json:"lat"`
	Lon            float64  `json:"lon"`
	Severity       string   `json:"severity"`
	AccelMagnitude *float64 `json:"accel_magnitude"`
	AccelX         *float64 `json:"accel_x"`
	AccelY         *float64 `json:"accel_y"`
	AccelZ         *float64 `json:"accel_z"`
}

type BaselineSaveResponse struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"device_id"`
}

type CrashRiderInfo struct {
	Username              string  `json:"username"`
	Email                 string  `json:"email"`
	BloodType             *string `json:"blood_type"`
	Allergies             *string `json:"allergies"`
	EmergencyContactName  *string `json:"emergency_contact_name"`
	EmergencyContactPhone *string `json:"emergency_contact_phone"`
}

type CrashResponse struct {
	Success           bool            `json:"success"`
	CrashID           string          `json:"crash_id"`
	Severity          string          `json:"severity"`
	AccelMagnitude    *float64        `json:"accel_magnitude"`
	ResponderNotified bool            `json:"responder_notified"`
	FacilityName      *string         `json:"facility_name"`
	DistanceKM        *float64        `json:"distance_km"`
	RiderInfoIncluded bool            `json:"rider_info_included"`
	RiderInfo         *CrashRiderInfo `json:"rider_info"`
}
