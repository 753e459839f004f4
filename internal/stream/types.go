package stream

import "time"

// TelemetryPayload is the device's PPG window, published on
// helmet/<code>/telemetry.
type TelemetryPayload struct {
	DeviceID   string    `json:"device_id"`
	PPG        []float64 `json:"ppg"`
	SampleRate int       `json:"sample_rate"`
	Lat        *float64  `json:"lat"`
	Lon        *float64  `json:"lon"`
}

// AccelPayload is one accelerometer sample, published on helmet/<code>/accel
// at a much higher rate than telemetry.
type AccelPayload struct {
	DeviceID string   `json:"device_id"`
	AccelX   float64  `json:"accel_x"`
	AccelY   float64  `json:"accel_y"`
	AccelZ   float64  `json:"accel_z"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
}

// LiveMetrics is the per-window metric block in the live analysis stream.
type LiveMetrics struct {
	HR              float64 `json:"hr"`
	SDNN            float64 `json:"sdnn"`
	RMSSD           float64 `json:"rmssd"`
	PNN50           float64 `json:"pnn50"`
	LFHFRatio       float64 `json:"lf_hf_ratio"`
	DrowsinessScore int     `json:"drowsiness_score"`
}

// Location is a GPS fix; fields are null when the device has no fix.
type Location struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

// LiveAnalysisPayload streams each window's assessment to the companion app
// on helmet/<code>/live-analysis.
type LiveAnalysisPayload struct {
	DeviceID  string      `json:"device_id"`
	Timestamp time.Time   `json:"timestamp"`
	Status    string      `json:"status"`
	Metrics   LiveMetrics `json:"metrics"`
	Location  Location    `json:"location"`
}

// CommandPayload is sent to the helmet on helmet/<code>/command.
type CommandPayload struct {
	Vibrate       bool   `json:"vibrate"`
	CrashDetected bool   `json:"crash_detected,omitempty"`
	Severity      string `json:"severity,omitempty"`
}

// CrashNotificationPayload streams a detected crash to the companion app on
// helmet/<code>/crash.
type CrashNotificationPayload struct {
	DeviceID          string    `json:"device_id"`
	Timestamp         time.Time `json:"timestamp"`
	Severity          string    `json:"severity"`
	Magnitude         float64   `json:"magnitude"`
	ResponderNotified bool      `json:"responder_notified"`
	FacilityName      *string   `json:"facility_name"`
	DistanceKM        *float64  `json:"distance_km"`
	Location          Location  `json:"location"`
}
