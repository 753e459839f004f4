// Package crash detects impact events from tri-axis accelerometer samples.
package crash

import "math"

// Severity buckets an impact by its force profile.
type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

const gravity = 9.8

// Default thresholds; overridable through configuration.
const (
	DefaultGThreshold      = 4.0
	DefaultVectorThreshold = 6.0
)

// Detector evaluates accelerometer samples against impact thresholds.
type Detector struct {
	// GThreshold is compared against the gravity-compensated per-axis peak.
	GThreshold float64
	// VectorThreshold is compared against the raw vector magnitude minus
	// gravity.
	VectorThreshold float64
}

func NewDetector() *Detector {
	return &Detector{
		GThreshold:      DefaultGThreshold,
		VectorThreshold: DefaultVectorThreshold,
	}
}

// Event is the result of evaluating one sample.
type Event struct {
	Detected  bool
	Severity  Severity
	Magnitude float64 // raw vector magnitude
	PeakAxis  float64 // gravity-compensated per-axis maximum
}

// Detect evaluates a tri-axis sample. The z axis carries gravity at rest, so
// its contribution to the per-axis peak is compensated. Both comparisons are
// strict: a sample sitting exactly on a threshold is not a crash.
func (d *Detector) Detect(x, y, z float64) Event {
	magnitude := math.Sqrt(x*x + y*y + z*z)
	peakAxis := math.Max(math.Abs(x), math.Max(math.Abs(y), math.Abs(z-gravity)))

	ev := Event{Magnitude: magnitude, PeakAxis: peakAxis}
	if !(peakAxis > d.GThreshold || magnitude > d.VectorThreshold+gravity) {
		return ev
	}

	ev.Detected = true
	switch {
	case peakAxis > 8.0 || magnitude > 15.0:
		ev.Severity = SeveritySevere
	case peakAxis > 6.0 || magnitude > 12.0:
		ev.Severity = SeverityModerate
	default:
		ev.Severity = SeverityMild
	}
	return ev
}
