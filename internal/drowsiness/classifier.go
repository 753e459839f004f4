// Package drowsiness classifies a rider's state by comparing current HRV
// metrics against a per-device baseline with a weighted-threshold model.
// Classification is a pure function of (current metrics, effective baseline).
package drowsiness

import (
	"fmt"
	"math"

	"github.com/veloguard/veloguard/internal/hrv"
)

// Status is the classified rider state.
type Status string

const (
	StatusAwake      Status = "AWAKE"
	StatusDrowsy     Status = "DROWSY"
	StatusMicrosleep Status = "MICROSLEEP"
)

// Score bounds and status cut-offs. The maximum score is the sum of all
// factor weights.
const (
	MaxScore            = 11
	microsleepThreshold = 11
	drowsyThreshold     = 8
)

// Baseline is the per-device calibration reference. AccelVar and HRDecayRate
// are carried for completeness; the classifier reads only the HRV fields.
type Baseline struct {
	MeanHR      float64 `json:"mean_hr"`
	SDNN        float64 `json:"sdnn"`
	RMSSD       float64 `json:"rmssd"`
	PNN50       float64 `json:"pnn50"`
	LFHFRatio   float64 `json:"lf_hf_ratio"`
	SD1SD2Ratio float64 `json:"sd1_sd2_ratio"`
	AccelVar    float64 `json:"accel_var,omitempty"`
	HRDecayRate float64 `json:"hr_decay_rate,omitempty"`
}

// GeneralBaseline is the hardcoded population fallback used for devices
// without a personal calibration.
var GeneralBaseline = Baseline{
	MeanHR:      70.0,
	SDNN:        50.0,
	RMSSD:       40.0,
	PNN50:       20.0,
	LFHFRatio:   1.5,
	SD1SD2Ratio: 0.5,
}

// Assessment is one classification result.
type Assessment struct {
	Score  int
	Status Status
	Alert  bool
	Alerts []string
}

// Classify scores the current metrics against the baseline. Factor bands are
// mutually exclusive; the first matching band contributes its weight. A zero
// or negative baseline component falls back to the general baseline for that
// factor only, so a partially degenerate calibration never divides by zero.
func Classify(current hrv.Metrics, baseline Baseline) Assessment {
	var a Assessment

	sdnnBase := positiveOr(baseline.SDNN, GeneralBaseline.SDNN)
	switch ratio := current.SDNN / sdnnBase; {
	case ratio < 0.50:
		a.add(3, "SDNN dropped %.1f%%", dropPct(sdnnBase, current.SDNN))
	case ratio < 0.65:
		a.add(2, "SDNN dropped %.1f%%", dropPct(sdnnBase, current.SDNN))
	case ratio < 0.75:
		a.add(1, "SDNN dropped %.1f%%", dropPct(sdnnBase, current.SDNN))
	}

	rmssdBase := positiveOr(baseline.RMSSD, GeneralBaseline.RMSSD)
	switch ratio := current.RMSSD / rmssdBase; {
	case ratio < 0.45:
		a.add(3, "RMSSD dropped %.1f%%", dropPct(rmssdBase, current.RMSSD))
	case ratio < 0.60:
		a.add(2, "RMSSD dropped %.1f%%", dropPct(rmssdBase, current.RMSSD))
	case ratio < 0.70:
		a.add(1, "RMSSD dropped %.1f%%", dropPct(rmssdBase, current.RMSSD))
	}

	pnn50Base := positiveOr(baseline.PNN50, GeneralBaseline.PNN50)
	switch ratio := current.PNN50 / pnn50Base; {
	case ratio < 0.40:
		a.add(2, "pNN50 dropped %.1f%%", dropPct(pnn50Base, current.PNN50))
	case ratio < 0.55:
		a.add(1, "pNN50 dropped %.1f%%", dropPct(pnn50Base, current.PNN50))
	}

	lfhfBase := positiveOr(baseline.LFHFRatio, GeneralBaseline.LFHFRatio)
	switch ratio := current.LFHFRatio / lfhfBase; {
	case ratio > 1.70:
		a.add(2, "LF/HF increased %.1f%%", risePct(lfhfBase, current.LFHFRatio))
	case ratio > 1.50:
		a.add(1, "LF/HF increased %.1f%%", risePct(lfhfBase, current.LFHFRatio))
	}

	sd1sd2Base := positiveOr(baseline.SD1SD2Ratio, GeneralBaseline.SD1SD2Ratio)
	if dev := math.Abs(current.SD1SD2Ratio - sd1sd2Base); dev > 0.60*sd1sd2Base {
		a.add(1, "SD1/SD2 ratio deviated by %.1f%%", dev/sd1sd2Base*100)
	}

	switch {
	case a.Score >= microsleepThreshold:
		a.Status = StatusMicrosleep
	case a.Score >= drowsyThreshold:
		a.Status = StatusDrowsy
	default:
		a.Status = StatusAwake
	}
	a.Alert = a.Status != StatusAwake
	return a
}

func (a *Assessment) add(weight int, format string, args ...any) {
	a.Score += weight
	a.Alerts = append(a.Alerts, fmt.Sprintf(format, args...))
}

func positiveOr(v, def float64) float64 {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}

func dropPct(baseline, current float64) float64 {
	return (baseline - current) / baseline * 100
}

func risePct(baseline, current float64) float64 {
	return (current - baseline) / baseline * 100
}
