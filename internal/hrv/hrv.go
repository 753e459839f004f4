// Package hrv derives heart-rate-variability metrics from raw PPG waveforms.
// The pipeline is peak detection, time-domain statistics over the inter-beat
// series, a Welch PSD for the LF/HF ratio, and a Poincaré SD1/SD2 ratio.
// Every metric is guaranteed finite: values the signal cannot support are
// replaced by population defaults so downstream classification never sees a
// NaN or infinity.
package hrv

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Population defaults substituted when a metric cannot be computed from the
// signal or comes out non-finite.
const (
	DefaultHR        = 70.0
	DefaultSDNN      = 50.0
	DefaultRMSSD     = 40.0
	DefaultPNN50     = 20.0
	DefaultLFHF      = 1.5
	DefaultSD1SD2    = 0.5
	DefaultIBIMillis = 60000.0 / DefaultHR
)

// MinPeaks is the minimum number of detectable pulse peaks required for a
// waveform to be analyzable.
const MinPeaks = 3

var ErrTooFewPeaks = errors.New("hrv: too few detectable peaks")

// Metrics is one analysis result for a single PPG window.
type Metrics struct {
	HR          float64 `json:"hr"`
	IBIMillis   float64 `json:"ibi_ms"`
	SDNN        float64 `json:"sdnn"`
	RMSSD       float64 `json:"rmssd"`
	PNN50       float64 `json:"pnn50"`
	LFHFRatio   float64 `json:"lf_hf_ratio"`
	SD1SD2Ratio float64 `json:"sd1_sd2_ratio"`
}

// Analyzer computes HRV metrics from a raw PPG window. The concrete
// implementation is PPGAnalyzer; the stream processor depends on this
// interface so tests can stub analysis results.
type Analyzer interface {
	Analyze(ppg []float64, sampleRate int) (Metrics, error)
}

// PPGAnalyzer is the production Analyzer.
type PPGAnalyzer struct{}

func NewPPGAnalyzer() *PPGAnalyzer { return &PPGAnalyzer{} }

// Analyze computes the full metric set for one PPG window. It fails only when
// fewer than MinPeaks pulse peaks are detectable; every other degradation is
// absorbed by the documented defaults.
func (a *PPGAnalyzer) Analyze(ppg []float64, sampleRate int) (Metrics, error) {
	if sampleRate <= 0 {
		sampleRate = 50
	}
	peaks := detectPeaks(ppg, sampleRate)
	if len(peaks) < MinPeaks {
		return Metrics{}, ErrTooFewPeaks
	}

	ibis := intervalsMillis(peaks, sampleRate)

	m := Metrics{
		HR:    meanHeartRate(ibis),
		SDNN:  stat.StdDev(ibis, nil),
		RMSSD: rmssd(ibis),
		PNN50: pnn50(ibis),
	}
	m.IBIMillis = 60000.0 / m.HR

	if lfhf, err := lfhfRatio(ibis); err == nil {
		m.LFHFRatio = lfhf
	} else {
		m.LFHFRatio = DefaultLFHF
	}

	if ratio, err := poincareRatio(ibis); err == nil {
		m.SD1SD2Ratio = ratio
	} else {
		m.SD1SD2Ratio = DefaultSD1SD2
	}

	return m.Sanitized(), nil
}

// Sanitized returns a copy of m with every non-finite field replaced by its
// default.
func (m Metrics) Sanitized() Metrics {
	m.HR = finiteOr(m.HR, DefaultHR)
	m.IBIMillis = finiteOr(m.IBIMillis, DefaultIBIMillis)
	m.SDNN = finiteOr(m.SDNN, DefaultSDNN)
	m.RMSSD = finiteOr(m.RMSSD, DefaultRMSSD)
	m.PNN50 = finiteOr(m.PNN50, DefaultPNN50)
	m.LFHFRatio = finiteOr(m.LFHFRatio, DefaultLFHF)
	m.SD1SD2Ratio = finiteOr(m.SD1SD2Ratio, DefaultSD1SD2)
	return m
}

// IsFinite reports whether every metric field is a finite number.
func (m Metrics) IsFinite() bool {
	for _, v := range []float64{m.HR, m.IBIMillis, m.SDNN, m.RMSSD, m.PNN50, m.LFHFRatio, m.SD1SD2Ratio} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func finiteOr(v, def float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}

// intervalsMillis converts peak sample indices to inter-beat intervals in ms.
func intervalsMillis(peaks []int, sampleRate int) []float64 {
	ibis := make([]float64, 0, len(peaks)-1)
	for i := 1; i < len(peaks); i++ {
		ibis = append(ibis, float64(peaks[i]-peaks[i-1])/float64(sampleRate)*1000.0)
	}
	return ibis
}

// meanHeartRate averages the instantaneous rate of each adjacent peak pair.
func meanHeartRate(ibis []float64) float64 {
	if len(ibis) == 0 {
		return DefaultHR
	}
	var sum float64
	for _, ibi := range ibis {
		sum += 60000.0 / ibi
	}
	return sum / float64(len(ibis))
}

func rmssd(ibis []float64) float64 {
	if len(ibis) < 2 {
		return DefaultRMSSD
	}
	var sumSq float64
	for i := 1; i < len(ibis); i++ {
		d := ibis[i] - ibis[i-1]
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(ibis)-1))
}

// pnn50 is the percentage of successive interval differences exceeding 50 ms.
func pnn50(ibis []float64) float64 {
	if len(ibis) < 2 {
		return DefaultPNN50
	}
	var over int
	for i := 1; i < len(ibis); i++ {
		if math.Abs(ibis[i]-ibis[i-1]) > 50.0 {
			over++
		}
	}
	return float64(over) / float64(len(ibis)-1) * 100.0
}

// poincareRatio computes SD1/SD2 from the Poincaré plot of the interval
// series. Fails when SD2 degenerates to zero.
func poincareRatio(ibis []float64) (float64, error) {
	if len(ibis) < 2 {
		return 0, errors.New("hrv: interval series too short for poincare")
	}
	diffs := make([]float64, 0, len(ibis)-1)
	for i := 1; i < len(ibis); i++ {
		diffs = append(diffs, ibis[i]-ibis[i-1])
	}
	varDiff := stat.Variance(diffs, nil)
	varIBI := stat.Variance(ibis, nil)

	sd1 := math.Sqrt(0.5 * varDiff)
	sd2sq := 2.0*varIBI - 0.5*varDiff
	if sd2sq <= 0 {
		return 0, errors.New("hrv: degenerate SD2")
	}
	sd2 := math.Sqrt(sd2sq)
	if sd2 == 0 {
		return 0, errors.New("hrv: zero SD2")
	}
	return sd1 / sd2, nil
}
