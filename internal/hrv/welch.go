package hrv

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// The interval series is irregularly sampled (one point per beat), so it is
// linearly resampled at 4 Hz before spectral estimation. Band edges follow
// the standard short-term HRV definitions.
const (
	resampleHz = 4.0

	lfLow  = 0.04
	lfHigh = 0.15
	hfLow  = 0.15
	hfHigh = 0.40

	maxSegmentLen = 256
	minSegmentLen = 16
)

var errSpectrumTooShort = errors.New("hrv: interval series too short for PSD")

// lfhfRatio estimates the LF/HF power ratio of the inter-beat interval series
// using Welch's method: 50%-overlapping Hann-windowed segments, averaged
// periodograms. The caller substitutes DefaultLFHF on error.
func lfhfRatio(ibis []float64) (float64, error) {
	resampled, err := resampleIntervals(ibis)
	if err != nil {
		return 0, err
	}

	psd, df, err := welchPSD(resampled, resampleHz)
	if err != nil {
		return 0, err
	}

	lf := bandPower(psd, df, lfLow, lfHigh)
	hf := bandPower(psd, df, hfLow, hfHigh)
	if hf <= 0 || math.IsNaN(hf) {
		return 0, errors.New("hrv: empty HF band")
	}
	ratio := lf / hf
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return 0, errors.New("hrv: non-finite LF/HF")
	}
	return ratio, nil
}

// resampleIntervals places each interval at its cumulative beat time and
// linearly interpolates onto a uniform 4 Hz grid.
func resampleIntervals(ibis []float64) ([]float64, error) {
	if len(ibis) < 4 {
		return nil, errSpectrumTooShort
	}

	times := make([]float64, len(ibis))
	var t float64
	for i, ibi := range ibis {
		t += ibi / 1000.0
		times[i] = t
	}

	duration := times[len(times)-1] - times[0]
	n := int(duration * resampleHz)
	if n < minSegmentLen {
		return nil, errSpectrumTooShort
	}

	out := make([]float64, n)
	step := 1.0 / resampleHz
	j := 0
	for i := 0; i < n; i++ {
		tt := times[0] + float64(i)*step
		for j < len(times)-2 && times[j+1] < tt {
			j++
		}
		t0, t1 := times[j], times[j+1]
		v0, v1 := ibis[j], ibis[j+1]
		if t1 == t0 {
			out[i] = v0
			continue
		}
		frac := (tt - t0) / (t1 - t0)
		out[i] = v0 + frac*(v1-v0)
	}
	return out, nil
}

// welchPSD averages Hann-windowed periodograms over 50%-overlapping segments.
// Returns the one-sided PSD and its frequency resolution.
func welchPSD(sig []float64, fs float64) ([]float64, float64, error) {
	seg := segmentLength(len(sig))
	if seg < minSegmentLen {
		return nil, 0, errSpectrumTooShort
	}

	mean := 0.0
	for _, v := range sig {
		mean += v
	}
	mean /= float64(len(sig))

	window := hann(seg)
	var windowPower float64
	for _, w := range window {
		windowPower += w * w
	}

	fft := fourier.NewFFT(seg)
	nBins := seg/2 + 1
	psd := make([]float64, nBins)
	buf := make([]float64, seg)

	hop := seg / 2
	var segments int
	for start := 0; start+seg <= len(sig); start += hop {
		for i := 0; i < seg; i++ {
			buf[i] = (sig[start+i] - mean) * window[i]
		}
		coeffs := fft.Coefficients(nil, buf)
		for k, c := range coeffs {
			p := real(c)*real(c) + imag(c)*imag(c)
			// One-sided spectrum: double everything except DC and Nyquist.
			if k != 0 && k != nBins-1 {
				p *= 2
			}
			psd[k] += p / (fs * windowPower)
		}
		segments++
	}
	if segments == 0 {
		return nil, 0, errSpectrumTooShort
	}
	for k := range psd {
		psd[k] /= float64(segments)
	}
	return psd, fs / float64(seg), nil
}

// segmentLength picks the largest power of two that fits the signal, capped
// to keep segments short enough for several averages.
func segmentLength(n int) int {
	seg := minSegmentLen
	for seg*2 <= n && seg*2 <= maxSegmentLen {
		seg *= 2
	}
	if seg > n {
		return 0
	}
	return seg
}

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

// bandPower integrates the PSD over [low, high) with rectangular bins.
func bandPower(psd []float64, df, low, high float64) float64 {
	var power float64
	for k, p := range psd {
		f := float64(k) * df
		if f >= low && f < high {
			power += p * df
		}
	}
	return power
}
