package hrv

import "gonum.org/v1/gonum/stat"

// detectPeaks finds pulse peak indices in a PPG window. A sample is a peak
// when it is a local maximum above an adaptive amplitude threshold and at
// least minPeakDistance samples away from the previous accepted peak. When
// two candidates fall inside the refractory window the taller one wins.
//
// The refractory window corresponds to 180 bpm, the physiological ceiling for
// the riders this system monitors.
func detectPeaks(sig []float64, sampleRate int) []int {
	if len(sig) < 3 {
		return nil
	}

	mean := stat.Mean(sig, nil)
	std := stat.StdDev(sig, nil)
	threshold := mean + 0.5*std

	minDist := sampleRate / 3
	if minDist < 1 {
		minDist = 1
	}

	var peaks []int
	for i := 1; i < len(sig)-1; i++ {
		if sig[i] < threshold {
			continue
		}
		if sig[i] < sig[i-1] || sig[i] <= sig[i+1] {
			continue
		}
		if n := len(peaks); n > 0 && i-peaks[n-1] < minDist {
			if sig[i] > sig[peaks[n-1]] {
				peaks[n-1] = i
			}
			continue
		}
		peaks = append(peaks, i)
	}
	return peaks
}
