package slotcapture

import (
	"math"
	"sync"
	"time"
)

const (
	// A rate is stable when the stddev of the instantaneous FPS stays under
	// 15% of the mean and the mean jitter under 20% of the frame interval.
	rateStabilityThreshold   = 0.15
	jitterStabilityThreshold = 0.20
)

// RateStats summarizes frame arrival times over a measurement window
type RateStats struct {
	Frames int
	Window time.Duration

	FPSMean   float64
	FPSStdDev float64
	FPSMin    float64
	FPSMax    float64

	// Jitter is the deviation of each interval from 1/FPSMean, in seconds
	JitterMean   float64
	JitterStdDev float64
	JitterMax    float64

	Stable bool
}

// MeasureRate computes RateStats from ascending frame timestamps observed
// during window
func MeasureRate(times []time.Time, window time.Duration) RateStats {
	st := RateStats{Frames: len(times), Window: window}
	if len(times) == 0 || window <= 0 {
		return st
	}
	st.FPSMean = float64(len(times)) / window.Seconds()

	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		if d := times[i].Sub(times[i-1]).Seconds(); d > 0 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) == 0 {
		return st
	}

	st.FPSMin, st.FPSMax = math.Inf(1), 0
	var fpsSq float64
	for _, d := range intervals {
		fps := 1 / d
		st.FPSMin = math.Min(st.FPSMin, fps)
		st.FPSMax = math.Max(st.FPSMax, fps)
		fpsSq += (fps - st.FPSMean) * (fps - st.FPSMean)
	}
	st.FPSStdDev = math.Sqrt(fpsSq / float64(len(intervals)))

	expected := 1 / st.FPSMean
	jitters := make([]float64, len(intervals))
	var sum float64
	for i, d := range intervals {
		jitters[i] = math.Abs(d - expected)
		sum += jitters[i]
		st.JitterMax = math.Max(st.JitterMax, jitters[i])
	}
	st.JitterMean = sum / float64(len(jitters))
	var jitterSq float64
	for _, j := range jitters {
		jitterSq += (j - st.JitterMean) * (j - st.JitterMean)
	}
	st.JitterStdDev = math.Sqrt(jitterSq / float64(len(jitters)))

	st.Stable = st.FPSStdDev < rateStabilityThreshold*st.FPSMean &&
		st.JitterMean < jitterStabilityThreshold*expected
	return st
}

// rateMeter keeps the frame timestamps of the trailing window
type rateMeter struct {
	mu     sync.Mutex
	window time.Duration
	times  []time.Time
}

func newRateMeter(window time.Duration) *rateMeter {
	return &rateMeter{window: window}
}

func (m *rateMeter) tick(t time.Time) {
	m.mu.Lock()
	m.times = append(m.times, t)
	m.trimLocked(t)
	m.mu.Unlock()
}

// stats measures the window ending at now
func (m *rateMeter) stats(now time.Time) RateStats {
	m.mu.Lock()
	m.trimLocked(now)
	times := append([]time.Time(nil), m.times...)
	m.mu.Unlock()
	return MeasureRate(times, m.window)
}

func (m *rateMeter) reset() {
	m.mu.Lock()
	m.times = m.times[:0]
	m.mu.Unlock()
}

func (m *rateMeter) trimLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.times) && !m.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		m.times = append(m.times[:0], m.times[i:]...)
	}
}
