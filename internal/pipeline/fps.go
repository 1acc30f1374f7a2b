package pipeline

import (
	"math"
	"time"
)

const (
	// A display rate is stable when the FPS stddev stays under 15% of the
	// mean and the mean jitter under 20% of the expected interval.
	fpsStabilityThreshold    = 0.15
	jitterStabilityThreshold = 0.20
)

// FPSStats describes the display rate over a window of posted frames.
// Jitter values are in seconds.
type FPSStats struct {
	Frames       int           `json:"frames" msgpack:"frames"`
	Window       time.Duration `json:"window" msgpack:"window"`
	FPSMean      float64       `json:"fps_mean" msgpack:"fps_mean"`
	FPSStdDev    float64       `json:"fps_stddev" msgpack:"fps_stddev"`
	FPSMin       float64       `json:"fps_min" msgpack:"fps_min"`
	FPSMax       float64       `json:"fps_max" msgpack:"fps_max"`
	JitterMean   float64       `json:"jitter_mean" msgpack:"jitter_mean"`
	JitterStdDev float64       `json:"jitter_stddev" msgpack:"jitter_stddev"`
	JitterMax    float64       `json:"jitter_max" msgpack:"jitter_max"`
	IsStable     bool          `json:"is_stable" msgpack:"is_stable"`
}

// CalculateFPSStats computes rate statistics from frame timestamps spread
// over window.
func CalculateFPSStats(frameTimes []time.Time, window time.Duration) FPSStats {
	n := len(frameTimes)
	stats := FPSStats{Frames: n, Window: window}
	if n == 0 || window <= 0 {
		return stats
	}
	stats.FPSMean = float64(n) / window.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds(); interval > 0 {
			instantaneous = append(instantaneous, 1/interval)
		}
	}
	if len(instantaneous) == 0 {
		return stats
	}

	stats.FPSMin, stats.FPSMax = instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, fps := range instantaneous {
		stats.FPSMin = math.Min(stats.FPSMin, fps)
		stats.FPSMax = math.Max(stats.FPSMax, fps)
		diff := fps - stats.FPSMean
		sumSquares += diff * diff
	}
	stats.FPSStdDev = math.Sqrt(sumSquares / float64(len(instantaneous)))

	expected := 1 / stats.FPSMean
	jitters := make([]float64, 0, n-1)
	var jitterSum float64
	for i := 1; i < n; i++ {
		j := math.Abs(frameTimes[i].Sub(frameTimes[i-1]).Seconds() - expected)
		jitters = append(jitters, j)
		jitterSum += j
		stats.JitterMax = math.Max(stats.JitterMax, j)
	}
	stats.JitterMean = jitterSum / float64(len(jitters))

	var jitterSquares float64
	for _, j := range jitters {
		diff := j - stats.JitterMean
		jitterSquares += diff * diff
	}
	stats.JitterStdDev = math.Sqrt(jitterSquares / float64(len(jitters)))

	stats.IsStable = stats.FPSStdDev < stats.FPSMean*fpsStabilityThreshold &&
		stats.JitterMean < expected*jitterStabilityThreshold
	return stats
}

// frameWindow keeps the timestamps of the most recent posts.
type frameWindow struct {
	times []time.Time
	next  int
	full  bool
}

func newFrameWindow(size int) *frameWindow {
	return &frameWindow{times: make([]time.Time, size)}
}

func (w *frameWindow) add(t time.Time) {
	if len(w.times) == 0 {
		return
	}
	w.times[w.next] = t
	w.next = (w.next + 1) % len(w.times)
	if w.next == 0 {
		w.full = true
	}
}

// ordered returns the timestamps oldest first.
func (w *frameWindow) ordered() []time.Time {
	if !w.full {
		return append([]time.Time(nil), w.times[:w.next]...)
	}
	out := make([]time.Time, 0, len(w.times))
	out = append(out, w.times[w.next:]...)
	return append(out, w.times[:w.next]...)
}

func (w *frameWindow) stats(now time.Time) FPSStats {
	times := w.ordered()
	if len(times) == 0 {
		return FPSStats{}
	}
	return CalculateFPSStats(times, now.Sub(times[0]))
}
