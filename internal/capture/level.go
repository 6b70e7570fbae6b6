package capture

import (
	"math"
	"time"
)

// Level converts a block of 16-bit samples to a normalized [0,1] level.
// The RMS is taken in dBFS and mapped linearly so that -100 dB is silent
// and 0 dB is full scale.
func Level(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return 0
	}
	db := 20 * math.Log10(rms/32768)
	return clamp01(1 + db/100)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// levelMeter throttles level callbacks, reporting the loudest block seen
// since the previous callback.
type levelMeter struct {
	interval time.Duration
	emit     func(float64)
	now      func() time.Time
	last     time.Time
	peak     float64
	started  bool
}

func newLevelMeter(interval time.Duration, emit func(float64)) *levelMeter {
	return &levelMeter{interval: interval, emit: emit, now: time.Now}
}

func (m *levelMeter) observe(samples []int16) {
	if m == nil || m.emit == nil {
		return
	}
	if lvl := Level(samples); lvl > m.peak {
		m.peak = lvl
	}
	now := m.now()
	if m.started && now.Sub(m.last) < m.interval {
		return
	}
	m.started = true
	m.last = now
	peak := m.peak
	m.peak = 0
	m.emit(peak)
}
