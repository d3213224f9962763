package filetransfer

import "time"

// speedMeter tracks throughput via exponential smoothing (alpha=0.3)
// over 1s windows, the formula the spec names directly. Nothing in the
// teacher pack computes a moving average; this is built straight from
// stdlib time against that formula.
type speedMeter struct {
	alpha       float64
	windowStart time.Time
	windowBytes int64
	smoothed    float64
}

func newSpeedMeter(now time.Time) *speedMeter {
	return &speedMeter{alpha: 0.3, windowStart: now}
}

// add records n bytes transferred at now, folding a new instantaneous
// rate into the smoothed estimate once a full 1s window has elapsed.
func (m *speedMeter) add(n int, now time.Time) {
	m.windowBytes += int64(n)
	elapsed := now.Sub(m.windowStart)
	if elapsed < time.Second {
		return
	}
	instant := float64(m.windowBytes) / elapsed.Seconds()
	if m.smoothed == 0 {
		m.smoothed = instant
	} else {
		m.smoothed = m.alpha*instant + (1-m.alpha)*m.smoothed
	}
	m.windowBytes = 0
	m.windowStart = now
}

func (m *speedMeter) bytesPerSecond() float64 { return m.smoothed }

func (m *speedMeter) etaSeconds(remaining int64) float64 {
	if m.smoothed <= 0 {
		return 0
	}
	return float64(remaining) / m.smoothed
}
