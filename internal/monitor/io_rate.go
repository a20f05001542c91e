package monitor

import (
	"sync"
	"time"
)

// ioSample is one cumulative network counter reading.
type ioSample struct {
	recvBytes uint64
	sentBytes uint64
	at        time.Time
}

// ioRateWindow turns cumulative counter samples into byte/sec rates averaged
// over a sliding time window.
type ioRateWindow struct {
	mu      sync.RWMutex
	window  time.Duration
	max     int
	samples []ioSample
}

func newIORateWindow(max int, window time.Duration) *ioRateWindow {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = 6 * time.Second
	}
	return &ioRateWindow{max: max, window: window}
}

func (w *ioRateWindow) Observe(s ioSample) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, s)
	if len(w.samples) > w.max {
		w.samples = w.samples[len(w.samples)-w.max:]
	}
}

// Rate averages bytes/sec between the oldest and newest samples that fall
// inside the window. Counter resets (reboot, interface bounce) yield 0 instead
// of a huge unsigned wraparound.
func (w *ioRateWindow) Rate(now time.Time) (recvPerSec float64, sentPerSec float64) {
	if w == nil {
		return 0, 0
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.samples) < 2 {
		return 0, 0
	}

	first := -1
	for i := len(w.samples) - 1; i >= 0; i-- {
		if now.Sub(w.samples[i].at) > w.window {
			break
		}
		first = i
	}
	if first < 0 || first == len(w.samples)-1 {
		return 0, 0
	}

	oldest := w.samples[first]
	newest := w.samples[len(w.samples)-1]
	dt := newest.at.Sub(oldest.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}
	if newest.recvBytes < oldest.recvBytes || newest.sentBytes < oldest.sentBytes {
		return 0, 0
	}

	recvPerSec = float64(newest.recvBytes-oldest.recvBytes) / dt
	sentPerSec = float64(newest.sentBytes-oldest.sentBytes) / dt
	return recvPerSec, sentPerSec
}
