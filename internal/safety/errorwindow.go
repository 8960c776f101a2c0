package safety

import (
	"sync"
	"time"
)

const (
	defaultErrorThreshold = 5
	defaultErrorWindow    = 5 * time.Minute
)

// errorWindow counts execution errors over a rolling window.
type errorWindow struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	stamps    []time.Time
}

func newErrorWindow(threshold int, window time.Duration) *errorWindow {
	return &errorWindow{threshold: threshold, window: window}
}

// record adds one error and reports whether the threshold is now met.
func (w *errorWindow) record(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = append(kept, now)
	return len(w.stamps) >= w.threshold
}

func (w *errorWindow) reset() {
	w.mu.Lock()
	w.stamps = nil
	w.mu.Unlock()
}
