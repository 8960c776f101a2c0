// Package guard holds the pre-submission gates: duplicate suppression
// and per-broker call budgets.
package guard

import (
	"fmt"
	"sync"
	"time"

	"tiller/internal/broker"
)

const (
	// DefaultDuplicateWindow suppresses repeat submissions for the same
	// (ticker, direction) pair.
	DefaultDuplicateWindow = 60 * time.Second
	// pruneAfter drops stale entries so the map cannot grow unbounded.
	pruneAfter = 5 * time.Minute
)

// ErrDuplicate is returned when a submission repeats a recent one.
type ErrDuplicate struct {
	Ticker    string
	Direction broker.Direction
	Age       time.Duration
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("duplicate submission for %s %s within %s", e.Ticker, e.Direction, e.Age.Round(time.Millisecond))
}

// DuplicateGuard rejects a new submission for a (ticker, direction)
// pair seen within the suppression window.
type DuplicateGuard struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	nowFn  func() time.Time
}

func NewDuplicateGuard(window time.Duration) *DuplicateGuard {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	return &DuplicateGuard{
		window: window,
		seen:   make(map[string]time.Time),
		nowFn:  time.Now,
	}
}

func dupKey(ticker string, dir broker.Direction) string {
	return ticker + "|" + string(dir)
}

// Check records the submission and returns an error if an identical one
// was recorded within the window.
func (g *DuplicateGuard) Check(ticker string, dir broker.Direction) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	g.pruneLocked(now)

	key := dupKey(ticker, dir)
	if last, ok := g.seen[key]; ok {
		if age := now.Sub(last); age < g.window {
			return &ErrDuplicate{Ticker: ticker, Direction: dir, Age: age}
		}
	}
	g.seen[key] = now
	return nil
}

func (g *DuplicateGuard) pruneLocked(now time.Time) {
	for key, at := range g.seen {
		if now.Sub(at) > pruneAfter {
			delete(g.seen, key)
		}
	}
}
