// Package scheduler provides wall-clock-aligned periodic execution.
// Aligning to the interval boundary keeps hourly reconciliation on the
// hour and the daily reset at UTC midnight regardless of start time.
package scheduler

import (
	"context"
	"time"

	"tiller/internal/logger"
)

type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedScheduler(ctx context.Context, name string, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		Name:     name,
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start blocks, firing task at every aligned boundary until ctx is done.
// Callers run it in its own goroutine.
func (s *AlignedScheduler) Start(task func()) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("scheduler %s: task is nil, exit", s.Name)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler %s: invalid interval=%s, exit", s.Name, s.Interval)
		return
	}
	if s.Offset < 0 {
		logger.Warnf("scheduler %s: negative offset=%s, clamp to 0", s.Name, s.Offset)
		s.Offset = 0
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("scheduler %s: started interval=%s offset=%s at=%s",
		s.Name, s.Interval, s.Offset, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		task()
	}

	for {
		now := s.nowFn().UTC()
		wakeAt, wait := s.next(now)

		logger.Debugf("scheduler %s: next run at %s (in %s)",
			s.Name, wakeAt.Format(time.RFC3339), wait.Truncate(time.Second))

		if wait <= 0 {
			task()
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("scheduler %s: ctx done, exit", s.Name)
			return
		case <-timer.C:
		}
		task()
	}
}

func (s *AlignedScheduler) next(now time.Time) (wakeAt time.Time, wait time.Duration) {
	now = now.UTC()
	boundary := now.Truncate(s.Interval).Add(s.Interval)
	wakeAt = boundary.Add(s.Offset)
	wait = wakeAt.Sub(now)
	return wakeAt, wait
}
