package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextAlignsToIntervalBoundary(t *testing.T) {
	s := NewAlignedScheduler(context.Background(), "reconcile", time.Hour, 0)

	now := time.Date(2026, 3, 10, 14, 23, 45, 0, time.UTC)
	wakeAt, wait := s.next(now)

	assert.Equal(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC), wakeAt)
	assert.Equal(t, 36*time.Minute+15*time.Second, wait)
}

func TestNextDailyBoundaryIsUTCMidnight(t *testing.T) {
	s := NewAlignedScheduler(context.Background(), "daily-reset", 24*time.Hour, 0)

	now := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	wakeAt, _ := s.next(now)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), wakeAt)

	// Just after midnight the next boundary is the following midnight.
	now = time.Date(2026, 3, 11, 0, 0, 1, 0, time.UTC)
	wakeAt, _ = s.next(now)
	assert.Equal(t, time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC), wakeAt)
}

func TestNextAppliesOffset(t *testing.T) {
	s := NewAlignedScheduler(context.Background(), "reconcile", time.Hour, 5*time.Minute)

	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	wakeAt, _ := s.next(now)
	assert.Equal(t, time.Date(2026, 3, 10, 15, 5, 0, 0, time.UTC), wakeAt)
}

func TestStartFiresOnBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewAlignedScheduler(ctx, "tick", 50*time.Millisecond, 0)
	fired := make(chan struct{}, 16)
	go s.Start(func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never fired")
	}
	cancel()
}

func TestStartRunImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewAlignedScheduler(ctx, "tick", time.Hour, 0)
	s.RunImmediately = true
	fired := make(chan struct{}, 1)
	go s.Start(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("immediate run did not happen")
	}
}

func TestStartRejectsBadConfig(t *testing.T) {
	done := make(chan struct{})
	s := NewAlignedScheduler(context.Background(), "bad", 0, 0)
	go func() {
		s.Start(func() { t.Error("task must not run with a zero interval") })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler with zero interval should exit immediately")
	}

	var nilSched *AlignedScheduler
	require.NotPanics(t, func() { nilSched.Start(func() {}) })
}
