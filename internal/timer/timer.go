// Package timer derives the elapsed call duration shown on the console.
package timer

import (
	"time"

	"github.com/sweeney/asterisk-ccp/internal/eventloop"
)

// Timer ticks while a call is active, publishing whole elapsed seconds since
// the call's start instant. It owns at most one periodic tick at a time and
// must be used from the event loop.
type Timer struct {
	sched    eventloop.Scheduler
	interval time.Duration
	onTick   func(elapsed int)

	startedAt time.Time
	elapsed   int
	stop      func()
}

// New creates a stopped Timer. interval defaults to one second; onTick may
// be nil.
func New(sched eventloop.Scheduler, interval time.Duration, onTick func(int)) *Timer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Timer{sched: sched, interval: interval, onTick: onTick}
}

// Start begins ticking from startedAt. Starting again with the same instant
// is a no-op; a different instant restarts the tick.
func (t *Timer) Start(startedAt time.Time) {
	if t.stop != nil && t.startedAt.Equal(startedAt) {
		return
	}
	t.release()
	t.startedAt = startedAt
	t.elapsed = Seconds(startedAt, t.sched.Now())
	t.stop = t.sched.Every(t.interval, t.tick)
}

// Stop releases the tick and keeps the last elapsed value.
func (t *Timer) Stop() {
	t.release()
}

// Reset releases the tick and zeroes the elapsed value.
func (t *Timer) Reset() {
	t.release()
	t.startedAt = time.Time{}
	t.elapsed = 0
}

// Close releases the tick. It is safe to call more than once.
func (t *Timer) Close() {
	t.Reset()
}

// Elapsed returns the last observed tick value in seconds.
func (t *Timer) Elapsed() int {
	return t.elapsed
}

// Running reports whether a tick is held.
func (t *Timer) Running() bool {
	return t.stop != nil
}

func (t *Timer) tick() {
	t.elapsed = Seconds(t.startedAt, t.sched.Now())
	if t.onTick != nil {
		t.onTick(t.elapsed)
	}
}

func (t *Timer) release() {
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}

// Seconds returns whole seconds from start to now, truncated, never negative.
func Seconds(start, now time.Time) int {
	if start.IsZero() || now.Before(start) {
		return 0
	}
	return int(now.Sub(start) / time.Second)
}
