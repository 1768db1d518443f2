// Package eventloop provides the single logical thread the console core runs
// on. Every reaction (SDK callback, command, tick, delayed reset, completion
// of off-loop work) executes serially on the loop goroutine, so core state
// needs no locks.
package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler is what loop-resident components use to defer work. All
// callbacks run on the loop.
type Scheduler interface {
	// Now returns the current time.
	Now() time.Time
	// Post queues fn for execution on the loop.
	Post(fn func())
	// AfterFunc runs fn once after d. The returned func cancels it; after
	// cancel returns on the loop, fn will not run.
	AfterFunc(d time.Duration, fn func()) (cancel func())
	// Every runs fn every d until cancelled. Cancel releases the ticker.
	Every(d time.Duration, fn func()) (cancel func())
	// Go runs work off the loop and delivers its result to done on the loop.
	Go(work func(ctx context.Context) error, done func(error))
}

// Loop is the production Scheduler backed by a goroutine and a queue.
type Loop struct {
	queue  chan func()
	done   chan struct{}
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Loop. Call Run to start processing.
func New(logger zerolog.Logger) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		queue:  make(chan func(), 256),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "eventloop").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run processes reactions until ctx is cancelled. On return all tickers are
// stopped and off-loop work has been cancelled and waited for.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		close(l.done)
		l.cancel()
		l.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.queue:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("reaction panicked")
		}
	}()
	fn()
}

// Now returns the wall clock.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Post queues fn. Reactions posted after the loop stopped are dropped.
func (l *Loop) Post(fn func()) {
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// AfterFunc schedules fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) func() {
	var cancelled atomic.Bool
	t := time.AfterFunc(d, func() {
		l.Post(func() {
			if !cancelled.Load() {
				fn()
			}
		})
	})
	return func() {
		cancelled.Store(true)
		t.Stop()
	}
}

// Every schedules fn on the loop every d. The ticker goroutine exits when
// cancelled or when the loop stops.
func (l *Loop) Every(d time.Duration, fn func()) func() {
	var cancelled atomic.Bool
	stop := make(chan struct{})
	ticker := time.NewTicker(d)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-l.ctx.Done():
				return
			case <-ticker.C:
				l.Post(func() {
					if !cancelled.Load() {
						fn()
					}
				})
			}
		}
	}()

	var once sync.Once
	return func() {
		cancelled.Store(true)
		once.Do(func() { close(stop) })
	}
}

// Go runs work on its own goroutine with the loop's lifetime context.
func (l *Loop) Go(work func(ctx context.Context) error, done func(error)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		err := work(l.ctx)
		if done != nil {
			l.Post(func() { done(err) })
		}
	}()
}
