package eventloop

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Fake is a manual-clock Scheduler for tests. Posted reactions run inline,
// timers fire only from Advance, and off-loop work is queued until RunJobs.
// It is safe to call from SDK fakes on other goroutines, but tests normally
// drive everything from one goroutine.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
	jobs   []fakeJob
}

type fakeTimer struct {
	id        int
	at        time.Time
	every     time.Duration
	fn        func()
	cancelled bool
}

type fakeJob struct {
	work func(ctx context.Context) error
	done func(error)
}

// NewFake creates a Fake starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Post(fn func()) {
	fn()
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) func() {
	return f.add(d, 0, fn)
}

func (f *Fake) Every(d time.Duration, fn func()) func() {
	return f.add(d, d, fn)
}

func (f *Fake) add(d, every time.Duration, fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{id: f.seq, at: f.now.Add(d), every: every, fn: fn}
	f.timers = append(f.timers, t)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		t.cancelled = true
		f.prune()
	}
}

func (f *Fake) Go(work func(ctx context.Context) error, done func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, fakeJob{work: work, done: done})
}

// Advance moves the clock forward by d, firing due timers in time order.
// The clock reads each timer's due instant while its callback runs.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		t := f.nextDue(target)
		if t == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = t.at
		if t.every > 0 {
			t.at = t.at.Add(t.every)
		} else {
			t.cancelled = true
			f.prune()
		}
		fn := t.fn
		f.mu.Unlock()

		fn()
	}
}

func (f *Fake) nextDue(target time.Time) *fakeTimer {
	var due []*fakeTimer
	for _, t := range f.timers {
		if !t.cancelled && !t.at.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

func (f *Fake) prune() {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.cancelled {
			live = append(live, t)
		}
	}
	f.timers = live
}

// ActiveTimers returns the number of scheduled, uncancelled timers and tickers.
func (f *Fake) ActiveTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// PendingJobs returns the number of queued off-loop jobs.
func (f *Fake) PendingJobs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// RunJobs executes queued jobs in order, delivering each result inline.
// Jobs queued while running are executed too.
func (f *Fake) RunJobs() {
	for {
		f.mu.Lock()
		if len(f.jobs) == 0 {
			f.mu.Unlock()
			return
		}
		j := f.jobs[0]
		f.jobs = f.jobs[1:]
		f.mu.Unlock()

		err := j.work(context.Background())
		if j.done != nil {
			j.done(err)
		}
	}
}
