package eventloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func startLoop(t *testing.T) (*Loop, context.CancelFunc, <-chan error) {
	t.Helper()
	l := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	return l, cancel, errCh
}

func stopLoop(t *testing.T, cancel context.CancelFunc, errCh <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run didn't return after cancel")
	}
}

func TestLoopRunsReactionsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l, cancel, errCh := startLoop(t)

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { order = append(order, i) })
	}
	l.Post(func() { close(done) })
	<-done

	stopLoop(t, cancel, errCh)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLoopAfterFuncCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l, cancel, errCh := startLoop(t)

	var fired atomic.Int32
	done := make(chan struct{})
	l.Post(func() {
		stop := l.AfterFunc(10*time.Millisecond, func() { fired.Add(1) })
		stop()
		l.AfterFunc(20*time.Millisecond, func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second timer never fired")
	}
	stopLoop(t, cancel, errCh)
	assert.Equal(t, int32(0), fired.Load())
}

func TestLoopEveryReleasesTicker(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l, cancel, errCh := startLoop(t)

	ticks := make(chan struct{}, 16)
	var stop func()
	l.Post(func() {
		stop = l.Every(5*time.Millisecond, func() { ticks <- struct{}{} })
	})

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("ticker did not fire")
		}
	}

	stopped := make(chan struct{})
	l.Post(func() {
		stop()
		stop() // idempotent
		close(stopped)
	})
	<-stopped

	stopLoop(t, cancel, errCh)
}

func TestLoopShutdownStopsTickersAndWork(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l, cancel, errCh := startLoop(t)

	started := make(chan struct{})
	l.Post(func() {
		l.Every(time.Hour, func() {})
		l.Go(func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}, func(error) {})
	})
	<-started

	stopLoop(t, cancel, errCh)
}

func TestLoopGoDeliversOnLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l, cancel, errCh := startLoop(t)

	boom := errors.New("boom")
	got := make(chan error, 1)
	l.Go(func(context.Context) error { return boom }, func(err error) { got <- err })

	select {
	case err := <-got:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("completion not delivered")
	}
	stopLoop(t, cancel, errCh)
}

func TestLoopRecoversPanics(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l, cancel, errCh := startLoop(t)

	done := make(chan struct{})
	l.Post(func() { panic("reaction bug") })
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop died after panic")
	}
	stopLoop(t, cancel, errCh)
}

func TestPostAfterStopDoesNotBlock(t *testing.T) {
	l, cancel, errCh := startLoop(t)
	stopLoop(t, cancel, errCh)

	returned := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			l.Post(func() {})
		}
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Post blocked after loop stopped")
	}
}
