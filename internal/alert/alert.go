// Package alert holds the single user-visible error message of the console.
package alert

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-ccp/internal/eventloop"
)

// Board is the console's error line. It must be used from the event loop.
type Board struct {
	sched    eventloop.Scheduler
	logger   zerolog.Logger
	onChange func()

	message string
	cancel  func()
}

// New creates an empty Board. onChange may be nil.
func New(sched eventloop.Scheduler, logger zerolog.Logger, onChange func()) *Board {
	return &Board{
		sched:    sched,
		logger:   logger.With().Str("component", "alert").Logger(),
		onChange: onChange,
	}
}

// Report shows err until it is replaced or cleared.
func (b *Board) Report(err error) {
	if err == nil {
		return
	}
	b.logger.Warn().Err(err).Msg("console error")
	b.set(err.Error(), 0)
}

// Flash shows msg and clears it after d, unless something else replaced it.
func (b *Board) Flash(msg string, d time.Duration) {
	b.logger.Info().Str("message", msg).Dur("clear_after", d).Msg("console notice")
	b.set(msg, d)
}

// Clear removes the current message.
func (b *Board) Clear() {
	if b.message == "" {
		return
	}
	b.set("", 0)
}

// Message returns the current message, empty when none.
func (b *Board) Message() string {
	return b.message
}

// Close cancels any pending auto-clear.
func (b *Board) Close() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

func (b *Board) set(msg string, clearAfter time.Duration) {
	b.Close()
	b.message = msg
	if clearAfter > 0 {
		b.cancel = b.sched.AfterFunc(clearAfter, func() {
			b.cancel = nil
			b.set("", 0)
		})
	}
	if b.onChange != nil {
		b.onChange()
	}
}
