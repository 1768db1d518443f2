// Package desk assembles the console core for one agent session and routes
// console commands into it.
package desk

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-ccp/internal/adapter"
	"github.com/sweeney/asterisk-ccp/internal/alert"
	"github.com/sweeney/asterisk-ccp/internal/console"
	"github.com/sweeney/asterisk-ccp/internal/eventloop"
	"github.com/sweeney/asterisk-ccp/internal/finalize"
	"github.com/sweeney/asterisk-ccp/internal/presence"
	"github.com/sweeney/asterisk-ccp/internal/session"
	"github.com/sweeney/asterisk-ccp/internal/telephony"
	"github.com/sweeney/asterisk-ccp/internal/timer"
)

// Config configures a Desk.
type Config struct {
	Scheduler       eventloop.Scheduler
	Persister       finalize.Persister
	Logger          zerolog.Logger
	ResetDelay      time.Duration
	ErrorClearDelay time.Duration
	TickInterval    time.Duration
	TransferQueue   string

	// OnView receives the console view after every change, on the loop.
	OnView func(console.View)
	// OnTransition receives every session lifecycle change, on the loop.
	OnTransition func(session.Transition)
}

// Desk owns the alert board, presence tracker, timer, finalization guard,
// state machine and telephony adapter of one agent session. Everything but
// Ready must be called on the event loop.
type Desk struct {
	sched  eventloop.Scheduler
	logger zerolog.Logger
	onView func(console.View)

	alerts   *alert.Board
	adapter  *adapter.Adapter
	presence *presence.Tracker
	timer    *timer.Timer
	guard    *finalize.Guard
	machine  *session.Machine

	ready atomic.Bool
}

// New wires a Desk. Call Start to attach the telephony SDK.
func New(cfg Config) *Desk {
	d := &Desk{
		sched:  cfg.Scheduler,
		logger: cfg.Logger.With().Str("component", "desk").Logger(),
		onView: cfg.OnView,
	}

	d.alerts = alert.New(cfg.Scheduler, cfg.Logger, d.notify)
	d.adapter = adapter.New(adapter.Config{
		Scheduler:     cfg.Scheduler,
		Logger:        cfg.Logger,
		TransferQueue: cfg.TransferQueue,
	})
	d.presence = presence.New(d.adapter, d.alerts, cfg.Logger, d.notify)
	d.timer = timer.New(cfg.Scheduler, cfg.TickInterval, func(int) { d.notify() })
	d.guard = finalize.New(cfg.Scheduler, cfg.Persister, cfg.Logger,
		finalize.WithResetDelay(cfg.ResetDelay),
		finalize.OnReset(func(id string) { d.machine.ResetFinalized(id) }),
		finalize.WithReporter(d.alerts.Report),
	)
	d.machine = session.New(session.Config{
		Scheduler:       cfg.Scheduler,
		Telephony:       d.adapter,
		Presence:        d.presence,
		Guard:           d.guard,
		Timer:           d.timer,
		Alerts:          d.alerts,
		Logger:          cfg.Logger,
		ErrorClearDelay: cfg.ErrorClearDelay,
		OnChange:        d.notify,
		OnTransition:    cfg.OnTransition,
	})
	d.adapter.Route(d.machine, d.guard, d.presence)
	return d
}

// Start attaches the telephony SDK and publishes the initial view.
func (d *Desk) Start(sdk telephony.SDK) error {
	if err := d.adapter.Start(sdk); err != nil {
		d.alerts.Report(fmt.Errorf("Failed to initialize telephony: %w", err))
		return err
	}
	d.notify()
	return nil
}

// Execute runs one console command. Refused commands are also shown on the
// console's error line.
func (d *Desk) Execute(cmd console.Command) error {
	var err error
	switch cmd.Name {
	case console.CmdAccept:
		err = d.machine.AcceptIncoming()
	case console.CmdReject:
		err = d.machine.RejectIncoming()
	case console.CmdDial:
		err = d.machine.StartOutbound(cmd.Number)
	case console.CmdHangup:
		err = d.machine.EndActive()
	case console.CmdClose:
		err = d.machine.CloseWrappedUp()
	case console.CmdMute:
		err = d.machine.ToggleMute()
	case console.CmdHold:
		err = d.machine.ToggleHold()
	case console.CmdTransfer:
		err = d.machine.Transfer()
	case console.CmdDigits:
		err = d.machine.SendDigits(cmd.Digits)
	case console.CmdPresence:
		err = d.presence.Request(cmd.Presence)
	case console.CmdNotes:
		err = d.machine.SetNotes(cmd.Notes)
	default:
		err = fmt.Errorf("%w: %q", console.ErrUnknownCommand, cmd.Name)
	}
	if err != nil {
		d.alerts.Report(err)
	}
	return err
}

// View returns the current console view.
func (d *Desk) View() console.View {
	s := d.machine.Session()
	elapsed := d.timer.Elapsed()
	v := console.View{
		State:       s.State,
		Description: session.Descriptions[s.State],
		Agent:       d.presence.AgentName(),
		Presence:    d.presence.Current(),
		States:      d.presence.States(),
		Elapsed:     elapsed,
		ElapsedText: console.FormatElapsed(elapsed),
		Notes:       d.machine.Notes(),
		Error:       d.alerts.Message(),
		UpdatedAt:   d.sched.Now(),
	}
	if s.State != session.Idle {
		v.Session = &s
	}
	return v
}

// Ready reports whether the agent has been discovered. It is safe to call
// from any goroutine.
func (d *Desk) Ready() bool {
	return d.ready.Load()
}

// Machine returns the session state machine.
func (d *Desk) Machine() *session.Machine { return d.machine }

// Presence returns the presence tracker.
func (d *Desk) Presence() *presence.Tracker { return d.presence }

// Guard returns the finalization guard.
func (d *Desk) Guard() *finalize.Guard { return d.guard }

// Close tears the desk down: the tick, pending resets, the ledger and any
// pending alert clear are released.
func (d *Desk) Close() {
	d.machine.Close()
	d.guard.Close()
	d.alerts.Close()
	d.ready.Store(false)
	d.logger.Info().Msg("desk closed")
}

func (d *Desk) notify() {
	if d.machine == nil {
		return
	}
	d.ready.Store(d.presence.Known())
	if d.onView != nil {
		d.onView(d.View())
	}
}
