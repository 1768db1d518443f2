package session

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-ccp/internal/eventloop"
	"github.com/sweeney/asterisk-ccp/internal/finalize"
	"github.com/sweeney/asterisk-ccp/internal/metrics"
	"github.com/sweeney/asterisk-ccp/internal/timer"
)

// DefaultErrorClearDelay is how long transient notices stay on the console.
const DefaultErrorClearDelay = 3 * time.Second

// Telephony is the command side of the telephony adapter. A synchronous
// error means the command was not sent; otherwise done runs on the event
// loop once the platform answers, which may be never.
type Telephony interface {
	Accept(done func(error)) error
	Reject(done func(error)) error
	Dial(number string, done func(error)) error
	Hangup(done func(error)) error
	Complete(done func(error)) error
	Hold(done func(error)) error
	Resume(done func(error)) error
	Mute(done func(error)) error
	Unmute(done func(error)) error
	SendDigits(digits string, done func(error)) error
	Transfer(done func(error)) error
}

// Presence is what the machine needs from the presence tracker.
type Presence interface {
	CanDial() bool
	CanComplete() bool
	AgentName() string
}

// Alerts is the console's error line.
type Alerts interface {
	Report(err error)
	Flash(msg string, d time.Duration)
	Clear()
}

// Finalizer is the finalization guard.
type Finalizer interface {
	Capture(s finalize.Snapshot)
	Discard(contactID string)
	Finalized(contactID string) bool
	Finalize(req finalize.Request) bool
}

// Config wires a Machine.
type Config struct {
	Scheduler       eventloop.Scheduler
	Telephony       Telephony
	Presence        Presence
	Guard           Finalizer
	Timer           *timer.Timer
	Alerts          Alerts
	Logger          zerolog.Logger
	ErrorClearDelay time.Duration

	// OnChange runs after any visible change of the session.
	OnChange func()
	// OnTransition runs after every lifecycle change.
	OnTransition func(Transition)
}

// Machine is the call session state machine. All methods must be called
// on the event loop.
type Machine struct {
	sched      eventloop.Scheduler
	tel        Telephony
	presence   Presence
	guard      Finalizer
	timer      *timer.Timer
	alerts     Alerts
	logger     zerolog.Logger
	clearDelay time.Duration
	onChange   func()
	onTrans    func(Transition)

	session Session
	notes   string
}

// New creates an Idle Machine.
func New(cfg Config) *Machine {
	if cfg.ErrorClearDelay <= 0 {
		cfg.ErrorClearDelay = DefaultErrorClearDelay
	}
	return &Machine{
		sched:      cfg.Scheduler,
		tel:        cfg.Telephony,
		presence:   cfg.Presence,
		guard:      cfg.Guard,
		timer:      cfg.Timer,
		alerts:     cfg.Alerts,
		logger:     cfg.Logger.With().Str("component", "session").Logger(),
		clearDelay: cfg.ErrorClearDelay,
		onChange:   cfg.OnChange,
		onTrans:    cfg.OnTransition,
		session:    Session{State: Idle},
		notes:      DefaultNotes,
	}
}

// Session returns a copy of the live session.
func (m *Machine) Session() Session { return m.session }

// State returns the lifecycle state.
func (m *Machine) State() Lifecycle { return m.session.State }

// Notes returns the notes that will go into the summary.
func (m *Machine) Notes() string { return m.notes }

// Handle applies a domain event from the telephony adapter.
func (m *Machine) Handle(ev Event) {
	if reason, ok := m.reconcile(ev); !ok {
		m.ignore(ev, reason)
		return
	}

	switch ev.Kind {
	case EventRinging:
		m.onRinging(ev)
	case EventAccepted:
		m.onAccepted(ev)
	case EventConnected:
		m.onConnected(ev)
	case EventEnded:
		m.onEnded(ev)
	case EventMissed:
		m.onMissed(ev)
	case EventWrapup:
		m.onWrapup(ev)
	default:
		m.ignore(ev, "unknown")
	}
}

// reconcile decides whether ev concerns the session on display. A live
// outbound session that has no contact id yet adopts the first one seen.
func (m *Machine) reconcile(ev Event) (string, bool) {
	s := &m.session
	if s.State == Idle || ev.ContactID == s.ContactID {
		return "", true
	}
	if s.ContactID == "" && s.Direction == Outbound && s.State.Live() && ev.ContactID != "" && ev.Kind != EventRinging {
		s.ContactID = ev.ContactID
		m.guard.Capture(s.snapshot())
		m.logger.Info().Str("contact_id", ev.ContactID).Msg("outbound call bound to contact")
		m.changed()
		return "", true
	}
	if ev.Kind == EventRinging || ev.Kind == EventAccepted {
		if s.State == Ended {
			return "", true
		}
		return "busy", false
	}
	return "stale", false
}

func (m *Machine) onRinging(ev Event) {
	if m.guard.Finalized(ev.ContactID) {
		m.ignore(ev, "finalized")
		return
	}
	switch m.session.State {
	case Idle, Ended:
		m.open(ev.ContactID, ev.Details.WithDefaults(ReasonIncoming), time.Time{})
		m.setState(Ringing)
	case Ringing:
		m.session.Details = ev.Details.WithDefaults(ReasonIncoming)
		m.guard.Capture(m.session.snapshot())
		m.changed()
	default:
		m.ignore(ev, "state")
	}
}

func (m *Machine) onAccepted(ev Event) {
	if m.guard.Finalized(ev.ContactID) {
		m.ignore(ev, "finalized")
		return
	}
	details := ev.Details.WithDefaults(ReasonConnected)
	switch m.session.State {
	case Idle, Ended:
		m.open(ev.ContactID, details, m.sched.Now())
		m.setState(Active)
	case Ringing:
		details.Direction = m.session.Direction
		m.session.Details = details
		m.guard.Capture(m.session.snapshot())
		m.activate()
	case Active:
		if m.session.StartedAt.IsZero() {
			m.session.StartedAt = m.sched.Now()
			m.setState(Active)
		}
	default:
		m.ignore(ev, "state")
	}
}

func (m *Machine) onConnected(ev Event) {
	if m.guard.Finalized(ev.ContactID) {
		m.ignore(ev, "finalized")
		return
	}
	switch m.session.State {
	case Ringing:
		m.activate()
	case Active:
		if m.session.StartedAt.IsZero() {
			m.session.StartedAt = m.sched.Now()
			m.setState(Active)
		}
	default:
		m.ignore(ev, "state")
	}
}

func (m *Machine) onEnded(ev Event) {
	switch m.session.State {
	case Idle:
		m.ignore(ev, "state")
	case Wrapup:
		m.finalize()
	default:
		m.end()
	}
}

func (m *Machine) onMissed(ev Event) {
	if m.session.State != Ringing {
		m.ignore(ev, "state")
		return
	}
	m.guard.Discard(m.session.ContactID)
	m.reset()
	m.alerts.Flash("Call was missed", m.clearDelay)
}

func (m *Machine) onWrapup(ev Event) {
	switch m.session.State {
	case Active, Ended:
		m.setState(Wrapup)
	default:
		m.ignore(ev, "state")
	}
}

// ResetFinalized returns the session to Idle once the finalization delay
// for contactID has elapsed. A newer session, or one the operator still
// has in after-call work, is left alone.
func (m *Machine) ResetFinalized(contactID string) {
	if m.session.State != Ended || m.session.ContactID != contactID {
		m.logger.Debug().Str("contact_id", contactID).Str("state", string(m.session.State)).Msg("delayed reset skipped")
		return
	}
	m.reset()
}

// Close releases the timer tick.
func (m *Machine) Close() {
	m.timer.Close()
}

// open starts a new session, replacing whatever ended session was shown.
func (m *Machine) open(contactID string, d Details, startedAt time.Time) {
	m.session = Session{
		ContactID: contactID,
		Details:   d,
		State:     m.session.State,
		StartedAt: startedAt,
	}
	m.notes = DefaultNotes
	m.timer.Reset()
	m.guard.Capture(m.session.snapshot())
}

func (m *Machine) activate() {
	m.session.StartedAt = m.sched.Now()
	m.session.Muted = false
	m.session.OnHold = false
	m.setState(Active)
}

// end moves a ringing or active session to Ended and finalizes it. For an
// already ended session the guard absorbs the call.
func (m *Machine) end() {
	if m.session.State != Ended {
		m.setState(Ended)
	}
	m.finalize()
}

func (m *Machine) finalize() bool {
	s := m.session
	return m.guard.Finalize(finalize.Request{
		ContactID: s.ContactID,
		Live:      s.snapshot(),
		StartedAt: s.StartedAt,
		LastTick:  m.timer.Elapsed(),
		AgentName: m.presence.AgentName(),
		Notes:     m.notes,
	})
}

func (m *Machine) reset() {
	m.notes = DefaultNotes
	m.setState(Idle)
}

// setState records a lifecycle change and keeps the timer in step. Moving
// to Idle clears the session.
func (m *Machine) setState(to Lifecycle) {
	prev := m.session
	from := prev.State
	if to == Idle {
		m.session = Session{State: Idle}
	} else {
		m.session.State = to
	}
	m.syncTimer()

	if from != to {
		metrics.SessionTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		m.logger.Info().
			Str("contact_id", prev.ContactID).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("session transition")
		if m.onTrans != nil {
			snap := m.session
			if to == Idle {
				snap = prev
				snap.State = Idle
			}
			m.onTrans(Transition{
				ContactID: prev.ContactID,
				From:      from,
				To:        to,
				At:        m.sched.Now(),
				Session:   snap,
			})
		}
	}
	m.changed()
}

func (m *Machine) syncTimer() {
	switch {
	case m.session.State == Active && !m.session.StartedAt.IsZero():
		m.timer.Start(m.session.StartedAt)
	case m.session.State == Idle:
		m.timer.Reset()
	default:
		m.timer.Stop()
	}
}

func (m *Machine) ignore(ev Event, reason string) {
	metrics.SessionEventsIgnoredTotal.WithLabelValues(string(ev.Kind), reason).Inc()
	e := m.logger.Debug()
	if reason == "busy" {
		e = m.logger.Warn()
	}
	e.Str("contact_id", ev.ContactID).
		Str("event", string(ev.Kind)).
		Str("state", string(m.session.State)).
		Str("reason", reason).
		Msg("contact event ignored")
}

func (m *Machine) changed() {
	if m.onChange != nil {
		m.onChange()
	}
}
