// Package adapter normalizes telephony SDK callbacks into session events and
// exposes the SDK's commands to the console core. Every callback the SDK
// delivers, from whatever goroutine, is handed to the event loop.
package adapter

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-ccp/internal/eventloop"
	"github.com/sweeney/asterisk-ccp/internal/session"
	"github.com/sweeney/asterisk-ccp/internal/telephony"
)

// Contact attributes carrying customer details.
const (
	AttrCustomerName = "customerName"
	AttrReason       = "reason"
)

var (
	ErrSDKUnavailable  = errors.New("telephony SDK unavailable")
	ErrAlreadyStarted  = errors.New("adapter already started")
	ErrNoAgent         = errors.New("agent not available")
	ErrNoContact       = errors.New("no active contact")
	ErrNoTransferQueue = errors.New("no transfer queue configured")
)

// Sink receives normalized contact events.
type Sink interface {
	Handle(session.Event)
}

// LedgerResetter forgets finalization flags for a newly announced contact.
type LedgerResetter interface {
	Forget(contactID string)
}

// PresenceSink receives the agent's identity and platform state changes.
type PresenceSink interface {
	Discovered(agentName, current string, states []string)
	Observe(name string)
}

// Config configures an Adapter.
type Config struct {
	Scheduler     eventloop.Scheduler
	Logger        zerolog.Logger
	TransferQueue string
}

// Adapter bridges one SDK to the console core. Handles and routes are only
// touched on the event loop.
type Adapter struct {
	sched         eventloop.Scheduler
	logger        zerolog.Logger
	transferQueue string

	sink     Sink
	ledger   LedgerResetter
	presence PresenceSink

	started bool
	agent   telephony.Agent
	contact telephony.Contact
}

// New creates an Adapter. Call Route and then Start.
func New(cfg Config) *Adapter {
	return &Adapter{
		sched:         cfg.Scheduler,
		logger:        cfg.Logger.With().Str("component", "adapter").Logger(),
		transferQueue: cfg.TransferQueue,
	}
}

// Route sets where events go. It must be called before Start.
func (a *Adapter) Route(sink Sink, ledger LedgerResetter, presence PresenceSink) {
	a.sink = sink
	a.ledger = ledger
	a.presence = presence
}

// Start registers the discovery callbacks. A nil SDK is reported as
// ErrSDKUnavailable and nothing is wired.
func (a *Adapter) Start(sdk telephony.SDK) error {
	if sdk == nil {
		a.logger.Error().Msg("telephony SDK unavailable, console not wired")
		return ErrSDKUnavailable
	}
	if a.started {
		return ErrAlreadyStarted
	}
	a.started = true
	sdk.OnAgent(a.agentDiscovered)
	sdk.OnContact(a.contactDiscovered)
	a.logger.Info().Msg("telephony SDK wired")
	return nil
}

// agentDiscovered runs on the SDK's goroutine.
func (a *Adapter) agentDiscovered(ag telephony.Agent) {
	name, current, states := ag.Name(), ag.State(), ag.States()
	a.sched.Post(func() {
		a.agent = ag
		a.logger.Info().Str("agent", name).Str("state", current).Msg("agent discovered")
		if a.presence != nil {
			a.presence.Discovered(name, current, states)
		}
	})
	ag.OnStateChange(func(ch telephony.AgentStateChange) {
		a.sched.Post(func() {
			if a.presence != nil {
				a.presence.Observe(ch.New)
			}
		})
	})
}

// contactDiscovered runs on the SDK's goroutine. The ledger reset is queued
// before any sub-event can be.
func (a *Adapter) contactDiscovered(c telephony.Contact) {
	id := c.ID()
	a.sched.Post(func() {
		a.contact = c
		a.logger.Info().Str("contact_id", id).Bool("inbound", c.Inbound()).Msg("contact discovered")
		if a.ledger != nil {
			a.ledger.Forget(id)
		}
	})

	c.On(telephony.ContactConnecting, func() {
		if !c.Inbound() {
			return
		}
		a.emit(session.Event{Kind: session.EventRinging, ContactID: id, Details: details(c, session.ReasonIncoming)})
	})
	c.On(telephony.ContactAccepted, func() {
		a.emit(session.Event{Kind: session.EventAccepted, ContactID: id, Details: details(c, session.ReasonConnected)})
	})
	c.On(telephony.ContactConnected, func() {
		a.emit(session.Event{Kind: session.EventConnected, ContactID: id})
	})
	c.On(telephony.ContactEnded, func() {
		a.emit(session.Event{Kind: session.EventEnded, ContactID: id})
	})
	c.On(telephony.ContactMissed, func() {
		a.emit(session.Event{Kind: session.EventMissed, ContactID: id})
	})
	c.On(telephony.ContactAfterCallWork, func() {
		a.emit(session.Event{Kind: session.EventWrapup, ContactID: id})
	})
}

func (a *Adapter) emit(ev session.Event) {
	a.sched.Post(func() {
		a.logger.Debug().Str("contact_id", ev.ContactID).Str("event", string(ev.Kind)).Msg("contact event")
		if a.sink != nil {
			a.sink.Handle(ev)
		}
	})
}

// details reads the customer side of c, filling platform gaps with
// defaults.
func details(c telephony.Contact, reason string) session.Details {
	attrs := c.Attributes()
	var phone string
	if conn := c.InitialConnection(); conn != nil {
		phone = conn.PhoneNumber()
	}
	dir := session.Outbound
	if c.Inbound() {
		dir = session.Inbound
	}
	return session.Details{
		CustomerName:  attrs[AttrCustomerName],
		CustomerPhone: phone,
		Reason:        attrs[AttrReason],
		QueueName:     c.Queue(),
		Direction:     dir,
	}.WithDefaults(reason)
}

// onLoop returns a completion that delivers its outcome on the event loop.
func (a *Adapter) onLoop(done func(error)) telephony.Completion {
	return func(err error) {
		if done == nil {
			return
		}
		a.sched.Post(func() { done(err) })
	}
}

// Agent reports whether an agent handle has been discovered.
func (a *Adapter) Agent() bool { return a.agent != nil }

// ContactID returns the id of the most recently discovered contact.
func (a *Adapter) ContactID() string {
	if a.contact == nil {
		return ""
	}
	return a.contact.ID()
}

// Accept answers the current contact.
func (a *Adapter) Accept(done func(error)) error {
	if a.contact == nil {
		return ErrNoContact
	}
	a.contact.Accept(a.onLoop(done))
	return nil
}

// Reject declines the current contact.
func (a *Adapter) Reject(done func(error)) error {
	if a.contact == nil {
		return ErrNoContact
	}
	a.contact.Reject(a.onLoop(done))
	return nil
}

// Complete closes the current contact's after-call work.
func (a *Adapter) Complete(done func(error)) error {
	if a.contact == nil {
		return ErrNoContact
	}
	a.contact.Complete(a.onLoop(done))
	return nil
}

// Dial places an outbound call to number.
func (a *Adapter) Dial(number string, done func(error)) error {
	if a.agent == nil {
		return ErrNoAgent
	}
	a.agent.Connect(telephony.PhoneEndpoint(number), a.onLoop(done))
	return nil
}

// Transfer connects the customer to the configured transfer queue.
func (a *Adapter) Transfer(done func(error)) error {
	if a.agent == nil {
		return ErrNoAgent
	}
	if a.contact == nil {
		return ErrNoContact
	}
	if a.transferQueue == "" {
		return ErrNoTransferQueue
	}
	a.agent.Connect(telephony.QueueEndpoint(a.transferQueue), a.onLoop(done))
	return nil
}

// Mute mutes the agent.
func (a *Adapter) Mute(done func(error)) error {
	if a.agent == nil {
		return ErrNoAgent
	}
	a.agent.Mute(a.onLoop(done))
	return nil
}

// Unmute unmutes the agent.
func (a *Adapter) Unmute(done func(error)) error {
	if a.agent == nil {
		return ErrNoAgent
	}
	a.agent.Unmute(a.onLoop(done))
	return nil
}

// SetPresence asks the platform to change the agent's state.
func (a *Adapter) SetPresence(name string, done func(error)) error {
	if a.agent == nil {
		return ErrNoAgent
	}
	a.agent.SetState(name, a.onLoop(done))
	return nil
}

// Hangup destroys the customer connection.
func (a *Adapter) Hangup(done func(error)) error {
	conn, err := a.connection()
	if err != nil {
		return err
	}
	conn.Destroy(a.onLoop(done))
	return nil
}

// Hold puts the customer on hold.
func (a *Adapter) Hold(done func(error)) error {
	conn, err := a.connection()
	if err != nil {
		return err
	}
	conn.Hold(a.onLoop(done))
	return nil
}

// Resume takes the customer off hold.
func (a *Adapter) Resume(done func(error)) error {
	conn, err := a.connection()
	if err != nil {
		return err
	}
	conn.Resume(a.onLoop(done))
	return nil
}

// SendDigits plays DTMF digits to the customer.
func (a *Adapter) SendDigits(digits string, done func(error)) error {
	conn, err := a.connection()
	if err != nil {
		return err
	}
	conn.SendDigits(digits, a.onLoop(done))
	return nil
}

func (a *Adapter) connection() (telephony.Connection, error) {
	if a.contact == nil {
		return nil, ErrNoContact
	}
	conn := a.contact.InitialConnection()
	if conn == nil {
		return nil, fmt.Errorf("contact %s: %w", a.contact.ID(), ErrNoContact)
	}
	return conn, nil
}
