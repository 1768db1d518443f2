// Package session owns the single contact session shown on the agent
// console and reconciles telephony events into its lifecycle.
package session

import (
	"errors"
	"time"

	"github.com/sweeney/asterisk-ccp/internal/finalize"
)

// Lifecycle is the state of the live session.
type Lifecycle string

const (
	Idle    Lifecycle = "idle"
	Ringing Lifecycle = "ringing"
	Active  Lifecycle = "active"
	Wrapup  Lifecycle = "wrapup"
	Ended   Lifecycle = "ended"
)

// Live reports whether the state holds a contact the agent is still
// working on.
func (l Lifecycle) Live() bool {
	return l == Ringing || l == Active || l == Wrapup
}

// Descriptions are the human-readable labels of each lifecycle state.
var Descriptions = map[Lifecycle]string{
	Idle:    "Waiting for a contact",
	Ringing: "Incoming call is ringing",
	Active:  "Call in progress",
	Wrapup:  "After-call work",
	Ended:   "Call ended",
}

// Direction tells who placed the call.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Defaults for descriptive fields the platform did not supply.
const (
	UnknownName     = "Unknown"
	UnknownPhone    = "Unknown"
	ReasonIncoming  = "Incoming Call"
	ReasonConnected = "Connected"
	ReasonOutbound  = "Outbound Call"
	DefaultQueue    = "General"
	DefaultNotes    = "No notes"
)

var (
	ErrInvalidState = errors.New("not allowed in the current call state")
	ErrEmptyNumber  = errors.New("phone number is required")
	ErrDialBlocked  = errors.New("outbound calls are not allowed in the current status")
	ErrSessionBusy  = errors.New("another call is in progress")
	ErrNoAgent      = errors.New("agent not available")
	ErrEmptyDigits  = errors.New("digits are required")
)

// Details describe the customer side of a contact.
type Details struct {
	CustomerName  string    `json:"customerName"`
	CustomerPhone string    `json:"customerPhone"`
	Reason        string    `json:"reason"`
	QueueName     string    `json:"queueName"`
	Direction     Direction `json:"direction"`
}

// WithDefaults fills blank fields, using reason when no reason was given.
func (d Details) WithDefaults(reason string) Details {
	if d.CustomerName == "" {
		d.CustomerName = UnknownName
	}
	if d.CustomerPhone == "" {
		d.CustomerPhone = UnknownPhone
	}
	if d.Reason == "" {
		d.Reason = reason
	}
	if d.QueueName == "" {
		d.QueueName = DefaultQueue
	}
	if d.Direction == "" {
		d.Direction = Inbound
	}
	return d
}

// Session is the live or most recently ended contact.
type Session struct {
	ContactID string `json:"contactId"`
	Details
	State     Lifecycle `json:"state"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	Muted     bool      `json:"muted"`
	OnHold    bool      `json:"onHold"`
}

func (s Session) snapshot() finalize.Snapshot {
	return finalize.Snapshot{
		ContactID:     s.ContactID,
		CustomerName:  s.CustomerName,
		CustomerPhone: s.CustomerPhone,
		Reason:        s.Reason,
		QueueName:     s.QueueName,
	}
}

// EventKind names a domain event produced by the telephony adapter.
type EventKind string

const (
	EventRinging   EventKind = "ringing"
	EventAccepted  EventKind = "accepted"
	EventConnected EventKind = "connected"
	EventEnded     EventKind = "ended"
	EventMissed    EventKind = "missed"
	EventWrapup    EventKind = "wrapup"
)

// Event is one normalized contact notification. Details are only set for
// ringing and accepted events.
type Event struct {
	Kind      EventKind
	ContactID string
	Details   Details
}

// Transition describes one lifecycle change of the session.
type Transition struct {
	ContactID string
	From      Lifecycle
	To        Lifecycle
	At        time.Time
	Session   Session
}
