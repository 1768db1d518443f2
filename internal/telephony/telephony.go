// Package telephony defines the vendor SDK boundary the console core consumes:
// agent and contact discovery callbacks, per-contact sub-events and commands
// that report completion asynchronously.
package telephony

import "errors"

// Completion receives the outcome of a command: nil on success. A command
// whose completion never fires is pending indefinitely; callers must not
// treat silence as either outcome.
type Completion func(error)

// ContactEvent names a per-contact lifecycle notification.
type ContactEvent string

const (
	ContactConnecting    ContactEvent = "connecting"
	ContactAccepted      ContactEvent = "accepted"
	ContactConnected     ContactEvent = "connected"
	ContactEnded         ContactEvent = "ended"
	ContactMissed        ContactEvent = "missed"
	ContactAfterCallWork ContactEvent = "afterCallWork"
)

// ContactEvents lists every sub-event a contact can report.
var ContactEvents = []ContactEvent{
	ContactConnecting,
	ContactAccepted,
	ContactConnected,
	ContactEnded,
	ContactMissed,
	ContactAfterCallWork,
}

// EndpointKind distinguishes dial targets.
type EndpointKind string

const (
	EndpointPhone EndpointKind = "phone"
	EndpointQueue EndpointKind = "queue"
)

// Endpoint is a connect target.
type Endpoint struct {
	Kind    EndpointKind
	Address string
}

// PhoneEndpoint targets an external phone number.
func PhoneEndpoint(number string) Endpoint {
	return Endpoint{Kind: EndpointPhone, Address: number}
}

// QueueEndpoint targets a queue (transfer).
func QueueEndpoint(queue string) Endpoint {
	return Endpoint{Kind: EndpointQueue, Address: queue}
}

// AgentStateChange reports an agent state transition.
type AgentStateChange struct {
	Old string
	New string
}

// SDK is the entry point: discovery callbacks registered once at startup.
type SDK interface {
	OnAgent(func(Agent))
	OnContact(func(Contact))
}

// Agent is the logged-in agent handle.
type Agent interface {
	Name() string
	State() string
	// States returns the selectable agent state names.
	States() []string
	SetState(name string, done Completion)
	Mute(done Completion)
	Unmute(done Completion)
	Connect(ep Endpoint, done Completion)
	OnStateChange(func(AgentStateChange))
}

// Contact is one customer interaction.
type Contact interface {
	ID() string
	Inbound() bool
	Attributes() map[string]string
	Queue() string
	InitialConnection() Connection
	Accept(done Completion)
	Reject(done Completion)
	// Complete closes a contact that is in after-call work.
	Complete(done Completion)
	On(ev ContactEvent, fn func())
}

// Connection is the customer leg of a contact.
type Connection interface {
	PhoneNumber() string
	Hold(done Completion)
	Resume(done Completion)
	Destroy(done Completion)
	SendDigits(digits string, done Completion)
}

var (
	// ErrNoChannel is reported when a command needs a live call leg.
	ErrNoChannel = errors.New("no active channel")
	// ErrUnsupported is reported for endpoint kinds a backend cannot reach.
	ErrUnsupported = errors.New("operation not supported")
)
