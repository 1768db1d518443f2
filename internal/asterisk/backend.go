// Package asterisk implements the telephony SDK on top of the Asterisk
// Manager Interface. It follows the agent's own channels through the AMI
// event stream, correlating them with the rest of each call by Linkedid,
// and turns console commands into AMI actions.
package asterisk

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-ccp/internal/ami"
	"github.com/sweeney/asterisk-ccp/internal/telephony"
)

// Presence names the backend assigns itself. Any other state is a queue
// pause reason.
const (
	Available     = "Available"
	AfterCallWork = "AfterCallWork"
	Paused        = "Paused"
)

// Attribute variables set in the dialplan, e.g. Set(CCP_reason=Billing).
const attributePrefix = "CCP_"

var (
	ErrUnavailable        = errors.New("asterisk manager interface unavailable")
	ErrNotInAfterCallWork = errors.New("contact is not in after-call work")
)

// Actions sends AMI actions. *ami.Client satisfies it.
type Actions interface {
	Do(a ami.Action, fn ami.ResponseFunc)
}

// Options configures a Backend.
type Options struct {
	AgentName string
	// Interface is the agent's device, e.g. PJSIP/1001.
	Interface string
	// Endpoint defaults to the part of Interface after the slash.
	Endpoint         string
	Queue            string
	Context          string
	PresenceStates   []string
	InitialPresence  string
	AfterCallWork    bool
	NotifyAnswer     string
	NotifyHold       string
	NotifyResume     string
	OriginateTimeout time.Duration
	Logger           zerolog.Logger
}

// call tracks one Linkedid, whether or not the agent is part of it yet.
type call struct {
	linkedID        string
	customerChannel string
	customerNumber  string
	queue           string
	attrs           map[string]string
	gone            bool // originating channel hung up
	contact         *contact
}

// Backend is a telephony.SDK for one agent. Process must be fed every AMI
// event; it is safe to call from the AMI reader while commands are issued
// from other goroutines. Callbacks never run with the lock held.
type Backend struct {
	actions Actions
	opts    Options
	logger  zerolog.Logger

	mu        sync.Mutex
	agent     *agent
	calls     map[string]*call
	current   *contact
	dialing   string // number of the last accepted Originate
	onContact []func(telephony.Contact)
}

// New creates a Backend that sends actions through actions.
func New(actions Actions, opts Options) *Backend {
	if opts.Endpoint == "" {
		if _, ep, ok := strings.Cut(opts.Interface, "/"); ok {
			opts.Endpoint = ep
		}
	}
	if opts.AgentName == "" {
		opts.AgentName = opts.Interface
	}
	if opts.InitialPresence == "" {
		opts.InitialPresence = Available
	}
	b := &Backend{
		actions: actions,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "asterisk").Logger(),
		calls:   make(map[string]*call),
	}
	b.agent = &agent{b: b, state: opts.InitialPresence}
	return b
}

// OnAgent hands the agent to fn immediately and asks the queue for the
// agent's real pause state.
func (b *Backend) OnAgent(fn func(telephony.Agent)) {
	fn(b.agent)
	b.send(ami.NewAction("QueueStatus", "Queue", b.opts.Queue, "Member", b.opts.Interface), func(err error) {
		if err != nil {
			b.logger.Warn().Err(err).Msg("queue status request failed")
		}
	})
}

// OnContact registers fn for every contact the agent joins.
func (b *Backend) OnContact(fn func(telephony.Contact)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onContact = append(b.onContact, fn)
}

// ActiveCalls returns the number of calls currently being tracked.
func (b *Backend) ActiveCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// Process ingests one AMI event.
func (b *Backend) Process(evt ami.Event) {
	if evt.IsResponse() {
		return
	}
	b.mu.Lock()
	fire := b.process(evt)
	b.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
}

// process returns the callbacks the event triggers. Called with mu held.
func (b *Backend) process(evt ami.Event) []func() {
	switch evt.Type() {
	case "QueueMember":
		return b.handleQueueMember(evt)
	case "QueueMemberPause":
		return b.handleQueueMemberPause(evt)
	}

	linkedID := evt.Get("Linkedid")
	if linkedID == "" {
		return nil
	}

	switch evt.Type() {
	case "Newchannel":
		return b.handleNewchannel(evt, linkedID)
	case "VarSet":
		b.handleVarSet(evt, linkedID)
	case "QueueCallerJoin":
		if c := b.calls[linkedID]; c != nil {
			c.queue = evt.Get("Queue")
		}
	case "Newstate":
		return b.handleNewstate(evt, linkedID)
	case "BridgeEnter":
		return b.handleBridgeEnter(evt, linkedID)
	case "Hangup":
		return b.handleHangup(evt, linkedID)
	}
	return nil
}

func (b *Backend) isAgentChannel(channel string) bool {
	return strings.HasPrefix(channel, b.opts.Interface+"-")
}

func (b *Backend) handleNewchannel(evt ami.Event, linkedID string) []func() {
	channel := evt.Channel()
	originator := evt.Get("Uniqueid") == linkedID

	c := b.calls[linkedID]
	if c == nil {
		c = &call{linkedID: linkedID, attrs: make(map[string]string)}
		b.calls[linkedID] = c
	}

	if !b.isAgentChannel(channel) {
		if c.customerChannel == "" {
			c.customerChannel = channel
		}
		if originator || c.customerNumber == "" {
			c.customerNumber = knownNumber(evt.Get("CallerIDNum"), c.customerNumber)
		}
		return nil
	}

	if c.contact != nil {
		return nil
	}
	ct := &contact{
		b:            b,
		call:         c,
		inbound:      !originator,
		agentChannel: channel,
		handlers:     make(map[telephony.ContactEvent][]func()),
	}
	if ct.inbound {
		c.customerNumber = knownNumber(c.customerNumber, evt.Get("ConnectedLineNum"))
	} else {
		c.customerNumber = knownNumber(c.customerNumber, b.dialing, evt.Get("Exten"))
		b.dialing = ""
	}
	c.contact = ct
	b.current = ct

	b.logger.Info().
		Str("contact_id", linkedID).
		Str("channel", channel).
		Bool("inbound", ct.inbound).
		Msg("agent joined call")

	handlers := append([]func(telephony.Contact){}, b.onContact...)
	return []func(){func() {
		for _, fn := range handlers {
			fn(ct)
		}
	}}
}

func (b *Backend) handleVarSet(evt ami.Event, linkedID string) {
	c := b.calls[linkedID]
	if c == nil {
		return
	}
	name, ok := strings.CutPrefix(evt.Get("Variable"), attributePrefix)
	if !ok || name == "" {
		return
	}
	c.attrs[name] = evt.Get("Value")
}

func (b *Backend) handleNewstate(evt ami.Event, linkedID string) []func() {
	ct := b.agentContact(evt, linkedID)
	if ct == nil {
		return nil
	}
	switch evt.Get("ChannelStateDesc") {
	case "Ringing":
		if ct.rung {
			return nil
		}
		ct.rung = true
		return ct.emit(telephony.ContactConnecting)
	case "Up":
		if ct.answered {
			return nil
		}
		ct.answered = true
		if !ct.inbound {
			return nil
		}
		return ct.emit(telephony.ContactAccepted)
	}
	return nil
}

func (b *Backend) handleBridgeEnter(evt ami.Event, linkedID string) []func() {
	ct := b.agentContact(evt, linkedID)
	if ct == nil || ct.bridged {
		return nil
	}
	ct.bridged = true
	ct.answered = true
	return ct.emit(telephony.ContactConnected)
}

func (b *Backend) handleHangup(evt ami.Event, linkedID string) []func() {
	c := b.calls[linkedID]
	if c == nil {
		return nil
	}
	if evt.Get("Uniqueid") == linkedID {
		c.gone = true
	}

	ct := c.contact
	if ct == nil || ct.ended || evt.Channel() != ct.agentChannel {
		b.reap(c)
		return nil
	}

	ct.ended = true
	cause := evt.GetInt("Cause")
	log := b.logger.Info().
		Str("contact_id", linkedID).
		Int("cause_code", cause).
		Str("cause", causeName(cause))

	if !ct.answered && ct.inbound {
		log.Msg("call missed")
		b.finish(ct)
		return ct.emit(telephony.ContactMissed)
	}

	log.Msg("call ended")
	fire := ct.emit(telephony.ContactEnded)
	if !b.opts.AfterCallWork {
		b.finish(ct)
		return fire
	}

	ct.acw = true
	fire = append(fire, b.agent.enterAfterCallWork()...)
	fire = append(fire, ct.emit(telephony.ContactAfterCallWork)...)
	return fire
}

func (b *Backend) handleQueueMember(evt ami.Event) []func() {
	if !b.isMember(evt, evt.Get("Location")) {
		return nil
	}
	return b.agent.observe(evt.GetBool("Paused"), evt.Get("PausedReason"))
}

func (b *Backend) handleQueueMemberPause(evt ami.Event) []func() {
	if !b.isMember(evt, evt.Get("Interface")) {
		return nil
	}
	reason := evt.Get("PausedReason")
	if reason == "" {
		reason = evt.Get("Reason")
	}
	return b.agent.observe(evt.GetBool("Paused"), reason)
}

func (b *Backend) isMember(evt ami.Event, iface string) bool {
	if evt.Get("Queue") != b.opts.Queue {
		return false
	}
	return iface == b.opts.Interface || evt.Get("StateInterface") == b.opts.Interface
}

// agentContact returns the contact whose agent channel evt is about.
func (b *Backend) agentContact(evt ami.Event, linkedID string) *contact {
	c := b.calls[linkedID]
	if c == nil || c.contact == nil || c.contact.ended {
		return nil
	}
	if evt.Channel() != c.contact.agentChannel {
		return nil
	}
	return c.contact
}

// finish drops a contact that needs no further commands.
func (b *Backend) finish(ct *contact) {
	ct.done = true
	if b.current == ct {
		b.current = nil
	}
	b.reap(ct.call)
}

// reap forgets a call once nothing can refer to it.
func (b *Backend) reap(c *call) {
	if c.contact != nil && !c.contact.done {
		return
	}
	if c.contact == nil && !c.gone {
		return
	}
	delete(b.calls, c.linkedID)
}

func (b *Backend) currentContact() *contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// send issues a and reports its outcome to done.
func (b *Backend) send(a ami.Action, done telephony.Completion) {
	b.logger.Debug().Str("action", a.Name).Msg("sending action")
	b.actions.Do(a, func(_ ami.Event, err error) {
		if err != nil {
			b.logger.Warn().Err(err).Str("action", a.Name).Msg("action failed")
		}
		if done != nil {
			done(err)
		}
	})
}

func (b *Backend) notify(event string) ami.Action {
	return ami.NewAction("PJSIPNotify", "Endpoint", b.opts.Endpoint, "Variable", "Event="+event)
}

func (b *Backend) pause(state string) ami.Action {
	a := ami.NewAction("QueuePause", "Queue", b.opts.Queue, "Interface", b.opts.Interface)
	if state == Available {
		return a.With("Paused", "false")
	}
	return a.With("Paused", "true").With("Reason", state)
}

func (b *Backend) originateTimeout() string {
	t := b.opts.OriginateTimeout
	if t <= 0 {
		t = 30 * time.Second
	}
	return strconv.FormatInt(t.Milliseconds(), 10)
}

// knownNumber returns the first of candidates Asterisk actually knows.
func knownNumber(candidates ...string) string {
	for _, n := range candidates {
		if n != "" && n != "<unknown>" && n != "s" {
			return n
		}
	}
	return ""
}
