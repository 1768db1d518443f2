package asterisk

import (
	"slices"

	"github.com/sweeney/asterisk-ccp/internal/ami"
	"github.com/sweeney/asterisk-ccp/internal/telephony"
)

// agent is the queue member behind the console. Its presence is the
// member's pause state: unpaused is Available, paused carries the state
// name as the pause reason.
type agent struct {
	b *Backend

	// Guarded by b.mu.
	state    string
	resume   string // state to restore when after-call work completes
	inACW    bool
	handlers []func(telephony.AgentStateChange)
}

var _ telephony.Agent = (*agent)(nil)

func (a *agent) Name() string { return a.b.opts.AgentName }

func (a *agent) State() string {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	return a.state
}

func (a *agent) States() []string {
	return slices.Clone(a.b.opts.PresenceStates)
}

func (a *agent) OnStateChange(fn func(telephony.AgentStateChange)) {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	a.handlers = append(a.handlers, fn)
}

// SetState pauses or unpauses the queue member. The new state is recorded
// once Asterisk accepts the action. During after-call work the member stays
// paused; name is kept and applied when the contact is completed.
func (a *agent) SetState(name string, done telephony.Completion) {
	a.b.mu.Lock()
	if a.inACW {
		a.resume = name
		a.b.mu.Unlock()
		a.b.logger.Debug().Str("presence", name).Msg("presence held until after-call work completes")
		done(nil)
		return
	}
	a.b.mu.Unlock()

	a.b.send(a.b.pause(name), func(err error) {
		if err == nil {
			a.b.mu.Lock()
			if a.inACW {
				a.resume = name
			} else {
				a.state = name
			}
			a.b.mu.Unlock()
		}
		done(err)
	})
}

func (a *agent) Mute(done telephony.Completion) { a.mute("on", done) }

func (a *agent) Unmute(done telephony.Completion) { a.mute("off", done) }

func (a *agent) mute(state string, done telephony.Completion) {
	ct := a.b.currentContact()
	if ct == nil {
		done(telephony.ErrNoChannel)
		return
	}
	a.b.send(ami.NewAction("MuteAudio",
		"Channel", ct.agentChannel,
		"Direction", "in",
		"State", state,
	), done)
}

// Connect dials a phone number from the agent's device, or redirects the
// current customer into a queue extension.
func (a *agent) Connect(ep telephony.Endpoint, done telephony.Completion) {
	switch ep.Kind {
	case telephony.EndpointPhone:
		a.b.send(ami.NewAction("Originate",
			"Channel", a.b.opts.Interface,
			"Exten", ep.Address,
			"Context", a.b.opts.Context,
			"Priority", "1",
			"Timeout", a.b.originateTimeout(),
			"Async", "true",
		), func(err error) {
			if err == nil {
				a.b.mu.Lock()
				a.b.dialing = ep.Address
				a.b.mu.Unlock()
			}
			done(err)
		})
	case telephony.EndpointQueue:
		ct := a.b.currentContact()
		if ct == nil {
			done(telephony.ErrNoChannel)
			return
		}
		customer := ct.customerChannel()
		if customer == "" {
			done(telephony.ErrNoChannel)
			return
		}
		a.b.send(ami.NewAction("Redirect",
			"Channel", customer,
			"Exten", ep.Address,
			"Context", a.b.opts.Context,
			"Priority", "1",
		), done)
	default:
		done(telephony.ErrUnsupported)
	}
}

// observe applies a pause state reported by Asterisk. Called with b.mu held.
func (a *agent) observe(paused bool, reason string) []func() {
	name := Available
	if paused {
		name = reason
		if name == "" {
			name = Paused
		}
	}
	if a.inACW {
		if name != AfterCallWork {
			a.resume = name
		}
		return nil
	}
	return a.change(name)
}

// enterAfterCallWork holds the member paused until the contact completes.
// Called with b.mu held.
func (a *agent) enterAfterCallWork() []func() {
	if !a.inACW {
		a.resume = a.state
		a.inACW = true
	}
	fire := a.change(AfterCallWork)
	action := a.b.pause(AfterCallWork)
	return append(fire, func() { a.b.send(action, nil) })
}

// leaveAfterCallWork restores the state held before after-call work.
// Called with b.mu held.
func (a *agent) leaveAfterCallWork() []func() {
	a.inACW = false
	return a.change(a.resume)
}

// change records a new state and returns the notifications for it. Called
// with b.mu held.
func (a *agent) change(name string) []func() {
	if name == a.state {
		return nil
	}
	ch := telephony.AgentStateChange{Old: a.state, New: name}
	a.state = name
	a.b.logger.Info().Str("from", ch.Old).Str("to", ch.New).Msg("agent state changed")
	handlers := slices.Clone(a.handlers)
	return []func(){func() {
		for _, fn := range handlers {
			fn(ch)
		}
	}}
}
