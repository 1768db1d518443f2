package asterisk

import (
	"maps"
	"slices"
	"strconv"

	"github.com/sweeney/asterisk-ccp/internal/ami"
	"github.com/sweeney/asterisk-ccp/internal/telephony"
)

// contact is a call the agent's device joined. It is also its own
// connection: the customer leg is reached through the call's originating
// or dialled channel.
type contact struct {
	b            *Backend
	call         *call
	inbound      bool
	agentChannel string

	// Guarded by b.mu.
	rung     bool
	answered bool
	bridged  bool
	ended    bool
	acw      bool
	done     bool
	handlers map[telephony.ContactEvent][]func()
}

var (
	_ telephony.Contact    = (*contact)(nil)
	_ telephony.Connection = (*contact)(nil)
)

func (c *contact) ID() string    { return c.call.linkedID }
func (c *contact) Inbound() bool { return c.inbound }

func (c *contact) Attributes() map[string]string {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return maps.Clone(c.call.attrs)
}

func (c *contact) Queue() string {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.call.queue
}

func (c *contact) InitialConnection() telephony.Connection { return c }

func (c *contact) On(ev telephony.ContactEvent, fn func()) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.handlers[ev] = append(c.handlers[ev], fn)
}

// emit returns the handlers registered for ev. Called with b.mu held.
func (c *contact) emit(ev telephony.ContactEvent) []func() {
	return slices.Clone(c.handlers[ev])
}

// Accept answers the ringing device through a SIP NOTIFY.
func (c *contact) Accept(done telephony.Completion) {
	c.b.send(c.b.notify(c.b.opts.NotifyAnswer), done)
}

func (c *contact) Reject(done telephony.Completion) {
	c.hangup(causeCallRejected, done)
}

// Complete ends after-call work and restores the agent's previous state.
func (c *contact) Complete(done telephony.Completion) {
	c.b.mu.Lock()
	if !c.acw {
		c.b.mu.Unlock()
		done(ErrNotInAfterCallWork)
		return
	}
	action := c.b.pause(c.b.agent.resume)
	c.b.mu.Unlock()

	c.b.send(action, func(err error) {
		if err != nil {
			done(err)
			return
		}
		c.b.mu.Lock()
		var fire []func()
		if c.acw {
			c.acw = false
			c.b.finish(c)
			fire = c.b.agent.leaveAfterCallWork()
		}
		c.b.mu.Unlock()
		done(nil)
		for _, fn := range fire {
			fn()
		}
	})
}

func (c *contact) PhoneNumber() string {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.call.customerNumber
}

func (c *contact) Hold(done telephony.Completion) {
	c.b.send(c.b.notify(c.b.opts.NotifyHold), done)
}

func (c *contact) Resume(done telephony.Completion) {
	c.b.send(c.b.notify(c.b.opts.NotifyResume), done)
}

// Destroy hangs up the agent's leg, which ends the call.
func (c *contact) Destroy(done telephony.Completion) {
	c.hangup(causeNormalClearing, done)
}

// SendDigits plays digits to the customer one PlayDTMF at a time, stopping
// at the first failure.
func (c *contact) SendDigits(digits string, done telephony.Completion) {
	customer := c.customerChannel()
	if customer == "" {
		done(telephony.ErrNoChannel)
		return
	}
	c.playDigits(customer, digits, done)
}

func (c *contact) playDigits(channel, digits string, done telephony.Completion) {
	if digits == "" {
		done(nil)
		return
	}
	c.b.send(ami.NewAction("PlayDTMF", "Channel", channel, "Digit", digits[:1]), func(err error) {
		if err != nil {
			done(err)
			return
		}
		c.playDigits(channel, digits[1:], done)
	})
}

func (c *contact) hangup(cause int, done telephony.Completion) {
	c.b.send(ami.NewAction("Hangup",
		"Channel", c.agentChannel,
		"Cause", strconv.Itoa(cause),
	), done)
}

func (c *contact) customerChannel() string {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.call.customerChannel
}
