package session

import (
	"fmt"
	"strings"

	"github.com/sweeney/asterisk-ccp/internal/metrics"
)

// AcceptIncoming answers the ringing contact.
func (m *Machine) AcceptIncoming() error {
	if err := m.require(Ringing, "accept"); err != nil {
		return err
	}
	id := m.session.ContactID
	return m.issue("accept", "Failed to accept call", m.tel.Accept, func() {
		if m.session.State == Ringing && m.session.ContactID == id {
			m.activate()
		}
	})
}

// RejectIncoming declines the ringing contact.
func (m *Machine) RejectIncoming() error {
	if err := m.require(Ringing, "reject"); err != nil {
		return err
	}
	id := m.session.ContactID
	return m.issue("reject", "Failed to reject call", m.tel.Reject, func() {
		if m.session.State == Ringing && m.session.ContactID == id {
			m.guard.Discard(id)
			m.reset()
		}
	})
}

// StartOutbound dials number. The session becomes Active when the platform
// acknowledges the dial.
func (m *Machine) StartOutbound(number string) error {
	number = strings.TrimSpace(number)
	if number == "" {
		return ErrEmptyNumber
	}
	if m.session.State.Live() {
		return ErrSessionBusy
	}
	if !m.presence.CanDial() {
		return ErrDialBlocked
	}
	return m.issue("dial", "Failed to make outbound call", func(done func(error)) error {
		return m.tel.Dial(number, done)
	}, func() {
		if m.session.State.Live() {
			m.logger.Warn().Str("number", number).Msg("dial acknowledged while another call is live")
			return
		}
		m.open("", Details{
			CustomerName:  UnknownName,
			CustomerPhone: number,
			Reason:        ReasonOutbound,
			QueueName:     DefaultQueue,
			Direction:     Outbound,
		}, m.sched.Now())
		m.setState(Active)
	})
}

// EndActive hangs up the active call. Success takes the same path as the
// platform reporting the end.
func (m *Machine) EndActive() error {
	if err := m.require(Active, "hang up"); err != nil {
		return err
	}
	id := m.session.ContactID
	return m.issue("hangup", "Failed to end call", m.tel.Hangup, func() {
		if !m.sameContact(id) {
			return
		}
		if m.session.State == Active || m.session.State == Ended {
			m.end()
		}
	})
}

// CloseWrappedUp closes the contact in after-call work. It finalizes the
// contact unless that already happened, in which case the session returns
// to Idle at once.
func (m *Machine) CloseWrappedUp() error {
	if err := m.require(Wrapup, "close contact"); err != nil {
		return err
	}
	if !m.presence.CanComplete() {
		return ErrNoAgent
	}
	id := m.session.ContactID
	return m.issue("complete", "Failed to close contact", m.tel.Complete, func() {
		if m.session.State != Wrapup || !m.sameContact(id) {
			return
		}
		m.setState(Ended)
		if !m.finalize() {
			m.reset()
		}
	})
}

// ToggleMute mutes or unmutes the agent.
func (m *Machine) ToggleMute() error {
	if err := m.require(Active, "mute"); err != nil {
		return err
	}
	if m.session.Muted {
		return m.issue("unmute", "Failed to unmute call", m.tel.Unmute, m.flag(func(s *Session) { s.Muted = false }))
	}
	return m.issue("mute", "Failed to mute call", m.tel.Mute, m.flag(func(s *Session) { s.Muted = true }))
}

// ToggleHold holds or resumes the customer.
func (m *Machine) ToggleHold() error {
	if err := m.require(Active, "hold"); err != nil {
		return err
	}
	if m.session.OnHold {
		return m.issue("resume", "Failed to resume call", m.tel.Resume, m.flag(func(s *Session) { s.OnHold = false }))
	}
	return m.issue("hold", "Failed to hold call", m.tel.Hold, m.flag(func(s *Session) { s.OnHold = true }))
}

// Transfer sends the customer to the transfer queue.
func (m *Machine) Transfer() error {
	if err := m.require(Active, "transfer"); err != nil {
		return err
	}
	return m.issue("transfer", "Failed to transfer call", m.tel.Transfer, nil)
}

// SendDigits plays DTMF digits on the active call.
func (m *Machine) SendDigits(digits string) error {
	if err := m.require(Active, "send digits"); err != nil {
		return err
	}
	if digits == "" {
		return ErrEmptyDigits
	}
	return m.issue("send_digits", "Failed to send digit: "+digits, func(done func(error)) error {
		return m.tel.SendDigits(digits, done)
	}, nil)
}

// SetNotes replaces the call notes. Empty text restores the default.
func (m *Machine) SetNotes(text string) error {
	if m.session.State == Idle {
		return fmt.Errorf("%w: no call to take notes for", ErrInvalidState)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = DefaultNotes
	}
	m.notes = text
	m.changed()
	return nil
}

func (m *Machine) require(state Lifecycle, action string) error {
	if m.session.State != state {
		return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, action, m.session.State)
	}
	return nil
}

// flag returns a success reaction updating the session of the contact the
// command was issued for.
func (m *Machine) flag(apply func(*Session)) func() {
	id := m.session.ContactID
	return func() {
		if !m.sameContact(id) || m.session.State != Active {
			return
		}
		apply(&m.session)
		m.changed()
	}
}

// sameContact reports whether the session is still the one a command was
// issued for. An outbound session may have been bound to its contact id in
// the meantime.
func (m *Machine) sameContact(id string) bool {
	return m.session.ContactID == id || (id == "" && m.session.Direction == Outbound)
}

// issue sends a command and reacts to its outcome. Failures go to the
// alert board and leave the session untouched.
func (m *Machine) issue(command, failure string, send func(done func(error)) error, ok func()) error {
	err := send(func(err error) {
		if err != nil {
			metrics.CommandFailuresTotal.WithLabelValues(command).Inc()
			m.logger.Warn().Err(err).Str("command", command).Msg("command rejected by platform")
			m.alerts.Report(fmt.Errorf("%s: %w", failure, err))
			return
		}
		m.logger.Debug().Str("command", command).Msg("command succeeded")
		m.alerts.Clear()
		if ok != nil {
			ok()
		}
	})
	if err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}
