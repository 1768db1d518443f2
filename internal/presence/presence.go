// Package presence tracks the agent's availability as known to the
// telephony platform.
package presence

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-ccp/internal/metrics"
)

// Offline is the presence shown before the agent is discovered and the
// state in which outbound dialing is refused.
const Offline = "Offline"

var (
	ErrNoAgent         = errors.New("agent not available")
	ErrUnknownPresence = errors.New("unknown presence state")
)

// Requester issues presence change requests to the platform. A synchronous
// error means the request was never sent; done fires on the event loop.
type Requester interface {
	SetPresence(name string, done func(error)) error
}

// Reporter surfaces user-visible errors.
type Reporter interface {
	Report(err error)
}

// Tracker owns the agent's current presence. It must be used from the
// event loop.
type Tracker struct {
	requester Requester
	alerts    Reporter
	logger    zerolog.Logger
	onChange  func()

	known     bool
	agentName string
	current   string
	states    []string
	// observed counts out-of-band changes so a late request success can
	// tell it has been overtaken.
	observed uint64
}

// New creates a Tracker showing Offline until the agent is discovered.
func New(requester Requester, alerts Reporter, logger zerolog.Logger, onChange func()) *Tracker {
	return &Tracker{
		requester: requester,
		alerts:    alerts,
		logger:    logger.With().Str("component", "presence").Logger(),
		onChange:  onChange,
		current:   Offline,
	}
}

// Discovered seeds the tracker with the agent's identity, current state and
// selectable states.
func (t *Tracker) Discovered(agentName, current string, states []string) {
	t.known = true
	t.agentName = agentName
	t.states = slices.Clone(states)
	if current != "" {
		t.current = current
	}
	t.observed++
	t.logger.Info().Str("agent", agentName).Str("presence", t.current).Strs("states", t.states).Msg("agent discovered")
	t.changed()
}

// Observe applies a presence change reported by the platform. It always
// overrides the local value.
func (t *Tracker) Observe(name string) {
	t.observed++
	if name == t.current {
		return
	}
	t.logger.Info().Str("from", t.current).Str("to", name).Msg("presence changed by platform")
	t.current = name
	metrics.PresenceChangesTotal.WithLabelValues("platform").Inc()
	t.changed()
}

// Request asks the platform to switch presence. The local value changes
// only when the platform confirms, and only if no platform-reported change
// arrived in the meantime.
func (t *Tracker) Request(name string) error {
	if !t.known {
		return ErrNoAgent
	}
	if !slices.Contains(t.states, name) {
		return fmt.Errorf("%w: %q", ErrUnknownPresence, name)
	}

	issuedAt := t.observed
	err := t.requester.SetPresence(name, func(err error) {
		if err != nil {
			metrics.CommandFailuresTotal.WithLabelValues("set_presence").Inc()
			t.alerts.Report(fmt.Errorf("Failed to change status: %w", err))
			return
		}
		if t.observed != issuedAt {
			t.logger.Debug().Str("requested", name).Str("current", t.current).Msg("presence request overtaken by platform change")
			return
		}
		t.logger.Info().Str("from", t.current).Str("to", name).Msg("presence changed")
		t.current = name
		metrics.PresenceChangesTotal.WithLabelValues("request").Inc()
		t.changed()
	})
	if err != nil {
		return fmt.Errorf("changing status: %w", err)
	}
	return nil
}

// Current returns the displayed presence.
func (t *Tracker) Current() string { return t.current }

// States returns the selectable presence names.
func (t *Tracker) States() []string { return slices.Clone(t.states) }

// AgentName returns the discovered agent's display name.
func (t *Tracker) AgentName() string { return t.agentName }

// Known reports whether the agent has been discovered.
func (t *Tracker) Known() bool { return t.known }

// CanDial gates outbound calls.
func (t *Tracker) CanDial() bool {
	return t.known && t.current != Offline
}

// CanComplete gates wrap-up completion.
func (t *Tracker) CanComplete() bool {
	return t.known
}

func (t *Tracker) changed() {
	if t.onChange != nil {
		t.onChange()
	}
}
