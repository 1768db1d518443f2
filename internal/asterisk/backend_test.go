package asterisk_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-ccp/internal/ami"
	"github.com/sweeney/asterisk-ccp/internal/asterisk"
	"github.com/sweeney/asterisk-ccp/internal/telephony"
)

func fixturesDir() string {
	return filepath.Join("..", "..", "testdata", "fixtures")
}

func loadRawFixture(t *testing.T, name string) []ami.Event {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(fixturesDir(), name))
	if err != nil {
		t.Fatalf("reading fixture %s: %v", name, err)
	}
	return ami.ParseBytes(data)
}

// recorder answers every action immediately.
type recorder struct {
	mu      sync.Mutex
	actions []ami.Action
	fail    map[string]error
}

func (r *recorder) Do(a ami.Action, fn ami.ResponseFunc) {
	r.mu.Lock()
	r.actions = append(r.actions, a)
	err := r.fail[a.Name]
	r.mu.Unlock()
	fn(ami.Event{}, err)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.actions {
		out = append(out, a.Name)
	}
	return out
}

func (r *recorder) last(name string) ami.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.actions) - 1; i >= 0; i-- {
		if r.actions[i].Name == name {
			return r.actions[i]
		}
	}
	return ami.Action{}
}

type harness struct {
	backend  *asterisk.Backend
	actions  *recorder
	agent    telephony.Agent
	contacts []telephony.Contact
	events   []string
	changes  []telephony.AgentStateChange
}

func newHarness(t *testing.T, acw bool) *harness {
	t.Helper()
	h := &harness{actions: &recorder{fail: map[string]error{}}}
	h.backend = asterisk.New(h.actions, asterisk.Options{
		AgentName:       "Dana",
		Interface:       "PJSIP/1001",
		Queue:           "support",
		Context:         "from-internal",
		PresenceStates:  []string{"Available", "Break", "Offline"},
		InitialPresence: "Available",
		AfterCallWork:   acw,
		NotifyAnswer:    "talk",
		NotifyHold:      "hold",
		NotifyResume:    "talk",
		Logger:          zerolog.Nop(),
	})
	h.backend.OnAgent(func(a telephony.Agent) {
		h.agent = a
		a.OnStateChange(func(ch telephony.AgentStateChange) { h.changes = append(h.changes, ch) })
	})
	h.backend.OnContact(func(c telephony.Contact) {
		h.contacts = append(h.contacts, c)
		for _, ev := range telephony.ContactEvents {
			c.On(ev, func() { h.events = append(h.events, fmt.Sprintf("%s %s", c.ID(), ev)) })
		}
	})
	return h
}

func (h *harness) feed(events []ami.Event) {
	for _, evt := range events {
		h.backend.Process(evt)
	}
}

// until returns the events before the first one of type typ.
func until(events []ami.Event, typ string) []ami.Event {
	for i, evt := range events {
		if evt.Type() == typ {
			return events[:i]
		}
	}
	return events
}

func complete(f func(telephony.Completion)) error {
	var got error
	called := false
	f(func(err error) { got, called = err, true })
	if !called {
		return errors.New("completion not called")
	}
	return got
}

func assertEvents(t *testing.T, got []string, want ...string) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Errorf("expected events %v, got %v", want, got)
	}
}

// --- Inbound call answered by the agent ---

func TestInboundAnsweredFromRaw(t *testing.T) {
	h := newHarness(t, false)
	h.feed(loadRawFixture(t, "inbound-answered.raw"))

	const id = "1770900000.1"
	assertEvents(t, h.events,
		id+" connecting",
		id+" accepted",
		id+" connected",
		id+" ended",
	)

	if len(h.contacts) != 1 {
		t.Fatalf("expected 1 contact, got %d", len(h.contacts))
	}
	c := h.contacts[0]
	if !c.Inbound() {
		t.Error("expected inbound contact")
	}
	if c.Queue() != "support" {
		t.Errorf("expected queue=support, got %s", c.Queue())
	}
	attrs := c.Attributes()
	if attrs["customerName"] != "Alex Smith" || attrs["reason"] != "Billing question" {
		t.Errorf("unexpected attributes: %v", attrs)
	}
	if got := c.InitialConnection().PhoneNumber(); got != "07700900123" {
		t.Errorf("expected phone=07700900123, got %s", got)
	}
	if h.backend.ActiveCalls() != 0 {
		t.Errorf("expected no tracked calls, got %d", h.backend.ActiveCalls())
	}
}

// --- Inbound call that rang the agent and was taken elsewhere ---

func TestInboundMissedFromRaw(t *testing.T) {
	h := newHarness(t, true)
	h.feed(loadRawFixture(t, "inbound-missed.raw"))

	const id = "1770900000.1"
	assertEvents(t, h.events, id+" connecting", id+" missed")
	if len(h.changes) != 0 {
		t.Errorf("missed calls must not enter after-call work, got %v", h.changes)
	}
	if h.backend.ActiveCalls() != 0 {
		t.Errorf("expected no tracked calls, got %d", h.backend.ActiveCalls())
	}
}

// --- Outbound call placed from the agent's device ---

func TestOutboundAnsweredFromRaw(t *testing.T) {
	h := newHarness(t, false)
	h.feed(loadRawFixture(t, "outbound-answered.raw"))

	const id = "1770900100.5"
	assertEvents(t, h.events, id+" connecting", id+" connected", id+" ended")

	c := h.contacts[0]
	if c.Inbound() {
		t.Error("expected outbound contact")
	}
	if got := c.InitialConnection().PhoneNumber(); got != "07700900456" {
		t.Errorf("expected phone=07700900456, got %s", got)
	}
}

func TestOriginatedNumberWinsOverDialplanExten(t *testing.T) {
	h := newHarness(t, false)
	if err := complete(func(done telephony.Completion) {
		h.agent.Connect(telephony.PhoneEndpoint("07700900789"), done)
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	orig := h.actions.last("Originate")
	if orig.Get("Channel") != "PJSIP/1001" || orig.Get("Exten") != "07700900789" || orig.Get("Async") != "true" {
		t.Errorf("unexpected originate: channel=%s exten=%s", orig.Get("Channel"), orig.Get("Exten"))
	}
	if orig.Get("Timeout") != "30000" {
		t.Errorf("expected default timeout 30000ms, got %s", orig.Get("Timeout"))
	}

	h.backend.Process(ami.NewEvent(
		"Event", "Newchannel",
		"Channel", "PJSIP/1001-00000009",
		"Exten", "s",
		"Uniqueid", "1770900200.9",
		"Linkedid", "1770900200.9",
	))
	if got := h.contacts[0].InitialConnection().PhoneNumber(); got != "07700900789" {
		t.Errorf("expected phone=07700900789, got %s", got)
	}
}

// --- After-call work ---

func TestAfterCallWorkHoldsAgentUntilComplete(t *testing.T) {
	h := newHarness(t, true)
	h.feed(loadRawFixture(t, "inbound-answered.raw"))

	const id = "1770900000.1"
	assertEvents(t, h.events,
		id+" connecting",
		id+" accepted",
		id+" connected",
		id+" ended",
		id+" afterCallWork",
	)
	if h.agent.State() != asterisk.AfterCallWork {
		t.Errorf("expected agent in after-call work, got %s", h.agent.State())
	}
	pause := h.actions.last("QueuePause")
	if pause.Get("Paused") != "true" || pause.Get("Reason") != asterisk.AfterCallWork {
		t.Errorf("expected ACW pause, got paused=%s reason=%s", pause.Get("Paused"), pause.Get("Reason"))
	}
	if h.backend.ActiveCalls() != 1 {
		t.Fatalf("expected the call held for after-call work, got %d", h.backend.ActiveCalls())
	}

	// The queue echoing the ACW pause changes nothing.
	h.backend.Process(ami.NewEvent(
		"Event", "QueueMemberPause",
		"Queue", "support",
		"Interface", "PJSIP/1001",
		"Paused", "1",
		"PausedReason", asterisk.AfterCallWork,
	))
	if len(h.changes) != 1 {
		t.Fatalf("expected 1 state change, got %v", h.changes)
	}

	if err := complete(h.contacts[0].Complete); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := h.actions.last("QueuePause").Get("Paused"); got != "false" {
		t.Errorf("expected unpause on complete, got paused=%s", got)
	}
	want := []telephony.AgentStateChange{
		{Old: "Available", New: asterisk.AfterCallWork},
		{Old: asterisk.AfterCallWork, New: "Available"},
	}
	if !slices.Equal(h.changes, want) {
		t.Errorf("expected changes %v, got %v", want, h.changes)
	}
	if h.backend.ActiveCalls() != 0 {
		t.Errorf("expected no tracked calls, got %d", h.backend.ActiveCalls())
	}

	if err := complete(h.contacts[0].Complete); !errors.Is(err, asterisk.ErrNotInAfterCallWork) {
		t.Errorf("expected ErrNotInAfterCallWork, got %v", err)
	}
}

func TestCompleteFailureKeepsAfterCallWork(t *testing.T) {
	h := newHarness(t, true)
	h.feed(loadRawFixture(t, "inbound-answered.raw"))

	h.actions.fail["QueuePause"] = &ami.ResponseError{Action: "QueuePause", Message: "Interface not found"}
	if err := complete(h.contacts[0].Complete); err == nil {
		t.Fatal("expected error")
	}
	if h.agent.State() != asterisk.AfterCallWork {
		t.Errorf("expected agent still in after-call work, got %s", h.agent.State())
	}
}

// --- Commands ---

func TestContactCommandsMapToActions(t *testing.T) {
	h := newHarness(t, false)
	h.feed(until(loadRawFixture(t, "inbound-answered.raw"), "Hangup"))
	c := h.contacts[0]
	conn := c.InitialConnection()

	steps := []struct {
		name string
		run  func(telephony.Completion)
	}{
		{"accept", c.Accept},
		{"hold", conn.Hold},
		{"resume", conn.Resume},
		{"digits", func(done telephony.Completion) { conn.SendDigits("12", done) }},
		{"mute", h.agent.Mute},
		{"transfer", func(done telephony.Completion) { h.agent.Connect(telephony.QueueEndpoint("escalations"), done) }},
		{"destroy", conn.Destroy},
	}
	for _, s := range steps {
		if err := complete(s.run); err != nil {
			t.Fatalf("%s: unexpected error: %v", s.name, err)
		}
	}

	want := []string{
		"QueueStatus",
		"PJSIPNotify", "PJSIPNotify", "PJSIPNotify",
		"PlayDTMF", "PlayDTMF",
		"MuteAudio",
		"Redirect",
		"Hangup",
	}
	if got := h.actions.names(); !slices.Equal(got, want) {
		t.Fatalf("expected actions %v, got %v", want, got)
	}

	if got := h.actions.actions[1]; got.Get("Endpoint") != "1001" || got.Get("Variable") != "Event=talk" {
		t.Errorf("unexpected answer notify: endpoint=%s variable=%s", got.Get("Endpoint"), got.Get("Variable"))
	}
	if got := h.actions.actions[2].Get("Variable"); got != "Event=hold" {
		t.Errorf("expected hold notify, got %s", got)
	}
	if got := h.actions.actions[5]; got.Get("Channel") != "PJSIP/trunk-00000001" || got.Get("Digit") != "2" {
		t.Errorf("unexpected DTMF: channel=%s digit=%s", got.Get("Channel"), got.Get("Digit"))
	}
	if got := h.actions.last("MuteAudio"); got.Get("Channel") != "PJSIP/1001-00000002" || got.Get("State") != "on" {
		t.Errorf("unexpected mute: channel=%s state=%s", got.Get("Channel"), got.Get("State"))
	}
	redirect := h.actions.last("Redirect")
	if redirect.Get("Channel") != "PJSIP/trunk-00000001" || redirect.Get("Exten") != "escalations" || redirect.Get("Context") != "from-internal" {
		t.Errorf("unexpected redirect: channel=%s exten=%s", redirect.Get("Channel"), redirect.Get("Exten"))
	}
	if got := h.actions.last("Hangup"); got.Get("Channel") != "PJSIP/1001-00000002" || got.Get("Cause") != "16" {
		t.Errorf("unexpected hangup: channel=%s cause=%s", got.Get("Channel"), got.Get("Cause"))
	}
}

func TestRejectHangsUpWithCallRejected(t *testing.T) {
	h := newHarness(t, false)
	h.feed(until(loadRawFixture(t, "inbound-missed.raw"), "Hangup"))

	if err := complete(h.contacts[0].Reject); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := h.actions.last("Hangup").Get("Cause"); got != "21" {
		t.Errorf("expected cause 21, got %s", got)
	}
}

func TestSendDigitsStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, false)
	h.feed(until(loadRawFixture(t, "inbound-answered.raw"), "Hangup"))

	h.actions.fail["PlayDTMF"] = &ami.ResponseError{Action: "PlayDTMF", Message: "Channel not found"}
	err := complete(func(done telephony.Completion) { h.contacts[0].InitialConnection().SendDigits("123", done) })
	var respErr *ami.ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("expected ResponseError, got %v", err)
	}
	count := 0
	for _, n := range h.actions.names() {
		if n == "PlayDTMF" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected 1 PlayDTMF, got %d", count)
	}
}

func TestCommandsWithoutCall(t *testing.T) {
	h := newHarness(t, false)

	if err := complete(h.agent.Mute); !errors.Is(err, telephony.ErrNoChannel) {
		t.Errorf("mute: expected ErrNoChannel, got %v", err)
	}
	if err := complete(func(done telephony.Completion) {
		h.agent.Connect(telephony.QueueEndpoint("escalations"), done)
	}); !errors.Is(err, telephony.ErrNoChannel) {
		t.Errorf("transfer: expected ErrNoChannel, got %v", err)
	}
	if err := complete(func(done telephony.Completion) {
		h.agent.Connect(telephony.Endpoint{Kind: "sip"}, done)
	}); !errors.Is(err, telephony.ErrUnsupported) {
		t.Errorf("connect: expected ErrUnsupported, got %v", err)
	}
}

// --- Presence ---

func TestSetStatePausesMember(t *testing.T) {
	h := newHarness(t, false)

	if err := complete(func(done telephony.Completion) { h.agent.SetState("Break", done) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pause := h.actions.last("QueuePause")
	if pause.Get("Interface") != "PJSIP/1001" || pause.Get("Paused") != "true" || pause.Get("Reason") != "Break" {
		t.Errorf("unexpected pause: %s/%s/%s", pause.Get("Interface"), pause.Get("Paused"), pause.Get("Reason"))
	}
	if h.agent.State() != "Break" {
		t.Errorf("expected state Break, got %s", h.agent.State())
	}
	if len(h.changes) != 0 {
		t.Errorf("requested changes are not platform changes, got %v", h.changes)
	}

	h.actions.fail["QueuePause"] = errors.New("not allowed")
	if err := complete(func(done telephony.Completion) { h.agent.SetState("Available", done) }); err == nil {
		t.Fatal("expected error")
	}
	if h.agent.State() != "Break" {
		t.Errorf("expected state unchanged, got %s", h.agent.State())
	}
}

func TestQueueEventsDrivePresence(t *testing.T) {
	h := newHarness(t, false)

	h.backend.Process(ami.NewEvent(
		"Event", "QueueMemberPause",
		"Queue", "support",
		"Interface", "PJSIP/1002",
		"Paused", "1",
		"PausedReason", "Lunch",
	))
	h.backend.Process(ami.NewEvent(
		"Event", "QueueMemberPause",
		"Queue", "support",
		"Interface", "PJSIP/1001",
		"Paused", "1",
		"PausedReason", "Break",
	))
	h.backend.Process(ami.NewEvent(
		"Event", "QueueMember",
		"Queue", "support",
		"Location", "PJSIP/1001",
		"Paused", "1",
	))
	h.backend.Process(ami.NewEvent(
		"Event", "QueueMember",
		"Queue", "support",
		"Location", "PJSIP/1001",
		"Paused", "0",
	))

	want := []telephony.AgentStateChange{
		{Old: "Available", New: "Break"},
		{Old: "Break", New: asterisk.Paused},
		{Old: asterisk.Paused, New: "Available"},
	}
	if !slices.Equal(h.changes, want) {
		t.Errorf("expected changes %v, got %v", want, h.changes)
	}
}

func TestAgentIdentity(t *testing.T) {
	h := newHarness(t, false)
	if h.agent.Name() != "Dana" {
		t.Errorf("expected name Dana, got %s", h.agent.Name())
	}
	states := h.agent.States()
	states[0] = "mutated"
	if h.agent.States()[0] != "Available" {
		t.Error("States must return a copy")
	}
	if got := h.actions.last("QueueStatus").Get("Member"); got != "PJSIP/1001" {
		t.Errorf("expected queue status for PJSIP/1001, got %s", got)
	}
}

func TestSetStateDuringAfterCallWorkWaitsForComplete(t *testing.T) {
	h := newHarness(t, true)
	h.feed(loadRawFixture(t, "inbound-answered.raw"))
	sent := len(h.actions.names())

	if err := complete(func(done telephony.Completion) { h.agent.SetState("Break", done) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := h.actions.names()[sent:]; len(got) != 0 {
		t.Fatalf("expected the member to stay paused, sent %v", got)
	}
	if h.agent.State() != asterisk.AfterCallWork {
		t.Errorf("expected agent still in after-call work, got %s", h.agent.State())
	}

	if err := complete(h.contacts[0].Complete); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pause := h.actions.last("QueuePause")
	if pause.Get("Paused") != "true" || pause.Get("Reason") != "Break" {
		t.Errorf("expected pause for Break on complete, got paused=%s reason=%s", pause.Get("Paused"), pause.Get("Reason"))
	}
	if h.agent.State() != "Break" {
		t.Errorf("expected state Break, got %s", h.agent.State())
	}
	want := telephony.AgentStateChange{Old: asterisk.AfterCallWork, New: "Break"}
	if n := len(h.changes); n == 0 || h.changes[n-1] != want {
		t.Errorf("expected last change %v, got %v", want, h.changes)
	}
}
