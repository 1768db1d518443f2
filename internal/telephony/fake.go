package telephony

import (
	"sync"
)

// Call records a single command issued against the fake SDK.
type Call struct {
	Op  string
	Arg string
}

// Recorder records commands and decides their outcome. Commands complete
// immediately with the error set via SetError, unless replies for the
// operation are held, in which case they stay pending until Release.
type Recorder struct {
	mu      sync.Mutex
	calls   []Call
	errs    map[string]error
	held    map[string]bool
	pending map[string][]Completion
}

func newRecorder() *Recorder {
	return &Recorder{
		errs:    make(map[string]error),
		held:    make(map[string]bool),
		pending: make(map[string][]Completion),
	}
}

func (r *Recorder) run(op, arg string, done Completion) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Op: op, Arg: arg})
	if r.held[op] {
		r.pending[op] = append(r.pending[op], done)
		r.mu.Unlock()
		return
	}
	err := r.errs[op]
	r.mu.Unlock()
	if done != nil {
		done(err)
	}
}

// Calls returns a copy of all recorded commands.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns how many times op was issued.
func (r *Recorder) Count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// SetError causes subsequent op commands to fail with err. Pass nil to clear.
func (r *Recorder) SetError(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[op] = err
}

// HoldReplies keeps op completions pending until Release.
func (r *Recorder) HoldReplies(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held[op] = true
}

// Release completes every pending op command with err and stops holding.
// It returns the number of completions fired.
func (r *Recorder) Release(op string, err error) int {
	r.mu.Lock()
	pending := r.pending[op]
	delete(r.pending, op)
	delete(r.held, op)
	r.mu.Unlock()

	for _, done := range pending {
		if done != nil {
			done(err)
		}
	}
	return len(pending)
}

// FakeSDK is an in-memory SDK for tests. Discovery and events are driven
// explicitly by the test.
type FakeSDK struct {
	*Recorder

	mu         sync.Mutex
	agentFns   []func(Agent)
	contactFns []func(Contact)
}

// NewFakeSDK creates an empty FakeSDK.
func NewFakeSDK() *FakeSDK {
	return &FakeSDK{Recorder: newRecorder()}
}

func (s *FakeSDK) OnAgent(fn func(Agent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentFns = append(s.agentFns, fn)
}

func (s *FakeSDK) OnContact(fn func(Contact)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contactFns = append(s.contactFns, fn)
}

// NewAgent creates an agent bound to this SDK's recorder.
func (s *FakeSDK) NewAgent(name, state string, states ...string) *FakeAgent {
	return &FakeAgent{rec: s.Recorder, name: name, state: state, states: states}
}

// NewContact creates a contact bound to this SDK's recorder.
func (s *FakeSDK) NewContact(id string, inbound bool, phone string) *FakeContact {
	return &FakeContact{
		rec:      s.Recorder,
		id:       id,
		inbound:  inbound,
		attrs:    make(map[string]string),
		conn:     &FakeConnection{rec: s.Recorder, phone: phone},
		handlers: make(map[ContactEvent][]func()),
	}
}

// AnnounceAgent runs the registered agent discovery callbacks.
func (s *FakeSDK) AnnounceAgent(a *FakeAgent) {
	s.mu.Lock()
	fns := append([]func(Agent){}, s.agentFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(a)
	}
}

// AnnounceContact runs the registered contact discovery callbacks.
func (s *FakeSDK) AnnounceContact(c *FakeContact) {
	s.mu.Lock()
	fns := append([]func(Contact){}, s.contactFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// FakeAgent implements Agent.
type FakeAgent struct {
	rec *Recorder

	mu       sync.Mutex
	name     string
	state    string
	states   []string
	stateFns []func(AgentStateChange)
}

func (a *FakeAgent) Name() string { return a.name }

func (a *FakeAgent) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *FakeAgent) States() []string {
	return append([]string(nil), a.states...)
}

func (a *FakeAgent) SetState(name string, done Completion) {
	a.rec.run("setState", name, func(err error) {
		if err == nil {
			a.mu.Lock()
			a.state = name
			a.mu.Unlock()
		}
		if done != nil {
			done(err)
		}
	})
}

func (a *FakeAgent) Mute(done Completion)   { a.rec.run("mute", "", done) }
func (a *FakeAgent) Unmute(done Completion) { a.rec.run("unmute", "", done) }

func (a *FakeAgent) Connect(ep Endpoint, done Completion) {
	a.rec.run("connect", string(ep.Kind)+":"+ep.Address, done)
}

func (a *FakeAgent) OnStateChange(fn func(AgentStateChange)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stateFns = append(a.stateFns, fn)
}

// ChangeState simulates an out-of-band state change reported by the platform.
func (a *FakeAgent) ChangeState(name string) {
	a.mu.Lock()
	old := a.state
	a.state = name
	fns := append([]func(AgentStateChange){}, a.stateFns...)
	a.mu.Unlock()
	for _, fn := range fns {
		fn(AgentStateChange{Old: old, New: name})
	}
}

// FakeContact implements Contact.
type FakeContact struct {
	rec *Recorder

	mu       sync.Mutex
	id       string
	inbound  bool
	attrs    map[string]string
	queue    string
	conn     *FakeConnection
	handlers map[ContactEvent][]func()
}

// SetAttribute sets a contact attribute.
func (c *FakeContact) SetAttribute(key, value string) *FakeContact {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[key] = value
	return c
}

// SetQueue sets the contact's queue name.
func (c *FakeContact) SetQueue(q string) *FakeContact {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = q
	return c
}

func (c *FakeContact) ID() string    { return c.id }
func (c *FakeContact) Inbound() bool { return c.inbound }

func (c *FakeContact) Attributes() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.attrs))
	for k, v := range c.attrs {
		out[k] = v
	}
	return out
}

func (c *FakeContact) Queue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

func (c *FakeContact) InitialConnection() Connection { return c.conn }

func (c *FakeContact) Accept(done Completion)   { c.rec.run("accept", c.id, done) }
func (c *FakeContact) Reject(done Completion)   { c.rec.run("reject", c.id, done) }
func (c *FakeContact) Complete(done Completion) { c.rec.run("complete", c.id, done) }

func (c *FakeContact) On(ev ContactEvent, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[ev] = append(c.handlers[ev], fn)
}

// Emit fires the handlers registered for ev.
func (c *FakeContact) Emit(ev ContactEvent) {
	c.mu.Lock()
	fns := append([]func(){}, c.handlers[ev]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Subscribed reports whether any handler is registered for ev.
func (c *FakeContact) Subscribed(ev ContactEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[ev]) > 0
}

// FakeConnection implements Connection.
type FakeConnection struct {
	rec   *Recorder
	phone string
}

func (c *FakeConnection) PhoneNumber() string     { return c.phone }
func (c *FakeConnection) Hold(done Completion)    { c.rec.run("hold", "", done) }
func (c *FakeConnection) Resume(done Completion)  { c.rec.run("resume", "", done) }
func (c *FakeConnection) Destroy(done Completion) { c.rec.run("destroy", "", done) }

func (c *FakeConnection) SendDigits(digits string, done Completion) {
	c.rec.run("sendDigits", digits, done)
}
