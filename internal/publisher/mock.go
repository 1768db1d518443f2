package publisher

import (
	"context"
	"sync"
)

// Message records a single published message.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// MockPublisher records all publishes for test assertions.
type MockPublisher struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
	err      error // if set, Publish returns this error
	subs     []subscription
}

type subscription struct {
	filter  string
	handler Handler
}

// NewMockPublisher creates a new MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	return m.record(topic, payload, false)
}

func (m *MockPublisher) PublishRetained(_ context.Context, topic string, payload []byte) error {
	return m.record(topic, payload, true)
}

func (m *MockPublisher) record(topic string, payload []byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	m.messages = append(m.messages, Message{Topic: topic, Payload: p, Retained: retained})
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns a copy of all published messages.
func (m *MockPublisher) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]Message, len(m.messages))
	copy(msgs, m.messages)
	return msgs
}

// Reset clears all recorded messages.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// Closed returns whether Close was called.
func (m *MockPublisher) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetError causes all subsequent Publish calls to return err.
// Pass nil to clear.
func (m *MockPublisher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Subscribe records h for filter.
func (m *MockPublisher) Subscribe(filter string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.subs = append(m.subs, subscription{filter: filter, handler: h})
	return nil
}

// Deliver simulates an inbound message, running every matching handler.
// It returns the number of handlers run.
func (m *MockPublisher) Deliver(topic string, payload []byte) int {
	m.mu.Lock()
	var hs []Handler
	for _, s := range m.subs {
		if Match(s.filter, topic) {
			hs = append(hs, s.handler)
		}
	}
	m.mu.Unlock()

	for _, h := range hs {
		h(topic, payload)
	}
	return len(hs)
}

// Last returns the most recent message published on topic.
func (m *MockPublisher) Last(topic string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].Topic == topic {
			return m.messages[i], true
		}
	}
	return Message{}, false
}
