// Package finalize turns the end of a contact into exactly one persisted
// call summary, no matter how many termination signals arrive for it.
package finalize

import (
	"context"
	"time"
)

// Snapshot is the descriptive part of a session, copied when the session
// starts ringing or becomes active. Later resets of the live session do not
// touch it.
type Snapshot struct {
	ContactID     string
	CustomerName  string
	CustomerPhone string
	Reason        string
	QueueName     string
}

// fill copies non-empty fields of other into blank fields of s.
func (s Snapshot) fill(other Snapshot) Snapshot {
	if s.ContactID == "" {
		s.ContactID = other.ContactID
	}
	if s.CustomerName == "" {
		s.CustomerName = other.CustomerName
	}
	if s.CustomerPhone == "" {
		s.CustomerPhone = other.CustomerPhone
	}
	if s.Reason == "" {
		s.Reason = other.Reason
	}
	if s.QueueName == "" {
		s.QueueName = other.QueueName
	}
	return s
}

// Summary is the record persisted once per finished contact.
type Summary struct {
	ContactID       string    `json:"contactId"`
	AgentName       string    `json:"agentName"`
	CustomerName    string    `json:"customerName"`
	QueueName       string    `json:"queueName"`
	CustomerPhone   string    `json:"customerPhone"`
	DurationSeconds int       `json:"durationSeconds"`
	Notes           string    `json:"notes"`
	FinalizedAt     time.Time `json:"finalizedAt"`
}

// Persister stores a summary. It is called off the event loop.
type Persister interface {
	Save(ctx context.Context, s Summary) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, s Summary) error

func (f PersisterFunc) Save(ctx context.Context, s Summary) error {
	return f(ctx, s)
}
