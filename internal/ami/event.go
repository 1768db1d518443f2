package ami

import (
	"strconv"
	"strings"
)

// Event represents a parsed AMI message as an ordered set of key-value pairs.
// Both unsolicited events and action responses are carried as Events.
type Event struct {
	headers []header
}

type header struct {
	Key   string
	Value string
}

// NewEvent creates an Event from a slice of key-value pairs.
func NewEvent(kvs ...string) Event {
	e := Event{}
	for i := 0; i+1 < len(kvs); i += 2 {
		e.headers = append(e.headers, header{Key: kvs[i], Value: kvs[i+1]})
	}
	return e
}

// Get returns the value for the given key, or empty string if not found.
func (e Event) Get(key string) string {
	for _, h := range e.headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Type returns the Event header value (the AMI event type).
func (e Event) Type() string {
	return e.Get("Event")
}

// GetInt returns the integer value for the given key, or 0 if not found/parseable.
func (e Event) GetInt(key string) int {
	v, _ := strconv.Atoi(e.Get(key))
	return v
}

// GetBool interprets AMI truthy values ("1", "yes", "true", "on").
func (e Event) GetBool(key string) bool {
	switch strings.ToLower(e.Get(key)) {
	case "1", "yes", "true", "on":
		return true
	}
	return false
}

// Headers returns all headers as key-value pairs.
func (e Event) Headers() []header {
	return e.headers
}

// IsResponse returns true if this is an AMI response rather than an event.
func (e Event) IsResponse() bool {
	return e.Get("Response") != ""
}

// ActionID returns the ActionID the message answers, if any.
func (e Event) ActionID() string {
	return e.Get("ActionID")
}

// Success reports whether a response carries "Response: Success".
func (e Event) Success() bool {
	return e.Get("Response") == "Success"
}

// Message returns the human readable Message header of a response.
func (e Event) Message() string {
	return e.Get("Message")
}

// Channel returns the Channel header.
func (e Event) Channel() string {
	return e.Get("Channel")
}
