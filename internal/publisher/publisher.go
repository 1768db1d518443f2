package publisher

import (
	"context"
	"strings"
)

// Publisher defines the interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// PublishRetained publishes a message the broker keeps for late
	// subscribers.
	PublishRetained(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Handler receives a message delivered on a subscribed topic. It runs on
// the transport's goroutine.
type Handler func(topic string, payload []byte)

// Subscriber registers handlers for topic filters.
type Subscriber interface {
	Subscribe(filter string, h Handler) error
}

// Broker publishes and subscribes.
type Broker interface {
	Publisher
	Subscriber
}

// Match reports whether topic matches an MQTT topic filter with + and #
// wildcards.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
