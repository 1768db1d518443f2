// Package console exposes the agent console over MQTT: a retained view of
// the desk, a per-contact lifecycle stream, and a command topic.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-ccp/internal/eventloop"
	"github.com/sweeney/asterisk-ccp/internal/publisher"
	"github.com/sweeney/asterisk-ccp/internal/session"
)

// Topic builders.
func ViewTopic(prefix string) string    { return prefix + "/agent/view" }
func CommandTopic(prefix string) string { return prefix + "/agent/command" }
func StatusTopic(prefix string) string  { return prefix + "/agent/status" }

func ContactTopic(prefix, contactID string, state session.Lifecycle) string {
	return fmt.Sprintf("%s/contact/%s/%s", prefix, contactID, state)
}

// Bridge status payloads on StatusTopic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// View is the document a console renders.
type View struct {
	State       session.Lifecycle `json:"state"`
	Description string            `json:"description"`
	Agent       string            `json:"agent"`
	Presence    string            `json:"presence"`
	States      []string          `json:"states"`
	Session     *session.Session  `json:"session,omitempty"`
	Elapsed     int               `json:"elapsed"`
	ElapsedText string            `json:"elapsedText"`
	Notes       string            `json:"notes"`
	Error       string            `json:"error,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// FormatElapsed renders seconds as mm:ss.
func FormatElapsed(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// transitionPayload is published on each contact lifecycle change.
type transitionPayload struct {
	ContactID     string            `json:"contactId"`
	State         session.Lifecycle `json:"state"`
	From          session.Lifecycle `json:"from"`
	Description   string            `json:"description"`
	Direction     session.Direction `json:"direction,omitempty"`
	CustomerName  string            `json:"customerName,omitempty"`
	CustomerPhone string            `json:"customerPhone,omitempty"`
	QueueName     string            `json:"queueName,omitempty"`
	Timestamp     string            `json:"timestamp"`
}

// Commander executes console commands on the event loop.
type Commander interface {
	Execute(cmd Command) error
}

type outbound struct {
	topic    string
	payload  []byte
	retained bool
}

// Config configures a Bridge.
type Config struct {
	Broker    publisher.Broker
	Scheduler eventloop.Scheduler
	Prefix    string
	Logger    zerolog.Logger
}

// Bridge publishes desk state and feeds console commands to the desk.
// Publishing happens on Run's goroutine so the event loop never waits on
// the broker.
type Bridge struct {
	broker publisher.Broker
	sched  eventloop.Scheduler
	prefix string
	logger zerolog.Logger

	// view holds only the latest document.
	view   chan outbound
	events chan outbound
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	return &Bridge{
		broker: cfg.Broker,
		sched:  cfg.Scheduler,
		prefix: cfg.Prefix,
		logger: cfg.Logger.With().Str("component", "console").Logger(),
		view:   make(chan outbound, 1),
		events: make(chan outbound, 64),
	}
}

// Listen subscribes to the command topic. Each command is executed on the
// event loop.
func (b *Bridge) Listen(c Commander) error {
	topic := CommandTopic(b.prefix)
	if err := b.broker.Subscribe(topic, func(_ string, payload []byte) {
		cmd, err := ParseCommand(payload)
		if err != nil {
			b.logger.Warn().Err(err).Msg("ignoring console command")
			return
		}
		b.sched.Post(func() {
			if err := c.Execute(cmd); err != nil {
				b.logger.Warn().Err(err).Str("command", cmd.Name).Msg("console command refused")
			}
		})
	}); err != nil {
		return err
	}
	b.logger.Info().Str("topic", topic).Msg("listening for console commands")
	return nil
}

// PublishView queues v, replacing any view not yet published. It must be
// called from the event loop.
func (b *Bridge) PublishView(v View) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error().Err(err).Msg("marshaling view")
		return
	}
	select {
	case <-b.view:
	default:
	}
	b.view <- outbound{topic: ViewTopic(b.prefix), payload: data, retained: true}
}

// PublishTransition queues a lifecycle message for the contact. Sessions
// without a contact id yet are not published.
func (b *Bridge) PublishTransition(tr session.Transition) {
	if tr.ContactID == "" {
		return
	}
	payload := transitionPayload{
		ContactID:     tr.ContactID,
		State:         tr.To,
		From:          tr.From,
		Description:   session.Descriptions[tr.To],
		Direction:     tr.Session.Direction,
		CustomerName:  tr.Session.CustomerName,
		CustomerPhone: tr.Session.CustomerPhone,
		QueueName:     tr.Session.QueueName,
		Timestamp:     tr.At.UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error().Err(err).Msg("marshaling transition")
		return
	}
	msg := outbound{topic: ContactTopic(b.prefix, tr.ContactID, tr.To), payload: data}
	select {
	case b.events <- msg:
	default:
		b.logger.Warn().Str("topic", msg.topic).Msg("console backlog full, dropping transition")
	}
}

// Run publishes queued messages until ctx is cancelled. It announces the
// bridge online at start and offline on the way out.
func (b *Bridge) Run(ctx context.Context) error {
	b.publish(ctx, outbound{topic: StatusTopic(b.prefix), payload: []byte(StatusOnline), retained: true})
	defer b.publish(context.Background(), outbound{topic: StatusTopic(b.prefix), payload: []byte(StatusOffline), retained: true})

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-b.events:
			b.publish(ctx, msg)
		case msg := <-b.view:
			b.publish(ctx, msg)
		}
	}
}

func (b *Bridge) publish(ctx context.Context, msg outbound) {
	var err error
	if msg.retained {
		err = b.broker.PublishRetained(ctx, msg.topic, msg.payload)
	} else {
		err = b.broker.Publish(ctx, msg.topic, msg.payload)
	}
	if err != nil {
		b.logger.Error().Err(err).Str("topic", msg.topic).Msg("publish error")
		return
	}
	b.logger.Debug().Str("topic", msg.topic).Msg("published")
}
