package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTPublisher wraps a Paho MQTT client.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

// MQTTOptions configures the MQTT publisher.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte

	// WillTopic, when set, receives WillPayload (retained) if the client
	// disconnects uncleanly.
	WillTopic   string
	WillPayload string

	Logger zerolog.Logger
}

// NewMQTTPublisher creates and connects an MQTT publisher. Subscriptions
// are restored after every reconnect.
func NewMQTTPublisher(opts MQTTOptions) (*MQTTPublisher, error) {
	p := &MQTTPublisher{
		qos:    opts.QoS,
		logger: opts.Logger.With().Str("component", "mqtt").Logger(),
		subs:   make(map[string]Handler),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetOnConnectHandler(p.resubscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.logger.Warn().Err(err).Msg("MQTT connection lost")
		})
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username).SetPassword(opts.Password)
	}
	if opts.WillTopic != "" {
		clientOpts.SetWill(opts.WillTopic, opts.WillPayload, opts.QoS, true)
	}

	p.client = mqtt.NewClient(clientOpts)
	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}
	return p, nil
}

func (p *MQTTPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	return p.publish(topic, false, payload)
}

func (p *MQTTPublisher) PublishRetained(_ context.Context, topic string, payload []byte) error {
	return p.publish(topic, true, payload)
}

func (p *MQTTPublisher) publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, p.qos, retained, payload)
	token.Wait()
	return token.Error()
}

// Subscribe registers h for filter and subscribes on the broker.
func (p *MQTTPublisher) Subscribe(filter string, h Handler) error {
	p.mu.Lock()
	p.subs[filter] = h
	p.mu.Unlock()

	token := p.client.Subscribe(filter, p.qos, wrap(h))
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", filter, err)
	}
	return nil
}

func (p *MQTTPublisher) resubscribe(c mqtt.Client) {
	p.mu.Lock()
	subs := make(map[string]Handler, len(p.subs))
	for f, h := range p.subs {
		subs[f] = h
	}
	p.mu.Unlock()

	p.logger.Info().Int("subscriptions", len(subs)).Msg("MQTT connected")
	for f, h := range subs {
		token := c.Subscribe(f, p.qos, wrap(h))
		// Waiting inside the connect handler would stall paho.
		go func() {
			token.Wait()
			if err := token.Error(); err != nil {
				p.logger.Error().Err(err).Str("filter", f).Msg("resubscribing")
			}
		}()
	}
}

func wrap(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
