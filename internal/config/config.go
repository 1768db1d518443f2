package config

import (
	"fmt"
	"net"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	AMI         AMIConfig         `yaml:"ami"`
	Agent       AgentConfig       `yaml:"agent"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Timing      TimingConfig      `yaml:"timing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

type AMIConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Username    string        `yaml:"username"`
	Secret      string        `yaml:"secret"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// AgentConfig describes the single agent this process serves and how its
// console maps onto the PBX.
type AgentConfig struct {
	Name string `yaml:"name"`

	// Interface is the agent's device, e.g. PJSIP/1001. Channels named
	// Interface-xxxx belong to the agent.
	Interface string `yaml:"interface"`

	// Endpoint is the PJSIP endpoint used for PJSIPNotify.
	Endpoint string `yaml:"endpoint"`

	// Context is the dialplan context for outbound calls and transfers.
	Context string `yaml:"context"`

	Queue            string        `yaml:"queue"`
	TransferQueue    string        `yaml:"transfer_queue"`
	PresenceStates   []string      `yaml:"presence_states"`
	InitialPresence  string        `yaml:"initial_presence"`
	AfterCallWork    bool          `yaml:"after_call_work"`
	NotifyAnswer     string        `yaml:"notify_answer"`
	NotifyHold       string        `yaml:"notify_hold"`
	NotifyResume     string        `yaml:"notify_resume"`
	OriginateTimeout time.Duration `yaml:"originate_timeout"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

type PersistenceConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type TimingConfig struct {
	ResetDelay      time.Duration `yaml:"reset_delay"`
	ErrorClearDelay time.Duration `yaml:"error_clear_delay"`
	Tick            time.Duration `yaml:"tick"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func (c *AMIConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{
		AMI: AMIConfig{
			Host:        "127.0.0.1",
			Port:        5038,
			DialTimeout: 10 * time.Second,
		},
		Agent: AgentConfig{
			Context:          "from-internal",
			PresenceStates:   []string{"Available", "Break", "Lunch", "Offline"},
			InitialPresence:  "Offline",
			NotifyAnswer:     "talk",
			NotifyHold:       "hold",
			NotifyResume:     "talk",
			OriginateTimeout: 30 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "asterisk-ccp",
			TopicPrefix: "ccp",
		},
		Persistence: PersistenceConfig{
			Timeout: 10 * time.Second,
		},
		Timing: TimingConfig{
			ResetDelay:      2 * time.Second,
			ErrorClearDelay: 3 * time.Second,
			Tick:            time.Second,
		},
		Metrics: MetricsConfig{
			Listen: ":9108",
		},
		Log: LogConfig{
			Level: "info",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AMI.Host == "" {
		return fmt.Errorf("ami.host is required")
	}
	if c.AMI.Port < 1 || c.AMI.Port > 65535 {
		return fmt.Errorf("ami.port must be between 1 and 65535, got %d", c.AMI.Port)
	}
	if c.AMI.Username == "" {
		return fmt.Errorf("ami.username is required")
	}
	if c.AMI.Secret == "" {
		return fmt.Errorf("ami.secret is required")
	}
	if c.Agent.Interface == "" {
		return fmt.Errorf("agent.interface is required")
	}
	if c.Agent.Queue == "" {
		return fmt.Errorf("agent.queue is required")
	}
	if len(c.Agent.PresenceStates) == 0 {
		return fmt.Errorf("agent.presence_states must not be empty")
	}
	if !slices.Contains(c.Agent.PresenceStates, c.Agent.InitialPresence) {
		return fmt.Errorf("agent.initial_presence %q is not one of agent.presence_states", c.Agent.InitialPresence)
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt.client_id is required")
	}
	if c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt.topic_prefix is required")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.Persistence.URL == "" {
		return fmt.Errorf("persistence.url is required")
	}
	if c.Timing.ResetDelay < 0 {
		return fmt.Errorf("timing.reset_delay must not be negative")
	}
	if c.Timing.Tick <= 0 {
		return fmt.Errorf("timing.tick must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level %q is invalid", c.Log.Level)
	}
	return nil
}
