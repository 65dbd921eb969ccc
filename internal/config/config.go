package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sipstate/internal/domain"
	"sipstate/internal/lifecycle"
)

// Config models sipstate.yml.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Store struct {
		Path    string `yaml:"path"`
		History bool   `yaml:"history"`
	} `yaml:"store"`
	Coordinator CoordinatorConfig    `yaml:"coordinator"`
	Lifecycle   lifecycle.Definition `yaml:"lifecycle"`
	Normalizer  struct {
		TypeStates map[string]string `yaml:"type_states"`
	} `yaml:"normalizer"`
	Consumer struct {
		Workers int `yaml:"workers"`
	} `yaml:"consumer"`
	Pulsar   PulsarConfig    `yaml:"pulsar"`
	HTTP     HTTPConfig      `yaml:"http"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Poller   PollerConfig    `yaml:"poller"`
}

// CoordinatorConfig bounds retries and blocking calls of the coordinator.
type CoordinatorConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	EmitTimeout  time.Duration `yaml:"emit_timeout"`
	EmitAttempts int           `yaml:"emit_attempts"`
	EmitBackoff  time.Duration `yaml:"emit_backoff"`
}

type PulsarConfig struct {
	URL              string        `yaml:"url"`
	Topics           []string      `yaml:"topics"`
	Subscription     string        `yaml:"subscription"`
	OutputTopic      string        `yaml:"output_topic"`
	DeadLetterTopic  string        `yaml:"dead_letter_topic"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	NackDelay        time.Duration `yaml:"nack_delay"`
}

// Enabled reports whether a broker is configured.
func (p PulsarConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != ""
}

type HTTPConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type PollerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Token    string        `yaml:"token"`
	Interval time.Duration `yaml:"interval"`
	Batch    int           `yaml:"batch"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with sipstate config default > %s", path, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service.Name) == "" {
		return fmt.Errorf("config.service.name is required")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config.log.format must be 'json' or 'text'")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("config.store.path is required")
	}
	if c.Coordinator.MaxAttempts < 1 {
		return fmt.Errorf("config.coordinator.max_attempts must be at least 1")
	}
	if c.Coordinator.EmitAttempts < 1 {
		return fmt.Errorf("config.coordinator.emit_attempts must be at least 1")
	}
	if c.Coordinator.StoreTimeout <= 0 || c.Coordinator.EmitTimeout <= 0 {
		return fmt.Errorf("config.coordinator timeouts must be positive")
	}
	if _, err := lifecycle.NewGraph(c.Lifecycle); err != nil {
		return fmt.Errorf("config.%w", err)
	}
	if _, err := c.TypeStates(); err != nil {
		return err
	}
	if c.Consumer.Workers < 1 {
		return fmt.Errorf("config.consumer.workers must be at least 1")
	}
	if c.Pulsar.Enabled() {
		if len(c.Pulsar.Topics) == 0 {
			return fmt.Errorf("config.pulsar.topics is required when pulsar.url is set")
		}
		if c.Pulsar.Subscription == "" {
			return fmt.Errorf("config.pulsar.subscription is required when pulsar.url is set")
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if evt != domain.KindStateChanged && evt != domain.KindStateRejected {
				return fmt.Errorf("config.webhooks[%d] has unknown event %s", i, evt)
			}
		}
	}
	if c.Poller.Enabled {
		if strings.TrimSpace(c.Poller.URL) == "" {
			return fmt.Errorf("config.poller.url is required when the poller is enabled")
		}
		if c.Poller.Interval <= 0 {
			return fmt.Errorf("config.poller.interval must be positive")
		}
	}
	return nil
}

// Graph builds the lifecycle graph.
func (c *Config) Graph() (lifecycle.Graph, error) {
	return lifecycle.NewGraph(c.Lifecycle)
}

// TypeStates resolves normalizer.type_states into lifecycle states.
func (c *Config) TypeStates() (map[string]domain.State, error) {
	out := make(map[string]domain.State, len(c.Normalizer.TypeStates))
	for typ, name := range c.Normalizer.TypeStates {
		st, ok := domain.ParseState(name)
		if !ok {
			return nil, fmt.Errorf("config.normalizer.type_states[%s]: unknown state %q", typ, name)
		}
		out[typ] = st
	}
	return out, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sipstate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceName string) string {
	return fmt.Sprintf(defaultTemplate, serviceName)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(DefaultServiceName))).Decode(&cfg)
	return &cfg
}

// DefaultServiceName names the service, its pulsar subscription and the
// source attribute of outbound events.
const DefaultServiceName = "sipin-sip-state-updater"

// FromYAML parses config from raw YAML bytes on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	// lists and maps from the file replace the defaults instead of merging
	cfg.Lifecycle.Transitions = nil
	cfg.Normalizer.TypeStates = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Lifecycle.Transitions == nil {
		cfg.Lifecycle.Transitions = lifecycle.DefaultDefinition().Transitions
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  name: %s

log:
  level: info
  format: json

store:
  path: .sipstate/sipstate.db
  history: true

coordinator:
  max_attempts: 3
  store_timeout: 5s
  emit_timeout: 5s
  emit_attempts: 3
  emit_backoff: 200ms

lifecycle:
  initial: pending
  terminal: [archived, error]
  transitions:
    pending: [received]
    received: [validated]
    validated: [transferred]
    transferred: [archived]

normalizer:
  type_states: {}

consumer:
  workers: 4

pulsar:
  url: ""
  topics: []
  subscription: sipin-sip-state-updater
  output_topic: ""
  dead_letter_topic: ""
  operation_timeout: 30s
  nack_delay: 10s

http:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret: ""

webhooks: []

poller:
  enabled: false
  url: ""
  token: ""
  interval: 1h
  batch: 100
`
