// Package config provides configuration loading and management for flowd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Database types.
const (
	DatabasePostgres = "postgres"
	DatabaseMySQL    = "mysql"
	DatabaseInMemory = "in-memory"
)

// Messaging types.
const (
	MessagingNATS     = "nats"
	MessagingKafka    = "kafka"
	MessagingRabbit   = "rabbit"
	MessagingInMemory = "in-memory"
)

// Config represents the complete flowd configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Messaging   MessagingConfig   `yaml:"messaging"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	Retry       RetryConfig       `yaml:"retry"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Secrets     SecretsConfig     `yaml:"secrets"`
	Log         LogConfig         `yaml:"log"`
	HTTP        HTTPConfig        `yaml:"http"`
}

// DatabaseConfig selects the outbox database.
type DatabaseConfig struct {
	// Type is postgres, mysql or in-memory.
	Type string `yaml:"type"`
	// DSN is the connection string; unused for in-memory.
	DSN string `yaml:"dsn"`
}

// MessagingConfig selects the workflow message transport.
type MessagingConfig struct {
	// Type is nats, kafka, rabbit or in-memory.
	Type string `yaml:"type"`
	// URL is the broker address for nats and rabbit.
	URL string `yaml:"url"`
	// Brokers lists kafka bootstrap addresses.
	Brokers []string `yaml:"brokers"`
	// Subject is the nats subject carrying workflow messages.
	Subject string `yaml:"subject"`
	// Topic is the kafka topic carrying workflow messages.
	Topic string `yaml:"topic"`
	// Queue is the rabbit queue carrying workflow messages.
	Queue string `yaml:"queue"`
	// Consumer and Producer toggle the two sides independently, so a
	// process can act as a pure submitter or a pure worker.
	Consumer ToggleConfig `yaml:"consumer"`
	Producer ToggleConfig `yaml:"producer"`
}

// ToggleConfig is an on/off switch that defaults to on when unset.
type ToggleConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// On reports whether the toggle is enabled.
func (t ToggleConfig) On() bool {
	return t.Enabled == nil || *t.Enabled
}

// OutboxConfig tunes the durable timer scheduler.
type OutboxConfig struct {
	BatchSize    int      `yaml:"batch-size"`
	Retention    Duration `yaml:"retention"`
	PollInterval Duration `yaml:"poll-interval"`
	MaxAttempts  int      `yaml:"max-attempts"`
}

// RetryConfig bounds workflow retry policies.
type RetryConfig struct {
	// MaxAttempts caps retries of policies that set no attempt count of
	// their own; zero leaves them unbounded.
	MaxAttempts int `yaml:"max-attempts"`
	// MaxDelay clamps grown backoff delays.
	MaxDelay Duration `yaml:"max-delay"`
}

// DefinitionsConfig points at a directory of workflow documents.
type DefinitionsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// RuntimeConfig names the runtime exposed to expressions as $runtime.
type RuntimeConfig struct {
	Name     string            `yaml:"name"`
	Version  string            `yaml:"version"`
	Metadata map[string]string `yaml:"metadata"`
}

// SecretsConfig configures the secret providers.
type SecretsConfig struct {
	// EnvPrefix maps environment variables PREFIX<NAME> to secret names.
	EnvPrefix string `yaml:"env-prefix"`
	// Dir maps files under the directory to secret names.
	Dir string `yaml:"dir"`
	// Values holds inline secrets, intended for development.
	Values map[string]string `yaml:"values"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
}

// HTTPConfig configures the health and metrics listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Duration wraps time.Duration so config files can write "90s" or "24h".
type Duration time.Duration

// Value returns the wrapped duration.
func (d Duration) Value() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration at line %d", node.Line)
}

// DefaultConfig returns a Config with sensible defaults. The defaults run
// entirely in process: in-memory transport and an in-memory outbox
// database, so a bare `flowd listen` works without any broker.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Type: DatabaseInMemory,
		},
		Messaging: MessagingConfig{
			Type:    MessagingInMemory,
			URL:     "nats://127.0.0.1:4222",
			Subject: "flowd.messages",
			Topic:   "flowd.messages",
			Queue:   "flowd.messages",
		},
		Outbox: OutboxConfig{
			BatchSize:    64,
			Retention:    Duration(24 * time.Hour),
			PollInterval: Duration(time.Second),
			MaxAttempts:  10,
		},
		Retry: RetryConfig{
			MaxAttempts: 0,
			MaxDelay:    Duration(time.Hour),
		},
		Runtime: RuntimeConfig{
			Name: "flowd",
		},
		Secrets: SecretsConfig{
			EnvPrefix: "FLOWD_SECRET_",
		},
		Log: LogConfig{
			Level: "info",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case DatabasePostgres, DatabaseMySQL:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for %s", c.Database.Type)
		}
	case DatabaseInMemory:
	default:
		return fmt.Errorf("database.type must be postgres, mysql or in-memory")
	}

	switch c.Messaging.Type {
	case MessagingNATS, MessagingRabbit:
		if c.Messaging.URL == "" {
			return fmt.Errorf("messaging.url is required for %s", c.Messaging.Type)
		}
	case MessagingKafka:
		if len(c.Messaging.Brokers) == 0 {
			return fmt.Errorf("messaging.brokers is required for kafka")
		}
	case MessagingInMemory:
	default:
		return fmt.Errorf("messaging.type must be nats, kafka, rabbit or in-memory")
	}

	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch-size must be positive")
	}
	if c.Outbox.PollInterval.Value() <= 0 {
		return fmt.Errorf("outbox.poll-interval must be positive")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox.max-attempts must be positive")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max-attempts must not be negative")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Database.Type != "" {
		c.Database.Type = other.Database.Type
	}
	if other.Database.DSN != "" {
		c.Database.DSN = other.Database.DSN
	}

	if other.Messaging.Type != "" {
		c.Messaging.Type = other.Messaging.Type
	}
	if other.Messaging.URL != "" {
		c.Messaging.URL = other.Messaging.URL
	}
	if len(other.Messaging.Brokers) > 0 {
		c.Messaging.Brokers = other.Messaging.Brokers
	}
	if other.Messaging.Subject != "" {
		c.Messaging.Subject = other.Messaging.Subject
	}
	if other.Messaging.Topic != "" {
		c.Messaging.Topic = other.Messaging.Topic
	}
	if other.Messaging.Queue != "" {
		c.Messaging.Queue = other.Messaging.Queue
	}
	if other.Messaging.Consumer.Enabled != nil {
		c.Messaging.Consumer.Enabled = other.Messaging.Consumer.Enabled
	}
	if other.Messaging.Producer.Enabled != nil {
		c.Messaging.Producer.Enabled = other.Messaging.Producer.Enabled
	}

	if other.Outbox.BatchSize != 0 {
		c.Outbox.BatchSize = other.Outbox.BatchSize
	}
	if other.Outbox.Retention != 0 {
		c.Outbox.Retention = other.Outbox.Retention
	}
	if other.Outbox.PollInterval != 0 {
		c.Outbox.PollInterval = other.Outbox.PollInterval
	}
	if other.Outbox.MaxAttempts != 0 {
		c.Outbox.MaxAttempts = other.Outbox.MaxAttempts
	}

	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	if other.Retry.MaxDelay != 0 {
		c.Retry.MaxDelay = other.Retry.MaxDelay
	}

	if other.Definitions.Dir != "" {
		c.Definitions.Dir = other.Definitions.Dir
	}
	if other.Definitions.Watch {
		c.Definitions.Watch = true
	}

	if other.Runtime.Name != "" {
		c.Runtime.Name = other.Runtime.Name
	}
	if other.Runtime.Version != "" {
		c.Runtime.Version = other.Runtime.Version
	}
	if len(other.Runtime.Metadata) > 0 {
		c.Runtime.Metadata = other.Runtime.Metadata
	}

	if other.Secrets.EnvPrefix != "" {
		c.Secrets.EnvPrefix = other.Secrets.EnvPrefix
	}
	if other.Secrets.Dir != "" {
		c.Secrets.Dir = other.Secrets.Dir
	}
	if len(other.Secrets.Values) > 0 {
		if c.Secrets.Values == nil {
			c.Secrets.Values = map[string]string{}
		}
		for k, v := range other.Secrets.Values {
			c.Secrets.Values[k] = v
		}
	}

	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
}
