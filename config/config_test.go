package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Database.Type != DatabaseInMemory {
		t.Errorf("expected in-memory database by default, got %s", cfg.Database.Type)
	}
	if cfg.Messaging.Type != MessagingInMemory {
		t.Errorf("expected in-memory messaging by default, got %s", cfg.Messaging.Type)
	}
	if !cfg.Messaging.Consumer.On() || !cfg.Messaging.Producer.On() {
		t.Error("expected consumer and producer enabled by default")
	}
	if cfg.Outbox.PollInterval.Value() != time.Second {
		t.Errorf("expected 1s poll interval, got %v", cfg.Outbox.PollInterval.Value())
	}
	if cfg.Retry.MaxDelay.Value() != time.Hour {
		t.Errorf("expected 1h retry max delay, got %v", cfg.Retry.MaxDelay.Value())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "unknown database type",
			modify:  func(c *Config) { c.Database.Type = "oracle" },
			wantErr: true,
		},
		{
			name:    "postgres without dsn",
			modify:  func(c *Config) { c.Database.Type = DatabasePostgres },
			wantErr: true,
		},
		{
			name: "postgres with dsn",
			modify: func(c *Config) {
				c.Database.Type = DatabasePostgres
				c.Database.DSN = "postgres://localhost/flowd"
			},
			wantErr: false,
		},
		{
			name:    "unknown messaging type",
			modify:  func(c *Config) { c.Messaging.Type = "zeromq" },
			wantErr: true,
		},
		{
			name: "kafka without brokers",
			modify: func(c *Config) {
				c.Messaging.Type = MessagingKafka
				c.Messaging.Brokers = nil
			},
			wantErr: true,
		},
		{
			name:    "nats without url",
			modify:  func(c *Config) { c.Messaging.Type = MessagingNATS; c.Messaging.URL = "" },
			wantErr: true,
		},
		{
			name:    "zero outbox batch",
			modify:  func(c *Config) { c.Outbox.BatchSize = 0 },
			wantErr: true,
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
database:
  type: postgres
  dsn: "postgres://flowd:flowd@db:5432/flowd"
messaging:
  type: kafka
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  topic: workflows
  consumer:
    enabled: false
outbox:
  batch-size: 128
  retention: 48h
  poll-interval: 250ms
retry:
  max-attempts: 8
  max-delay: 10m
log:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Database.Type != DatabasePostgres {
		t.Errorf("expected postgres, got %s", cfg.Database.Type)
	}
	if len(cfg.Messaging.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %d", len(cfg.Messaging.Brokers))
	}
	if cfg.Messaging.Topic != "workflows" {
		t.Errorf("expected topic workflows, got %s", cfg.Messaging.Topic)
	}
	if cfg.Messaging.Consumer.On() {
		t.Error("expected consumer disabled")
	}
	if cfg.Outbox.Retention.Value() != 48*time.Hour {
		t.Errorf("expected 48h retention, got %v", cfg.Outbox.Retention.Value())
	}
	if cfg.Outbox.PollInterval.Value() != 250*time.Millisecond {
		t.Errorf("expected 250ms poll interval, got %v", cfg.Outbox.PollInterval.Value())
	}
	if cfg.Retry.MaxDelay.Value() != 10*time.Minute {
		t.Errorf("expected 10m max delay, got %v", cfg.Retry.MaxDelay.Value())
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Log.Level)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	off := false
	override := &Config{
		Database: DatabaseConfig{
			Type: DatabaseMySQL,
			DSN:  "flowd:flowd@tcp(db:3306)/flowd",
		},
		Messaging: MessagingConfig{
			Producer: ToggleConfig{Enabled: &off},
		},
		Outbox: OutboxConfig{
			BatchSize: 16,
		},
	}

	base.Merge(override)

	if base.Database.Type != DatabaseMySQL {
		t.Errorf("expected mysql, got %s", base.Database.Type)
	}
	if base.Messaging.Producer.On() {
		t.Error("expected producer toggled off")
	}
	if !base.Messaging.Consumer.On() {
		t.Error("consumer should remain enabled")
	}
	if base.Outbox.BatchSize != 16 {
		t.Errorf("expected batch size 16, got %d", base.Outbox.BatchSize)
	}
	// Untouched fields keep their defaults.
	if base.Outbox.MaxAttempts != 10 {
		t.Errorf("expected max attempts to remain default, got %d", base.Outbox.MaxAttempts)
	}
	if base.Log.Level != "info" {
		t.Errorf("expected log level to remain default, got %s", base.Log.Level)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Outbox.Retention = Duration(72 * time.Hour)

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Outbox.Retention.Value() != 72*time.Hour {
		t.Errorf("expected retention to round-trip, got %v", loaded.Outbox.Retention.Value())
	}
}

func TestLoaderExplicitPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "flowd.yaml")
	content := "log:\n  level: warn\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loader := NewLoader(slog.New(slog.NewTextHandler(io.Discard, nil)))

	cfg, err := loader.Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected warn level, got %s", cfg.Log.Level)
	}
	// Defaults still fill everything the file leaves out.
	if cfg.Messaging.Subject != "flowd.messages" {
		t.Errorf("expected default subject, got %s", cfg.Messaging.Subject)
	}

	if _, err := loader.Load(filepath.Join(tmpDir, "missing.yaml")); err == nil {
		t.Error("expected an error for a missing explicit config")
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("outbox:\n  retention: soon\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFromFile(configPath); err == nil {
		t.Error("expected a parse error for a malformed duration")
	}
}
