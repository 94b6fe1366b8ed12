// Copyright 2024-2026 Aiku AI

package gateway

import (
	_ "embed"
	"fmt"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the gateway configuration.
type Config struct {
	API         APIConfig         `yaml:"api"`
	Backend     BackendConfig     `yaml:"backend"`
	Database    DatabaseConfig    `yaml:"database"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Gateway     TimingConfig      `yaml:"gateway"`
	WhatsApp    WhatsAppConfig    `yaml:"whatsapp"`
	Logging     zeroconfig.Config `yaml:"logging"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
	// Token is an optional shared secret required on every control request.
	Token string `yaml:"token"`
}

type BackendConfig struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`
	NotifyTimeout  time.Duration `yaml:"notify_timeout"`
	MessageTimeout time.Duration `yaml:"message_timeout"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

type CredentialsConfig struct {
	// Backend is "database" or "file".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// TimingConfig tunes the connection lifecycle.
type TimingConfig struct {
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	RestartDelay     time.Duration `yaml:"restart_delay"`
	LogRingSize      int           `yaml:"log_ring_size"`
	QRSize           int           `yaml:"qr_size"`
	MessageQueueSize int           `yaml:"message_queue_size"`
	Autostart        []string      `yaml:"autostart"`
}

type WhatsAppConfig struct {
	DeviceName string `yaml:"device_name"`
}

// Defaults used when a value is missing from the config.
const (
	DefaultReconnectDelay   = 3 * time.Second
	DefaultRestartDelay     = 500 * time.Millisecond
	DefaultNotifyTimeout    = 5 * time.Second
	DefaultMessageTimeout   = 30 * time.Second
	DefaultMessageQueueSize = 256
)

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills in defaults and validates the config.
func (c *Config) PostProcess() error {
	c.Gateway.applyDefaults()
	if c.Backend.NotifyTimeout <= 0 {
		c.Backend.NotifyTimeout = DefaultNotifyTimeout
	}
	if c.Backend.MessageTimeout <= 0 {
		c.Backend.MessageTimeout = DefaultMessageTimeout
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	switch c.Database.Type {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	if c.Database.URI == "" {
		return fmt.Errorf("database.uri is required")
	}
	switch c.Credentials.Backend {
	case "", "database":
		c.Credentials.Backend = "database"
	case "file":
		if c.Credentials.Path == "" {
			return fmt.Errorf("credentials.path is required for the file backend")
		}
	default:
		return fmt.Errorf("unsupported credentials backend %q", c.Credentials.Backend)
	}
	if c.API.Listen == "" {
		c.API.Listen = ":3001"
	}
	return nil
}

func (t *TimingConfig) applyDefaults() {
	if t.ReconnectDelay <= 0 {
		t.ReconnectDelay = DefaultReconnectDelay
	}
	if t.RestartDelay <= 0 {
		t.RestartDelay = DefaultRestartDelay
	}
	if t.LogRingSize <= 0 {
		t.LogRingSize = DefaultLogRingSize
	}
	if t.QRSize <= 0 {
		t.QRSize = DefaultQRSize
	}
	if t.MessageQueueSize <= 0 {
		t.MessageQueueSize = DefaultMessageQueueSize
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "api", "listen")
	helper.Copy(up.Str, "api", "token")
	helper.Copy(up.Str, "backend", "url")
	helper.Copy(up.Str, "backend", "token")
	helper.Copy(up.Str, "backend", "notify_timeout")
	helper.Copy(up.Str, "backend", "message_timeout")
	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Str, "credentials", "backend")
	helper.Copy(up.Str, "credentials", "path")
	helper.Copy(up.Str, "gateway", "reconnect_delay")
	helper.Copy(up.Str, "gateway", "restart_delay")
	helper.Copy(up.Int, "gateway", "log_ring_size")
	helper.Copy(up.Int, "gateway", "qr_size")
	helper.Copy(up.Int, "gateway", "message_queue_size")
	helper.Copy(up.List, "gateway", "autostart")
	helper.Copy(up.Str, "whatsapp", "device_name")
	helper.Copy(up.Map, "logging")
}

// Upgrader returns the config upgrader with the embedded example as base.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         nil,
		Base:           ExampleConfig,
	}
}

// LoadConfig reads the config at path, upgrading it onto the example config
// (and writing the result back when save is true), then post-processes it.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
