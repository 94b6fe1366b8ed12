// Copyright 2024-2026 Aiku AI

package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

func TestExampleConfigParses(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if cfg.Gateway.ReconnectDelay != 3*time.Second {
		t.Errorf("ReconnectDelay: got %v", cfg.Gateway.ReconnectDelay)
	}
	if cfg.Gateway.RestartDelay != 500*time.Millisecond {
		t.Errorf("RestartDelay: got %v", cfg.Gateway.RestartDelay)
	}
	if cfg.Backend.MessageTimeout != 30*time.Second {
		t.Errorf("MessageTimeout: got %v", cfg.Backend.MessageTimeout)
	}
	if cfg.Gateway.LogRingSize != DefaultLogRingSize {
		t.Errorf("LogRingSize: got %d", cfg.Gateway.LogRingSize)
	}
	if cfg.WhatsApp.DeviceName != "WhatsApp AI Bot" {
		t.Errorf("DeviceName: got %q", cfg.WhatsApp.DeviceName)
	}
	if cfg.Database.Type != "sqlite3" || cfg.Credentials.Backend != "database" {
		t.Errorf("unexpected storage defaults: %+v %+v", cfg.Database, cfg.Credentials)
	}
}

func TestConfigPostProcess_Defaults(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Backend:  BackendConfig{URL: "http://backend"},
		Database: DatabaseConfig{Type: "postgres", URI: "postgres://localhost/wa"},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if cfg.API.Listen != ":3001" {
		t.Errorf("Listen: got %q", cfg.API.Listen)
	}
	if cfg.Backend.NotifyTimeout != DefaultNotifyTimeout {
		t.Errorf("NotifyTimeout: got %v", cfg.Backend.NotifyTimeout)
	}
	if cfg.Gateway.QRSize != DefaultQRSize || cfg.Gateway.MessageQueueSize != DefaultMessageQueueSize {
		t.Errorf("timing defaults not applied: %+v", cfg.Gateway)
	}
	if cfg.Credentials.Backend != "database" {
		t.Errorf("credentials backend: got %q", cfg.Credentials.Backend)
	}
}

func TestConfigPostProcess_Invalid(t *testing.T) {
	t.Parallel()
	valid := func() Config {
		return Config{
			Backend:  BackendConfig{URL: "http://backend"},
			Database: DatabaseConfig{Type: "sqlite3", URI: "file:test.db"},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing backend url", func(c *Config) { c.Backend.URL = "" }},
		{"unknown database", func(c *Config) { c.Database.Type = "mysql" }},
		{"missing database uri", func(c *Config) { c.Database.URI = "" }},
		{"file backend without path", func(c *Config) { c.Credentials.Backend = "file" }},
		{"unknown credentials backend", func(c *Config) { c.Credentials.Backend = "s3" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(&cfg)
			if err := cfg.PostProcess(); err == nil {
				t.Error("PostProcess should fail")
			}
		})
	}
}

func TestUpgradeConfig(t *testing.T) {
	t.Parallel()
	var baseNode yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &baseNode); err != nil {
		t.Fatalf("failed to parse base config: %v", err)
	}

	userCfg := `
api:
    listen: 127.0.0.1:4000
backend:
    url: http://brain:8001
gateway:
    reconnect_delay: 10s
    autostart: [shop-a]
`
	var cfgNode yaml.Node
	if err := yaml.Unmarshal([]byte(userCfg), &cfgNode); err != nil {
		t.Fatalf("failed to parse user config: %v", err)
	}

	helper := up.NewHelper(&baseNode, &cfgNode)
	upgradeConfig(helper)

	if val, ok := helper.Get(up.Str, "api", "listen"); !ok || val != "127.0.0.1:4000" {
		t.Errorf("api.listen after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Str, "backend", "url"); !ok || val != "http://brain:8001" {
		t.Errorf("backend.url after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Str, "gateway", "reconnect_delay"); !ok || val != "10s" {
		t.Errorf("gateway.reconnect_delay after upgrade: got %q, ok=%v", val, ok)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	userCfg := "backend:\n    url: http://brain:8001\ngateway:\n    log_ring_size: 20\n"
	if err := os.WriteFile(path, []byte(userCfg), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := LoadConfig(path, false)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backend.URL != "http://brain:8001" {
		t.Errorf("Backend.URL: got %q", cfg.Backend.URL)
	}
	if cfg.Gateway.LogRingSize != 20 {
		t.Errorf("LogRingSize: got %d", cfg.Gateway.LogRingSize)
	}
	if cfg.API.Listen != "0.0.0.0:3001" {
		t.Errorf("Listen should come from the example config, got %q", cfg.API.Listen)
	}
	if cfg.WhatsApp.DeviceName != "WhatsApp AI Bot" {
		t.Errorf("DeviceName should come from the example config, got %q", cfg.WhatsApp.DeviceName)
	}
}
