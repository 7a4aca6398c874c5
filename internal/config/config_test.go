package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestReadConfigCreatesMissingJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if _, err := ReadConfig(path); err == nil {
		t.Fatal("expected error for a missing configuration file")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default configuration to be written, got %v", err)
	}
	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("default configuration should load, got %v", err)
	}
	if cfg.Database.Driver != "memory" {
		t.Fatalf("unexpected driver %q", cfg.Database.Driver)
	}
}

func TestReadConfigTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "push.toml")
	body := `
debug_mode = true

[app]
port = 9150
router_port = 9170

[connection]
idle_timeout = "90s"
max_batch = 20

[broadcast]
url = "http://localhost:9999/v1/broadcasts"
token = "Bearer abc"
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if !cfg.DebugMode || cfg.App.Port != 9150 || cfg.Connection.MaxBatch != 20 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if Duration(cfg.Connection.IdleTimeout) != 90*time.Second {
		t.Fatalf("unexpected idle timeout %q", cfg.Connection.IdleTimeout)
	}
	// untouched sections keep their defaults
	if cfg.Retry.Attempts != 5 {
		t.Fatalf("retry defaults lost: %+v", cfg.Retry)
	}
	if GetConfig().App.Port != 9150 {
		t.Fatal("GetConfig does not return the loaded configuration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"same ports", func(c *Config) { c.App.RouterPort = c.App.Port }, "router_port"},
		{"bad driver", func(c *Config) { c.Database.Driver = "dynamo" }, "driver"},
		{"zero batch", func(c *Config) { c.Connection.MaxBatch = 0 }, "max_batch"},
		{"bad duration", func(c *Config) { c.Connection.PollInterval = "soon" }, "poll_interval"},
		{"zero idle", func(c *Config) { c.Connection.IdleTimeout = "0s" }, "idle_timeout"},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: expected error mentioning %q, got %v", tt.name, tt.want, err)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}
