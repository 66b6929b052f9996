// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sockgate

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.MetricsAddr != ":9090" || cfg.HealthAddr != ":8080" {
		t.Errorf("unexpected listen defaults: %+v", cfg)
	}
	if cfg.ShutdownTimeout != 30*time.Second || cfg.Workers != 1024 {
		t.Errorf("unexpected service defaults: %+v", cfg)
	}
	if cfg.HostHeader != "localhost" || cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("SOCKGATE_CONFIG_FILE", "/etc/sockgate/gateway.yaml")
	t.Setenv("SOCKGATE_WORKERS", "8")
	t.Setenv("SOCKGATE_SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("SOCKGATE_WATCH_MAPPINGS", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ConfigFile != "/etc/sockgate/gateway.yaml" || cfg.Workers != 8 || cfg.ShutdownTimeout != 5*time.Second || !cfg.WatchMappings {
		t.Errorf("environment not applied: %+v", cfg)
	}
}

func TestLoadConfigDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SOCKGATE_LOG_LEVEL=debug\nSOCKGATE_HOST_HEADER=docker\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	t.Setenv("SOCKGATE_HOST_HEADER", "preset")
	t.Cleanup(func() { os.Unsetenv("SOCKGATE_LOG_LEVEL") })

	cfg, err := LoadConfig(path, filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug from .env", cfg.LogLevel)
	}
	if cfg.HostHeader != "preset" {
		t.Errorf("HostHeader = %q, .env must not override the environment", cfg.HostHeader)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"log level", "SOCKGATE_LOG_LEVEL", "loud"},
		{"log format", "SOCKGATE_LOG_FORMAT", "xml"},
		{"workers", "SOCKGATE_WORKERS", "0"},
		{"workers not a number", "SOCKGATE_WORKERS", "many"},
		{"shutdown timeout", "SOCKGATE_SHUTDOWN_TIMEOUT", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadConfig(); err == nil {
				t.Errorf("LoadConfig() with %s=%q should fail", tt.key, tt.value)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}
