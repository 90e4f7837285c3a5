package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "labdaq.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("expected default config to validate, got %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
engine:
  checkpoint_dir: /var/lib/labdaq/checkpoints
  auto_checkpoint_every: 10
script:
  timeout: 10m
  max_plans: 50
  continue_on_error: true
modules:
  driver: sim
  sim:
    readings:
      det1: 7.5
    noise: 0.1
telemetry:
  log_level: debug
  log_format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Engine.CheckpointDir != "/var/lib/labdaq/checkpoints" {
		t.Errorf("unexpected checkpoint dir: %s", cfg.Engine.CheckpointDir)
	}
	if cfg.Engine.AutoCheckpointEvery != 10 {
		t.Errorf("unexpected auto checkpoint interval: %d", cfg.Engine.AutoCheckpointEvery)
	}
	if cfg.Script.Timeout != 10*time.Minute {
		t.Errorf("unexpected script timeout: %s", cfg.Script.Timeout)
	}
	if cfg.Script.MaxPlans != 50 {
		t.Errorf("unexpected max plans: %d", cfg.Script.MaxPlans)
	}
	if cfg.Script.PlanWait != 300*time.Second {
		t.Errorf("expected default plan wait to survive, got %s", cfg.Script.PlanWait)
	}
	if cfg.Modules.Sim.Readings["det1"] != 7.5 {
		t.Errorf("unexpected sim readings: %v", cfg.Modules.Sim.Readings)
	}
	if cfg.Telemetry.LogFormat != "json" {
		t.Errorf("unexpected log format: %s", cfg.Telemetry.LogFormat)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "unknown driver",
			content: "modules:\n  driver: serial\n",
			want:    "validation failed",
		},
		{
			name:    "bad log level",
			content: "telemetry:\n  log_level: loud\n",
			want:    "validation failed",
		},
		{
			name:    "mqtt without broker",
			content: "modules:\n  driver: mqtt\n",
			want:    "broker_url",
		},
		{
			name:    "negative script timeout",
			content: "script:\n  timeout: -5s\n",
			want:    "validation failed",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected load to fail")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestTelemetryConfigMapping(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.LogLevel = "warn"
	cfg.Telemetry.TracingEnabled = true
	cfg.Telemetry.TracingExporter = "otlp"
	cfg.Telemetry.TracingEndpoint = "collector:4317"
	cfg.Telemetry.MetricsEnabled = true

	tc := cfg.TelemetryConfig()
	if tc.Logging.Level != "warn" {
		t.Errorf("unexpected log level: %s", tc.Logging.Level)
	}
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "otlp" || tc.Tracing.Endpoint != "collector:4317" {
		t.Errorf("unexpected tracing config: %+v", tc.Tracing)
	}
	if !tc.Metrics.Enabled {
		t.Error("expected metrics enabled")
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("expected mapped telemetry config to validate, got %v", err)
	}
}
