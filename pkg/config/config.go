package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/labdaq/labdaq/pkg/modules"
	"github.com/labdaq/labdaq/pkg/stores"
	"github.com/labdaq/labdaq/pkg/stream"
	"github.com/labdaq/labdaq/pkg/telemetry"
)

// Driver identifiers for the module controller backend.
const (
	DriverSim  = "sim"
	DriverMQTT = "mqtt"
)

// Config is the top-level labdaq configuration.
type Config struct {
	// Engine configures the run engine.
	Engine EngineConfig `yaml:"engine"`

	// Script configures the script plan runner.
	Script ScriptConfig `yaml:"script"`

	// Modules configures the module controller backend.
	Modules ModulesConfig `yaml:"modules"`

	// Store configures run persistence.
	Store StoreConfig `yaml:"store"`

	// Stream configures the document stream server.
	Stream StreamConfig `yaml:"stream"`

	// Policy configures the plan policy gate.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// EngineConfig configures the run engine.
type EngineConfig struct {
	// CheckpointDir is where run checkpoints are written.
	CheckpointDir string `yaml:"checkpoint_dir"`

	// AutoCheckpointEvery saves a checkpoint every n processed messages.
	// Zero disables automatic checkpointing.
	AutoCheckpointEvery int `yaml:"auto_checkpoint_every" validate:"gte=0"`

	// BroadcastBuffer is the per-subscriber document buffer size.
	BroadcastBuffer int `yaml:"broadcast_buffer" validate:"gte=0"`
}

// ScriptConfig configures the script plan runner.
type ScriptConfig struct {
	// Timeout bounds a whole script execution.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// MaxPlans bounds how many plans one script may execute.
	MaxPlans int `yaml:"max_plans" validate:"gt=0"`

	// ContinueOnError keeps executing plans after one fails.
	ContinueOnError bool `yaml:"continue_on_error"`

	// PlanWait bounds how long to wait for a single run to stop.
	PlanWait time.Duration `yaml:"plan_wait" validate:"gt=0"`
}

// ModulesConfig selects and configures the module controller backend.
type ModulesConfig struct {
	// Driver selects the backend, either sim or mqtt.
	Driver string `yaml:"driver" validate:"oneof=sim mqtt"`

	// Sim configures the simulated backend.
	Sim SimConfig `yaml:"sim"`

	// MQTT configures the MQTT backend. Required when driver is mqtt.
	MQTT modules.MQTTConfig `yaml:"mqtt"`
}

// SimConfig configures the simulated module controller.
type SimConfig struct {
	// Readings seeds detector readings by module identifier.
	Readings map[string]float64 `yaml:"readings"`

	// Noise is the standard deviation added to readings.
	Noise float64 `yaml:"noise" validate:"gte=0"`

	// Latency is the simulated per-command delay.
	Latency time.Duration `yaml:"latency" validate:"gte=0"`
}

// StoreConfig configures run persistence.
type StoreConfig struct {
	// Enabled turns run recording on.
	Enabled bool `yaml:"enabled"`

	// SQLite holds the database settings.
	SQLite stores.Config `yaml:"sqlite"`
}

// StreamConfig configures the document stream server.
type StreamConfig struct {
	// Enabled turns the stream server on.
	Enabled bool `yaml:"enabled"`

	// Server holds the listener settings.
	Server stream.Config `yaml:"server"`
}

// PolicyConfig configures the plan policy gate.
type PolicyConfig struct {
	// Enabled turns policy evaluation on. Built-in policies always load
	// when enabled.
	Enabled bool `yaml:"enabled"`

	// Paths lists extra policy files or directories to load.
	Paths []string `yaml:"paths"`

	// Watch reloads policies when the files change.
	Watch bool `yaml:"watch"`
}

// TelemetryConfig is the YAML-facing subset of the telemetry settings.
type TelemetryConfig struct {
	// Environment is the deployment environment name.
	Environment string `yaml:"environment"`

	// LogLevel sets the minimum log level.
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`

	// LogFormat selects console or json output.
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`

	// TracingEnabled turns distributed tracing on.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// TracingExporter selects the exporter, one of otlp, stdout, none.
	TracingExporter string `yaml:"tracing_exporter" validate:"oneof=otlp stdout none"`

	// TracingEndpoint is the OTLP collector endpoint.
	TracingEndpoint string `yaml:"tracing_endpoint"`

	// MetricsEnabled turns the Prometheus endpoint on.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// MetricsAddr is the metrics listen address.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			CheckpointDir:   "checkpoints",
			BroadcastBuffer: 256,
		},
		Script: ScriptConfig{
			Timeout:         time.Hour,
			MaxPlans:        1000,
			ContinueOnError: false,
			PlanWait:        300 * time.Second,
		},
		Modules: ModulesConfig{
			Driver: DriverSim,
			Sim: SimConfig{
				Readings: map[string]float64{},
			},
		},
		Store: StoreConfig{
			Enabled: false,
			SQLite:  stores.DefaultConfig("labdaq.db"),
		},
		Stream: StreamConfig{
			Enabled: false,
			Server:  stream.DefaultConfig(),
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			Environment:     "development",
			LogLevel:        "info",
			LogFormat:       "console",
			TracingEnabled:  false,
			TracingExporter: "none",
			MetricsEnabled:  false,
			MetricsAddr:     ":9090",
		},
	}
}

// Load reads a YAML configuration file on top of the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration with struct tags plus the
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if c.Modules.Driver == DriverMQTT && c.Modules.MQTT.BrokerURL == "" {
		return fmt.Errorf("config validation failed: modules.mqtt.broker_url is required for the mqtt driver")
	}
	if c.Store.Enabled && c.Store.SQLite.Path == "" {
		return fmt.Errorf("config validation failed: store.sqlite.path is required when the store is enabled")
	}

	return nil
}

// TelemetryConfig builds the full telemetry configuration from the YAML
// subset.
func (c *Config) TelemetryConfig() *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Environment = c.Telemetry.Environment
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tc.Metrics.ListenAddress = c.Telemetry.MetricsAddr
	return tc
}
