// Package config loads the optional YAML configuration of the capture
// pipeline. Positional and display arguments on the command line always
// take precedence over file values.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete file configuration.
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	Devices          DevicesConfig   `yaml:"devices"`
	Pipeline         PipelineConfig  `yaml:"pipeline"`
	Display          DisplayConfig   `yaml:"display"`
	Log              LogConfig       `yaml:"log"`
	Health           HealthConfig    `yaml:"health"`
	Telemetry        TelemetryConfig `yaml:"telemetry"`
}

// DevicesConfig names the device nodes.
type DevicesConfig struct {
	Capture   string `yaml:"capture"`   // capture node (default: /dev/video1)
	Transform string `yaml:"transform"` // memory-to-memory scaler node (default: /dev/video0)
	Card      string `yaml:"card"`      // DRM card node (default: /dev/dri/card0)
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	Buffers    int `yaml:"buffers"`     // buffers per direction (default: 6)
	FrameLimit int `yaml:"frame_limit"` // stop after this many displayed frames, 0 runs forever
	FPSWindow  int `yaml:"fps_window"`  // displayed frames kept for fps statistics (default: 120)
}

// DisplayConfig holds display settings that have no command line form.
type DisplayConfig struct {
	Background string `yaml:"background"` // kms primary plane colour, #rrggbb (default: #000000)
}

// LogConfig selects the log output.
type LogConfig struct {
	Format string `yaml:"format"` // json, text (default: text)
	Level  string `yaml:"level"`  // logrus level name (default: info)
}

// HealthConfig configures the health and stats server.
type HealthConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Addr             string `yaml:"addr"`               // listen address (default: :8090)
	StreamIntervalMS int    `yaml:"stream_interval_ms"` // websocket push period (default: 1000)
}

// TelemetryConfig configures the MQTT stats publisher.
type TelemetryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`     // host:port
	Topic     string `yaml:"topic"`      // default: care/capture/<instance_id>/stats
	QoS       byte   `yaml:"qos"`        // 0, 1 or 2
	IntervalS int    `yaml:"interval_s"` // publish period (default: 5)
	Encoding  string `yaml:"encoding"`   // json, msgpack (default: json)
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	cfg := &Config{}
	// A zero config always validates.
	_ = Validate(cfg)
	return cfg
}

// Load reads, parses and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
