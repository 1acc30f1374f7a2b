package config

import (
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"
)

var (
	instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)
	colourPattern     = regexp.MustCompile(`^#?[0-9a-fA-F]{6}$`)
)

// Validate checks cfg and fills in defaults.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "capture"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS < 0 {
		return fmt.Errorf("shutdown_timeout_s must be >= 0")
	}
	if cfg.ShutdownTimeoutS == 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if cfg.Devices.Capture == "" {
		cfg.Devices.Capture = "/dev/video1"
	}
	if cfg.Devices.Transform == "" {
		cfg.Devices.Transform = "/dev/video0"
	}
	if cfg.Devices.Card == "" {
		cfg.Devices.Card = "/dev/dri/card0"
	}

	if err := validatePipeline(&cfg.Pipeline); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	if cfg.Display.Background == "" {
		cfg.Display.Background = "#000000"
	}
	if !colourPattern.MatchString(cfg.Display.Background) {
		return fmt.Errorf("display.background must be #rrggbb, got %q", cfg.Display.Background)
	}

	if err := validateLog(&cfg.Log); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	if cfg.Health.Addr == "" {
		cfg.Health.Addr = ":8090"
	}
	if cfg.Health.StreamIntervalMS < 0 {
		return fmt.Errorf("health.stream_interval_ms must be >= 0")
	}
	if cfg.Health.StreamIntervalMS == 0 {
		cfg.Health.StreamIntervalMS = 1000
	}

	if err := validateTelemetry(&cfg.Telemetry, cfg.InstanceID); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

func validatePipeline(p *PipelineConfig) error {
	switch {
	case p.Buffers < 0:
		return fmt.Errorf("buffers must be >= 0")
	case p.Buffers == 0:
		p.Buffers = 6
	case p.Buffers < 3:
		// Deinterlacing primes with three fields.
		return fmt.Errorf("buffers must be at least 3, got %d", p.Buffers)
	}
	if p.FrameLimit < 0 {
		return fmt.Errorf("frame_limit must be >= 0")
	}
	if p.FPSWindow < 0 {
		return fmt.Errorf("fps_window must be >= 0")
	}
	if p.FPSWindow == 0 {
		p.FPSWindow = 120
	}
	return nil
}

func validateLog(l *LogConfig) error {
	switch l.Format {
	case "":
		l.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("format must be text or json, got %q", l.Format)
	}
	if l.Level == "" {
		l.Level = "info"
	}
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return err
	}
	return nil
}

func validateTelemetry(t *TelemetryConfig, instanceID string) error {
	switch t.Encoding {
	case "":
		t.Encoding = "json"
	case "json", "msgpack":
	default:
		return fmt.Errorf("encoding must be json or msgpack, got %q", t.Encoding)
	}
	if t.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", t.QoS)
	}
	if t.IntervalS < 0 {
		return fmt.Errorf("interval_s must be >= 0")
	}
	if t.IntervalS == 0 {
		t.IntervalS = 5
	}
	if t.Topic == "" {
		t.Topic = fmt.Sprintf("care/capture/%s/stats", instanceID)
	}
	if t.Enabled && t.Broker == "" {
		return fmt.Errorf("broker is required when enabled")
	}
	return nil
}
