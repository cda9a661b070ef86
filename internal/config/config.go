// Package config provides configuration loading for sessiond.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the sessiond daemon.
// It is built once at startup and passed into constructors; nothing reads
// it from ambient state after that.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Storage       StorageConfig       `koanf:"storage"`
	Logging       LoggingConfig       `koanf:"logging"`
	Retry         RetryConfig         `koanf:"retry"`
	Heartbeat     HeartbeatConfig     `koanf:"heartbeat"`
	Notifications NotificationConfig  `koanf:"notifications"`
	EpicTesting   EpicTestingConfig   `koanf:"epic_testing"`
	Telemetry     TelemetryConfig     `koanf:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `koanf:"path"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// RetryConfig holds defaults for the retry executor wrapping storage calls.
type RetryConfig struct {
	MaxAttempts    int      `koanf:"max_attempts"`
	BaseDelay      Duration `koanf:"base_delay"`
	MaxDelay       Duration `koanf:"max_delay"`
	JitterFraction float64  `koanf:"jitter_fraction"`
}

// HeartbeatConfig controls liveness tracking for running sessions.
type HeartbeatConfig struct {
	// Interval is the cadence at which running sessions write heartbeats.
	Interval Duration `koanf:"interval"`

	// StaleThreshold is the heartbeat age beyond which a running session
	// is considered stale and surfaced for intervention.
	StaleThreshold Duration `koanf:"stale_threshold"`

	// ScanInterval is how often the stale-session scanner runs.
	ScanInterval Duration `koanf:"scan_interval"`
}

// NotificationConfig controls the notification side-channel.
type NotificationConfig struct {
	// NATSURL is the NATS server URL. Empty disables the NATS sink.
	NATSURL string `koanf:"nats_url"`

	// Subject is the NATS subject notifications are published to.
	Subject string `koanf:"subject"`

	// MinInterval is the per-project minimum gap between notifications.
	MinInterval Duration `koanf:"min_interval"`
}

// EpicTestingConfig controls the epic retest scheduler.
type EpicTestingConfig struct {
	// Mode is strict or autonomous.
	Mode EpicTestingMode `koanf:"mode"`

	// TriggerEvery runs the retest scheduler after this many newly
	// completed epics.
	TriggerEvery int `koanf:"trigger_every"`

	// FoundationCount marks the first N completed epics of a project as
	// foundation units for candidate selection.
	FoundationCount int `koanf:"foundation_count"`

	// FreshnessThreshold flags epics whose last retest is older than this.
	FreshnessThreshold Duration `koanf:"freshness_threshold"`
}

// TelemetryConfig controls OTLP trace and metric export. Disabled by
// default so a fresh install does not need a collector running.
type TelemetryConfig struct {
	Enabled        bool   `koanf:"enabled"`
	Endpoint       string `koanf:"endpoint"`
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`

	// Protocol selects the OTLP transport: "grpc" or "http/protobuf".
	Protocol string `koanf:"protocol"`

	// Insecure allows plaintext export. Only honored for local endpoints.
	Insecure bool `koanf:"insecure"`

	// SampleRate is the trace sampling ratio in [0,1].
	SampleRate float64 `koanf:"sample_rate"`

	// MetricInterval is the periodic metric export interval.
	MetricInterval Duration `koanf:"metric_interval"`

	// ShutdownTimeout bounds the final telemetry flush.
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Default returns a Config populated with production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8480,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Path: "sessiond.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			BaseDelay:      Duration(100 * time.Millisecond),
			MaxDelay:       Duration(5 * time.Second),
			JitterFraction: 0.2,
		},
		Heartbeat: HeartbeatConfig{
			Interval:       Duration(30 * time.Second),
			StaleThreshold: Duration(10 * time.Minute),
			ScanInterval:   Duration(time.Minute),
		},
		Notifications: NotificationConfig{
			Subject:     "sessiond.interventions",
			MinInterval: Duration(5 * time.Minute),
		},
		EpicTesting: EpicTestingConfig{
			Mode:               ModeAutonomous,
			TriggerEvery:       3,
			FoundationCount:    3,
			FreshnessThreshold: Duration(72 * time.Hour),
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "sessiond",
			ServiceVersion:  "0.1.0",
			Protocol:        "grpc",
			Insecure:        true,
			SampleRate:      1.0,
			MetricInterval:  Duration(15 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		return fmt.Errorf("retry.jitter_fraction must be in [0,1], got %v", c.Retry.JitterFraction)
	}
	if c.Heartbeat.StaleThreshold <= 0 {
		return fmt.Errorf("heartbeat.stale_threshold must be positive")
	}
	if !c.EpicTesting.Mode.Valid() {
		return fmt.Errorf("epic_testing.mode must be %q or %q, got %q", ModeStrict, ModeAutonomous, c.EpicTesting.Mode)
	}
	if c.EpicTesting.TriggerEvery < 1 {
		return fmt.Errorf("epic_testing.trigger_every must be at least 1, got %d", c.EpicTesting.TriggerEvery)
	}
	if err := c.Telemetry.validate(); err != nil {
		return err
	}
	return nil
}

func (t *TelemetryConfig) validate() error {
	if !t.Enabled {
		return nil
	}
	if t.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	if t.ServiceName == "" {
		return fmt.Errorf("telemetry.service_name is required when telemetry is enabled")
	}
	switch t.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http/protobuf, got %q", t.Protocol)
	}
	if t.Insecure && !isLocalEndpoint(t.Endpoint) {
		return fmt.Errorf("telemetry.insecure is only allowed for local endpoints")
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be in [0,1], got %v", t.SampleRate)
	}
	if t.MetricInterval <= 0 {
		return fmt.Errorf("telemetry.metric_interval must be positive")
	}
	if t.ShutdownTimeout <= 0 {
		return fmt.Errorf("telemetry.shutdown_timeout must be positive")
	}
	return nil
}

// isLocalEndpoint reports whether endpoint points at the local host.
// Plaintext export is refused for anything else.
func isLocalEndpoint(endpoint string) bool {
	host := endpoint
	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]:"); idx != -1 {
			host = host[1:idx]
		} else if strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	} else if strings.Count(host, ":") == 1 {
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
	}
	return host == "localhost" ||
		host == "::1" ||
		strings.HasPrefix(host, "127.")
}
