package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// EpicTestingMode controls what happens when a critical epic's regression
// test fails while a session is running.
type EpicTestingMode string

const (
	// ModeStrict halts the owning session into the blocked state until a
	// human clears it.
	ModeStrict EpicTestingMode = "strict"

	// ModeAutonomous records the failure and lets the session proceed.
	ModeAutonomous EpicTestingMode = "autonomous"
)

// Valid reports whether the mode is one of the known values.
func (m EpicTestingMode) Valid() bool {
	return m == ModeStrict || m == ModeAutonomous
}
