package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Load loads configuration from an optional YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. SESSIOND_* environment variables (SESSIOND_SERVER_PORT, etc.)
//  2. YAML config file
//  3. Hardcoded defaults
//
// An empty configPath skips the file layer entirely.
func Load(configPath string) (*Config, error) {
	var content []byte
	if configPath != "" {
		b, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
		} else {
			content = b
		}
	}
	return LoadBytes(content)
}

// LoadBytes builds configuration from raw YAML content plus environment
// variables. A nil or empty content applies defaults and env only.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Override with environment variables. The prefix keeps ambient vars
	// like PATH out of the key space.
	// Example: SESSIOND_SERVER_PORT -> server.port,
	// SESSIOND_EPIC_TESTING_MODE -> epic_testing.mode
	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envPrefix scopes which environment variables the loader reads.
const envPrefix = "SESSIOND_"

// envTransform maps environment variable names to config keys.
// Section names that themselves contain underscores (epic_testing) are
// handled explicitly; everything else splits on the first underscore.
func envTransform(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))

	for _, section := range []string{"epic_testing"} {
		if strings.HasPrefix(lower, section+"_") {
			return section + "." + strings.TrimPrefix(lower, section+"_")
		}
	}

	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}
