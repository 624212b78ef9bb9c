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

const maxConfigFileSize = 1024 * 1024

// envPrefix scopes environment variables to this service. Variables are
// mapped section-first: CONTAINER_ASSIST_SERVER_HTTP_PORT -> server.http_port.
const envPrefix = "CONTAINER_ASSIST_"

// Load resolves the configuration.
//
// Precedence (highest to lowest):
//  1. Environment variables (CONTAINER_ASSIST_SERVER_HTTP_PORT, ...)
//  2. YAML config file (the configPath argument; skipped when empty or absent)
//  3. Hardcoded defaults
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		info, err := os.Stat(configPath)
		switch {
		case os.IsNotExist(err):
			// Missing file falls through to env and defaults.
		case err != nil:
			return nil, fmt.Errorf("stat config file: %w", err)
		case info.Size() > maxConfigFileSize:
			return nil, fmt.Errorf("config file %s exceeds %d bytes", configPath, maxConfigFileSize)
		default:
			content, rerr := os.ReadFile(configPath)
			if rerr != nil {
				return nil, fmt.Errorf("read config file: %w", rerr)
			}
			if lerr := k.Load(rawbytes.Provider(content), yaml.Parser()); lerr != nil {
				return nil, fmt.Errorf("parse config file %s: %w", configPath, lerr)
			}
		}
	}

	// Environment variables are uppercased with underscore separators; the
	// first underscore after the prefix splits section from field:
	//   CONTAINER_ASSIST_WORKFLOW_ENABLE_SAMPLING -> workflow.enable_sampling
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration with only hardcoded defaults applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}
