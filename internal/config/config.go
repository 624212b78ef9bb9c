// Package config provides configuration loading for container-assist.
//
// Configuration is resolved from hardcoded defaults, then the YAML config
// file, then environment variables, with later sources winning.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/gambtho/container-assist/internal/resources"
	"github.com/gambtho/container-assist/internal/sampling"
	"github.com/gambtho/container-assist/internal/session"
	"github.com/gambtho/container-assist/internal/workflow"
)

// Config holds the complete container-assist configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Cache         CacheConfig         `koanf:"cache"`
	Session       SessionConfig       `koanf:"session"`
	Sampling      SamplingConfig      `koanf:"sampling"`
	Workflow      WorkflowConfig      `koanf:"workflow"`
	Tools         ToolsConfig         `koanf:"tools"`
	LLM           LLMConfig           `koanf:"llm"`
}

// LLMConfig holds the optional model backing LLM-assisted remediation. An
// empty Model disables the model path; remediation then uses its mechanical
// fallback. The API key is read from OPENAI_API_KEY, never from the file.
type LLMConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

// ServerConfig holds the HTTP API configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds logging and telemetry configuration.
type ObservabilityConfig struct {
	ServiceName string `koanf:"service_name"`
	LogLevel    string `koanf:"log_level"`
	LogFormat   string `koanf:"log_format"` // json or console
}

// CacheConfig holds resource cache configuration.
type CacheConfig struct {
	MaxPayloadKB  int           `koanf:"max_payload_kb"`
	DefaultTTL    time.Duration `koanf:"default_ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// SessionConfig holds session store configuration.
type SessionConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// SamplingConfig holds sampling engine configuration.
type SamplingConfig struct {
	MaxParallel int `koanf:"max_parallel"`
}

// WorkflowConfig holds the default per-session workflow settings. Sessions
// can override these at creation.
type WorkflowConfig struct {
	EnableSampling         bool          `koanf:"enable_sampling"`
	MaxCandidates          int           `koanf:"max_candidates"`
	VulnerabilityThreshold string        `koanf:"vulnerability_threshold"`
	TargetEnvironment      string        `koanf:"target_environment"`
	DeploymentStrategy     string        `koanf:"deployment_strategy"`
	Timeout                time.Duration `koanf:"timeout"`
}

// ToolsConfig holds external tooling configuration.
type ToolsConfig struct {
	Registry  string `koanf:"registry"`
	Namespace string `koanf:"namespace"`
}

// applyDefaults fills zero values with production defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "container-assist"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Cache.MaxPayloadKB == 0 {
		cfg.Cache.MaxPayloadKB = 5 * 1024
	}
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = time.Hour
	}
	if cfg.Cache.SweepInterval == 0 {
		cfg.Cache.SweepInterval = time.Minute
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = 24 * time.Hour
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = 5 * time.Minute
	}
	if cfg.Sampling.MaxParallel == 0 {
		cfg.Sampling.MaxParallel = 3
	}
	if cfg.Workflow.MaxCandidates == 0 {
		cfg.Workflow.MaxCandidates = workflow.MinCandidates
	}
	if cfg.Workflow.VulnerabilityThreshold == "" {
		cfg.Workflow.VulnerabilityThreshold = string(workflow.SeverityHigh)
	}
	if cfg.Workflow.TargetEnvironment == "" {
		cfg.Workflow.TargetEnvironment = "default"
	}
	if cfg.Workflow.DeploymentStrategy == "" {
		cfg.Workflow.DeploymentStrategy = string(workflow.StrategyRolling)
	}
	if cfg.Workflow.Timeout == 0 {
		cfg.Workflow.Timeout = workflow.DefaultWorkflowTimeout
	}
	if cfg.Tools.Registry == "" {
		cfg.Tools.Registry = "localhost:5000"
	}
	if cfg.Tools.Namespace == "" {
		cfg.Tools.Namespace = "default"
	}
}

// Validate checks the configuration against declared ranges.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be in [1,65535], got %d", c.Server.Port))
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("observability.log_format must be json or console, got %q", c.Observability.LogFormat))
	}
	if c.Cache.MaxPayloadKB < 1 {
		errs = append(errs, errors.New("cache.max_payload_kb must be positive"))
	}
	if c.Session.TTL < time.Minute {
		errs = append(errs, fmt.Errorf("session.ttl must be at least 1m, got %s", c.Session.TTL))
	}
	if err := c.ToWorkflowConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ToWorkflowConfig projects the default workflow settings onto the stock
// per-session configuration.
func (c *Config) ToWorkflowConfig() workflow.Config {
	wf := workflow.DefaultConfig()
	wf.EnableSampling = c.Workflow.EnableSampling
	wf.MaxCandidates = c.Workflow.MaxCandidates
	wf.VulnerabilityThreshold = workflow.Severity(c.Workflow.VulnerabilityThreshold)
	wf.TargetEnvironment = c.Workflow.TargetEnvironment
	wf.DeploymentStrategy = workflow.DeploymentStrategy(c.Workflow.DeploymentStrategy)
	wf.WorkflowTimeout = c.Workflow.Timeout
	return wf
}

// ToCacheConfig projects the cache section onto the resource service config.
func (c *Config) ToCacheConfig() *resources.Config {
	cfg := resources.DefaultConfig()
	cfg.MaxPayloadBytes = int64(c.Cache.MaxPayloadKB) * 1024
	cfg.DefaultTTL = c.Cache.DefaultTTL
	cfg.SweepInterval = c.Cache.SweepInterval
	return cfg
}

// ToSessionConfig projects the session section onto the store config. New
// sessions inherit the configured workflow defaults.
func (c *Config) ToSessionConfig() *session.Config {
	wf := c.ToWorkflowConfig()
	return &session.Config{
		TTL:           c.Session.TTL,
		SweepInterval: c.Session.SweepInterval,
		Defaults:      &wf,
	}
}

// ToSamplingConfig projects the sampling section onto the engine config.
func (c *Config) ToSamplingConfig() *sampling.Config {
	cfg := sampling.DefaultEngineConfig()
	cfg.MaxParallel = c.Sampling.MaxParallel
	return cfg
}
