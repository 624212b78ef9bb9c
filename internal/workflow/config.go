package workflow

import (
	"fmt"
	"strings"
	"time"
)

// RecoveryKind selects how a stage responds to failure.
type RecoveryKind string

const (
	// RecoveryRetry re-executes the stage with exponential backoff, bounded
	// by MaxAttempts additional attempts.
	RecoveryRetry RecoveryKind = "retry"
	// RecoveryFallback invokes the registered fallback adapter once.
	RecoveryFallback RecoveryKind = "fallback"
	// RecoverySkip proceeds to the next stage with a warning; the stage output
	// is omitted.
	RecoverySkip RecoveryKind = "skip"
	// RecoveryManual parks the session awaiting an explicit resume or cancel.
	RecoveryManual RecoveryKind = "manual"
	// RecoveryAbort terminates the workflow as failed.
	RecoveryAbort RecoveryKind = "abort"
)

// Valid reports whether k is a known recovery kind.
func (k RecoveryKind) Valid() bool {
	switch k {
	case RecoveryRetry, RecoveryFallback, RecoverySkip, RecoveryManual, RecoveryAbort:
		return true
	}
	return false
}

// RecoveryPolicy is the configured failure response for one stage.
type RecoveryPolicy struct {
	Kind RecoveryKind `json:"kind"`

	// MaxAttempts is the number of retries after the initial attempt.
	// Only meaningful for RecoveryRetry.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Backoff is the initial retry backoff. Doubles per attempt.
	Backoff time.Duration `json:"backoff_ms,omitempty"`
}

// DeploymentStrategy selects how manifests roll out.
type DeploymentStrategy string

const (
	StrategyRolling  DeploymentStrategy = "rolling"
	StrategyRecreate DeploymentStrategy = "recreate"
)

const (
	// MinCandidates and MaxCandidates bound the sampling fan-out.
	MinCandidates = 3
	MaxCandidates = 10

	// DefaultWorkflowTimeout bounds a full workflow run.
	DefaultWorkflowTimeout = 600 * time.Second

	defaultStageTimeout = 60 * time.Second
)

// Config is the resolved configuration of one workflow execution.
type Config struct {
	EnableSampling         bool                     `json:"enable_sampling"`
	MaxCandidates          int                      `json:"max_candidates"`
	VulnerabilityThreshold Severity                 `json:"vulnerability_threshold"`
	TargetEnvironment      string                   `json:"target_environment"`
	DeploymentStrategy     DeploymentStrategy       `json:"deployment_strategy"`
	StageTimeouts          map[Stage]time.Duration  `json:"stage_timeouts"`
	WorkflowTimeout        time.Duration            `json:"workflow_timeout"`
	Recovery               map[Stage]RecoveryPolicy `json:"recovery"`
}

// DefaultConfig returns the stock workflow configuration: sampling off,
// threshold high, build/scan/deploy with longer deadlines, retry policies on
// the stages that talk to flaky external tooling.
func DefaultConfig() Config {
	return Config{
		EnableSampling:         false,
		MaxCandidates:          MinCandidates,
		VulnerabilityThreshold: SeverityHigh,
		TargetEnvironment:      "default",
		DeploymentStrategy:     StrategyRolling,
		WorkflowTimeout:        DefaultWorkflowTimeout,
		StageTimeouts: map[Stage]time.Duration{
			StageBuild:      300 * time.Second,
			StageScan:       180 * time.Second,
			StageDeployment: 300 * time.Second,
		},
		Recovery: map[Stage]RecoveryPolicy{
			StageAnalysis:           {Kind: RecoveryAbort},
			StageArtifactGeneration: {Kind: RecoveryRetry, MaxAttempts: 2, Backoff: 500 * time.Millisecond},
			StageBuild:              {Kind: RecoveryRetry, MaxAttempts: 2, Backoff: time.Second},
			StageScan:               {Kind: RecoveryRetry, MaxAttempts: 1, Backoff: time.Second},
			StageRemediation:        {Kind: RecoveryManual},
			StageManifestGeneration: {Kind: RecoveryRetry, MaxAttempts: 2, Backoff: 500 * time.Millisecond},
			StageDeployment:         {Kind: RecoveryRetry, MaxAttempts: 1, Backoff: 2 * time.Second},
			StageVerification:       {Kind: RecoverySkip},
		},
	}
}

// StageTimeout returns the execution deadline for a stage.
func (c Config) StageTimeout(s Stage) time.Duration {
	if d, ok := c.StageTimeouts[s]; ok && d > 0 {
		return d
	}
	return defaultStageTimeout
}

// RecoveryFor returns the configured recovery policy for a stage.
// Stages without an explicit policy abort on failure.
func (c Config) RecoveryFor(s Stage) RecoveryPolicy {
	if p, ok := c.Recovery[s]; ok && p.Kind.Valid() {
		return p
	}
	return RecoveryPolicy{Kind: RecoveryAbort}
}

// Validate checks declared ranges. All violations are reported together.
func (c Config) Validate() error {
	var problems []string

	if c.MaxCandidates < MinCandidates || c.MaxCandidates > MaxCandidates {
		problems = append(problems, fmt.Sprintf(
			"max_candidates must be in [%d,%d], got %d", MinCandidates, MaxCandidates, c.MaxCandidates))
	}
	if !c.VulnerabilityThreshold.Valid() {
		problems = append(problems, fmt.Sprintf(
			"vulnerability_threshold %q is not one of critical|high|medium|low", c.VulnerabilityThreshold))
	}
	switch c.DeploymentStrategy {
	case StrategyRolling, StrategyRecreate:
	default:
		problems = append(problems, fmt.Sprintf(
			"deployment_strategy %q is not one of rolling|recreate", c.DeploymentStrategy))
	}
	if c.WorkflowTimeout <= 0 {
		problems = append(problems, "workflow_timeout must be positive")
	}
	for stage, d := range c.StageTimeouts {
		if !stage.Valid() {
			problems = append(problems, fmt.Sprintf("stage_timeouts references unknown stage %q", stage))
		}
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("stage timeout for %s must be positive", stage))
		}
	}
	for stage, policy := range c.Recovery {
		if !stage.Valid() {
			problems = append(problems, fmt.Sprintf("recovery references unknown stage %q", stage))
		}
		if !policy.Kind.Valid() {
			problems = append(problems, fmt.Sprintf("recovery kind %q for stage %s is unknown", policy.Kind, stage))
		}
		if policy.Kind == RecoveryRetry && policy.MaxAttempts < 1 {
			problems = append(problems, fmt.Sprintf("retry policy for %s needs max_attempts >= 1", stage))
		}
	}

	if len(problems) > 0 {
		return &Error{Kind: KindInvalidConfig, Err: fmt.Errorf("%s", strings.Join(problems, "; "))}
	}
	return nil
}
