package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.False(t, cfg.EnableSampling)
	assert.Equal(t, MinCandidates, cfg.MaxCandidates)
	assert.Equal(t, SeverityHigh, cfg.VulnerabilityThreshold)
	assert.Equal(t, DefaultWorkflowTimeout, cfg.WorkflowTimeout)
	assert.Equal(t, 300*time.Second, cfg.StageTimeout(StageBuild))
	assert.Equal(t, 180*time.Second, cfg.StageTimeout(StageScan))
	assert.Equal(t, 300*time.Second, cfg.StageTimeout(StageDeployment))
	// Stages without an explicit timeout get the default.
	assert.Equal(t, 60*time.Second, cfg.StageTimeout(StageAnalysis))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "max candidates below range",
			mutate:  func(c *Config) { c.MaxCandidates = 2 },
			wantErr: "max_candidates",
		},
		{
			name:    "max candidates above range",
			mutate:  func(c *Config) { c.MaxCandidates = 11 },
			wantErr: "max_candidates",
		},
		{
			name:    "unknown threshold",
			mutate:  func(c *Config) { c.VulnerabilityThreshold = "extreme" },
			wantErr: "vulnerability_threshold",
		},
		{
			name:    "unknown deployment strategy",
			mutate:  func(c *Config) { c.DeploymentStrategy = "yolo" },
			wantErr: "deployment_strategy",
		},
		{
			name:    "non-positive workflow timeout",
			mutate:  func(c *Config) { c.WorkflowTimeout = 0 },
			wantErr: "workflow_timeout",
		},
		{
			name:    "unknown stage in timeouts",
			mutate:  func(c *Config) { c.StageTimeouts[Stage("nope")] = time.Second },
			wantErr: "unknown stage",
		},
		{
			name:    "retry without attempts",
			mutate:  func(c *Config) { c.Recovery[StageBuild] = RecoveryPolicy{Kind: RecoveryRetry} },
			wantErr: "max_attempts",
		},
		{
			name:    "unknown recovery kind",
			mutate:  func(c *Config) { c.Recovery[StageBuild] = RecoveryPolicy{Kind: "pray"} },
			wantErr: "recovery kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, KindInvalidConfig, KindOf(err))
		})
	}
}

func TestConfig_RecoveryFor(t *testing.T) {
	cfg := DefaultConfig()

	policy := cfg.RecoveryFor(StageBuild)
	assert.Equal(t, RecoveryRetry, policy.Kind)
	assert.Equal(t, 2, policy.MaxAttempts)

	// Unconfigured stages abort.
	cfg.Recovery = nil
	assert.Equal(t, RecoveryAbort, cfg.RecoveryFor(StageBuild).Kind)
}

func TestError_KindAndUnwrap(t *testing.T) {
	cause := errors.New("docker daemon unreachable")
	err := NewError(StageBuild, KindRecoveryExhausted, 2, cause)

	assert.Equal(t, KindRecoveryExhausted, KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "stage build")
	assert.Contains(t, err.Error(), "2 recovery attempts")

	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	_, ok := reg.Adapter(StageBuild)
	assert.False(t, ok)

	primary := adapterFunc{stage: StageBuild}
	fallback := adapterFunc{stage: StageBuild}
	reg.Register(primary)
	reg.RegisterFallback(fallback)

	got, ok := reg.Adapter(StageBuild)
	require.True(t, ok)
	assert.Equal(t, primary, got)

	got, ok = reg.Fallback(StageBuild)
	require.True(t, ok)
	assert.Equal(t, fallback, got)

	_, ok = reg.Fallback(StageScan)
	assert.False(t, ok)
}

type adapterFunc struct {
	stage Stage
}

func (a adapterFunc) Kind() Stage { return a.stage }

func (a adapterFunc) Execute(_ context.Context, _ *Input) (*Output, error) {
	return &Output{}, nil
}
