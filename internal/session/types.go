package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gambtho/container-assist/internal/workflow"
)

var (
	// ErrNotFound marks a lookup for an unknown session.
	ErrNotFound = errors.New("session not found")

	// ErrExpired marks an update against a session past its TTL.
	ErrExpired = errors.New("session expired")

	// ErrClosed rejects operations after Close.
	ErrClosed = errors.New("session store is closed")
)

// State tracks a session's position in the stage machine.
type State struct {
	// Status is the session lifecycle state.
	Status workflow.Status `json:"status"`

	// CurrentStage is the stage being executed. Meaningless once Status is
	// terminal; the serialized currentStage then carries the terminal marker.
	CurrentStage workflow.Stage `json:"-"`

	// CompletedStages is the ordered list of finished stages. It is a strict
	// prefix of the canonical order except across explicitly skipped stages.
	CompletedStages []workflow.Stage `json:"completedStages"`

	// RetryCounts tracks recovery attempts per stage. Reset to zero when the
	// stage eventually succeeds.
	RetryCounts map[workflow.Stage]int `json:"retryCounts"`

	// Errors records the last error message per stage.
	Errors map[workflow.Stage]string `json:"errors"`
}

// stateJSON is the persisted layout: currentStage holds either a stage name
// or a terminal marker (completed/failed/cancelled).
type stateJSON struct {
	Status          workflow.Status           `json:"status"`
	CurrentStage    string                    `json:"currentStage"`
	CompletedStages []workflow.Stage          `json:"completedStages"`
	RetryCounts     map[workflow.Stage]int    `json:"retryCounts"`
	Errors          map[workflow.Stage]string `json:"errors"`
}

// MarshalJSON serializes the state per the session persistence contract.
func (s State) MarshalJSON() ([]byte, error) {
	current := string(s.CurrentStage)
	if s.Status.Terminal() {
		current = s.Status.Marker()
	}
	return json.Marshal(stateJSON{
		Status:          s.Status,
		CurrentStage:    current,
		CompletedStages: s.CompletedStages,
		RetryCounts:     s.RetryCounts,
		Errors:          s.Errors,
	})
}

// UnmarshalJSON restores state from the persisted layout.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Status = raw.Status
	s.CompletedStages = raw.CompletedStages
	s.RetryCounts = raw.RetryCounts
	s.Errors = raw.Errors
	if stage := workflow.Stage(raw.CurrentStage); stage.Valid() {
		s.CurrentStage = stage
	}
	return nil
}

// Session is the record of one workflow execution.
type Session struct {
	ID             string            `json:"id"`
	Repository     string            `json:"repository"`
	Config         workflow.Config   `json:"config"`
	State          State             `json:"state"`
	Artifacts      map[string]string `json:"artifacts"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
}

// clone deep-copies a session so callers never share mutable state with the
// store.
func (s *Session) clone() *Session {
	out := *s
	out.State.CompletedStages = append([]workflow.Stage(nil), s.State.CompletedStages...)
	out.State.RetryCounts = make(map[workflow.Stage]int, len(s.State.RetryCounts))
	for k, v := range s.State.RetryCounts {
		out.State.RetryCounts[k] = v
	}
	out.State.Errors = make(map[workflow.Stage]string, len(s.State.Errors))
	for k, v := range s.State.Errors {
		out.State.Errors[k] = v
	}
	out.Artifacts = make(map[string]string, len(s.Artifacts))
	for k, v := range s.Artifacts {
		out.Artifacts[k] = v
	}
	out.Config.StageTimeouts = make(map[workflow.Stage]time.Duration, len(s.Config.StageTimeouts))
	for k, v := range s.Config.StageTimeouts {
		out.Config.StageTimeouts[k] = v
	}
	out.Config.Recovery = make(map[workflow.Stage]workflow.RecoveryPolicy, len(s.Config.Recovery))
	for k, v := range s.Config.Recovery {
		out.Config.Recovery[k] = v
	}
	return &out
}

// Overrides carries per-session workflow configuration overrides merged onto
// the defaults at creation. Nil fields keep the default.
type Overrides struct {
	EnableSampling         *bool                        `json:"enable_sampling,omitempty"`
	MaxCandidates          *int                         `json:"max_candidates,omitempty"`
	VulnerabilityThreshold *workflow.Severity           `json:"vulnerability_threshold,omitempty"`
	TargetEnvironment      *string                      `json:"target_environment,omitempty"`
	DeploymentStrategy     *workflow.DeploymentStrategy `json:"deployment_strategy,omitempty"`
	WorkflowTimeout        *time.Duration               `json:"workflow_timeout,omitempty"`

	StageTimeouts map[workflow.Stage]time.Duration           `json:"stage_timeouts,omitempty"`
	Recovery      map[workflow.Stage]workflow.RecoveryPolicy `json:"recovery,omitempty"`
}

// Apply merges the overrides onto a base configuration.
func (o *Overrides) Apply(base workflow.Config) workflow.Config {
	if o == nil {
		return base
	}
	if o.EnableSampling != nil {
		base.EnableSampling = *o.EnableSampling
	}
	if o.MaxCandidates != nil {
		base.MaxCandidates = *o.MaxCandidates
	}
	if o.VulnerabilityThreshold != nil {
		base.VulnerabilityThreshold = *o.VulnerabilityThreshold
	}
	if o.TargetEnvironment != nil {
		base.TargetEnvironment = *o.TargetEnvironment
	}
	if o.DeploymentStrategy != nil {
		base.DeploymentStrategy = *o.DeploymentStrategy
	}
	if o.WorkflowTimeout != nil {
		base.WorkflowTimeout = *o.WorkflowTimeout
	}
	for stage, d := range o.StageTimeouts {
		base.StageTimeouts[stage] = d
	}
	for stage, p := range o.Recovery {
		base.Recovery[stage] = p
	}
	return base
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status     workflow.Status
	Repository string
}

func (f Filter) matches(s *Session) bool {
	if f.Status != "" && s.State.Status != f.Status {
		return false
	}
	if f.Repository != "" && s.Repository != f.Repository {
		return false
	}
	return true
}
