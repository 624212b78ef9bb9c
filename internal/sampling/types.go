package sampling

import (
	"errors"

	"github.com/gambtho/container-assist/internal/workflow"
)

// ErrNoCandidates is returned when every generation strategy failed.
var ErrNoCandidates = errors.New("no candidates produced")

// Context carries the inputs strategies and scorers work from. It is derived
// from the analysis stage output and the session configuration.
type Context struct {
	Stage      workflow.Stage
	Repository string

	Language   string
	Framework  string
	BuildTool  string
	EntryPoint string
	Ports      []int

	ImageRef           string
	TargetEnvironment  string
	DeploymentStrategy workflow.DeploymentStrategy

	// Extra holds free-form hints forwarded to strategies.
	Extra map[string]string
}

// Candidate is one generated artifact variant.
type Candidate struct {
	// Seq is the generation order, used for deterministic tie-breaking.
	Seq int `json:"seq"`

	// StrategyID names the strategy that produced this candidate.
	StrategyID string `json:"strategy_id"`

	// Content is the generated artifact text.
	Content string `json:"content"`
}

// ScoredCandidate pairs a candidate with its weighted score.
type ScoredCandidate struct {
	Candidate

	// Score is the weighted sum of the breakdown components.
	Score float64 `json:"score"`

	// Breakdown reports each weighted component by name. The components sum
	// to Score.
	Breakdown map[string]float64 `json:"score_breakdown"`
}
