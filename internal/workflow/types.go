package workflow

import (
	"encoding/json"
	"fmt"
)

// Stage represents one phase of the containerization workflow.
type Stage string

const (
	// StageAnalysis inspects the repository and detects language, framework and ports.
	StageAnalysis Stage = "analysis"

	// StageArtifactGeneration produces the build artifact (Dockerfile), optionally
	// via candidate sampling.
	StageArtifactGeneration Stage = "artifact_generation"

	// StageBuild builds the container image.
	StageBuild Stage = "build"

	// StageScan scans the built image for vulnerabilities.
	StageScan Stage = "scan"

	// StageRemediation fixes the build artifact when the scan exceeds the
	// configured vulnerability threshold. Skipped otherwise.
	StageRemediation Stage = "remediation"

	// StageManifestGeneration renders deployment manifests.
	StageManifestGeneration Stage = "manifest_generation"

	// StageDeployment applies manifests to the target cluster.
	StageDeployment Stage = "deployment"

	// StageVerification checks workload health after deployment.
	StageVerification Stage = "verification"
)

// Stages returns all stages in execution order.
func Stages() []Stage {
	return []Stage{
		StageAnalysis,
		StageArtifactGeneration,
		StageBuild,
		StageScan,
		StageRemediation,
		StageManifestGeneration,
		StageDeployment,
		StageVerification,
	}
}

// Valid reports whether s is one of the defined stages.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Index returns the position of s in the canonical order, or -1.
func (s Stage) Index() int {
	for i, stage := range Stages() {
		if stage == s {
			return i
		}
	}
	return -1
}

// Status represents the lifecycle state of a workflow session.
type Status string

const (
	StatusPending              Status = "pending"
	StatusRunning              Status = "running"
	StatusAwaitingIntervention Status = "awaiting_intervention"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
)

// Terminal reports whether no further stage may execute.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Marker returns the serialized currentStage marker for a terminal status.
func (s Status) Marker() string {
	return string(s)
}

// Severity classifies vulnerability findings.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank returns the ordering of a severity, higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ScanSummary is the scan stage output consumed by the remediation gate.
type ScanSummary struct {
	Total      int              `json:"total"`
	BySeverity map[Severity]int `json:"by_severity"`
}

// CountAtOrAbove returns the number of findings at or above the threshold.
func (s *ScanSummary) CountAtOrAbove(threshold Severity) int {
	if s == nil {
		return 0
	}
	count := 0
	for sev, n := range s.BySeverity {
		if sev.Rank() >= threshold.Rank() {
			count += n
		}
	}
	return count
}

// NextStage resolves the stage following current. Remediation is entered only
// when the scan reported findings at or above the threshold; otherwise the
// workflow transitions directly from Scan to ManifestGeneration. The second
// return is false when current is the final stage.
func NextStage(current Stage, scan *ScanSummary, threshold Severity) (Stage, bool) {
	order := Stages()
	idx := current.Index()
	if idx < 0 || idx == len(order)-1 {
		return "", false
	}
	next := order[idx+1]
	if next == StageRemediation && scan.CountAtOrAbove(threshold) == 0 {
		return StageManifestGeneration, true
	}
	return next, true
}

// AnalysisReport is the structured output of the analysis stage. It seeds the
// sampling context for artifact generation and the manifest renderer.
type AnalysisReport struct {
	Language   string   `json:"language"`
	Framework  string   `json:"framework,omitempty"`
	BuildTool  string   `json:"build_tool,omitempty"`
	Ports      []int    `json:"ports,omitempty"`
	EntryPoint string   `json:"entry_point,omitempty"`
	HasTests   bool     `json:"has_tests"`
	Files      []string `json:"files,omitempty"`
}

// ParseAnalysisReport decodes a serialized analysis stage output.
func ParseAnalysisReport(data []byte) (*AnalysisReport, error) {
	var report AnalysisReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("malformed analysis report: %w", err)
	}
	return &report, nil
}
