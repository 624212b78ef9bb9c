package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/workflow"
)

// scanAdapter runs trivy against the built image and condenses the report
// into the severity summary the remediation gate consumes.
type scanAdapter struct {
	runner Runner
	logger *zap.Logger
}

// NewScanAdapter creates the scan stage adapter.
func NewScanAdapter(runner Runner, logger *zap.Logger) workflow.Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &scanAdapter{runner: runner, logger: logger}
}

func (s *scanAdapter) Kind() workflow.Stage { return workflow.StageScan }

// trivyReport mirrors the subset of trivy's JSON output we consume.
type trivyReport struct {
	Results []struct {
		Target          string `json:"Target"`
		Vulnerabilities []struct {
			VulnerabilityID string `json:"VulnerabilityID"`
			Severity        string `json:"Severity"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

func (s *scanAdapter) Execute(ctx context.Context, in *workflow.Input) (*workflow.Output, error) {
	imageRef := strings.TrimSpace(string(in.Payload))
	if imageRef == "" {
		return nil, fmt.Errorf("scan needs the built image reference")
	}

	raw, err := s.runner.Run(ctx, "trivy",
		"image", "--format", "json", "--quiet", imageRef)
	if err != nil {
		return nil, fmt.Errorf("trivy scan of %s: %w", imageRef, err)
	}
	summary, err := summarizeTrivy(raw)
	if err != nil {
		return nil, fmt.Errorf("trivy report for %s: %w", imageRef, err)
	}

	if in.Publisher != nil {
		if uri, perr := in.Publisher.Publish(ctx, "scan-report", raw, "application/json", time.Hour); perr == nil {
			s.logger.Debug("scan report published", zap.String("uri", uri))
		}
	}

	s.logger.Info("image scanned",
		zap.String("session_id", in.SessionID),
		zap.String("image", imageRef),
		zap.Int("findings", summary.Total))

	content, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}
	return &workflow.Output{
		Content:  content,
		MimeType: "application/json",
		Scan:     summary,
	}, nil
}

// summarizeTrivy folds a raw trivy JSON report into per-severity counts.
// Unknown severities are dropped rather than miscounted.
func summarizeTrivy(raw []byte) (*workflow.ScanSummary, error) {
	var report trivyReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, err
	}
	summary := &workflow.ScanSummary{
		BySeverity: make(map[workflow.Severity]int),
	}
	for _, result := range report.Results {
		for _, vuln := range result.Vulnerabilities {
			sev := workflow.Severity(strings.ToLower(vuln.Severity))
			if !sev.Valid() {
				continue
			}
			summary.BySeverity[sev]++
			summary.Total++
		}
	}
	return summary, nil
}
