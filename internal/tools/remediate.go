package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/workflow"
)

// remediateAdapter rewrites the Dockerfile to address scan findings. With a
// model configured it asks for a targeted fix; without one, or when the model
// fails, it applies deterministic hardening rules.
type remediateAdapter struct {
	model  llms.Model
	logger *zap.Logger
}

// NewRemediateAdapter creates the remediation stage adapter. model may be nil.
func NewRemediateAdapter(model llms.Model, logger *zap.Logger) workflow.Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &remediateAdapter{model: model, logger: logger}
}

func (r *remediateAdapter) Kind() workflow.Stage { return workflow.StageRemediation }

func (r *remediateAdapter) Execute(ctx context.Context, in *workflow.Input) (*workflow.Output, error) {
	dockerfile := string(in.Payload)
	if strings.TrimSpace(dockerfile) == "" {
		return nil, fmt.Errorf("remediation needs the generated Dockerfile")
	}

	if r.model != nil {
		if fixed, err := r.remediateWithModel(ctx, dockerfile, in.Scan); err == nil {
			return &workflow.Output{Content: []byte(fixed), MimeType: "text/plain"}, nil
		} else {
			r.logger.Warn("model remediation failed, applying hardening rules",
				zap.String("session_id", in.SessionID), zap.Error(err))
		}
	}

	fixed := hardenDockerfile(dockerfile)
	if fixed == dockerfile {
		return nil, fmt.Errorf("no applicable remediation for reported findings")
	}
	r.logger.Info("dockerfile remediated",
		zap.String("session_id", in.SessionID))
	return &workflow.Output{Content: []byte(fixed), MimeType: "text/plain"}, nil
}

func (r *remediateAdapter) remediateWithModel(ctx context.Context, dockerfile string, scan *workflow.ScanSummary) (string, error) {
	var b strings.Builder
	b.WriteString("The container image built from this Dockerfile has vulnerabilities")
	if scan != nil {
		fmt.Fprintf(&b, " (%d findings", scan.Total)
		for _, sev := range []workflow.Severity{workflow.SeverityCritical, workflow.SeverityHigh} {
			if n := scan.BySeverity[sev]; n > 0 {
				fmt.Fprintf(&b, ", %d %s", n, sev)
			}
		}
		b.WriteString(")")
	}
	b.WriteString(".\nRewrite it to reduce the attack surface: update base images, ")
	b.WriteString("drop unnecessary packages, run as a non-root user.\n")
	b.WriteString("Return only the corrected Dockerfile.\n\n")
	b.WriteString(dockerfile)

	out, err := llms.GenerateFromSinglePrompt(ctx, r.model, b.String(),
		llms.WithTemperature(0.2),
		llms.WithMaxTokens(2048),
	)
	if err != nil {
		return "", err
	}
	fixed := stripFence(out)
	if !strings.Contains(fixed, "FROM ") {
		return "", fmt.Errorf("model output is not a Dockerfile")
	}
	return fixed, nil
}

// hardenDockerfile applies mechanical fixes: floating tags are pinned to a
// stable release and a non-root user is enforced before the final CMD.
func hardenDockerfile(dockerfile string) string {
	lines := strings.Split(dockerfile, "\n")
	hasUser := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "FROM ") && strings.Contains(trimmed, ":latest") {
			lines[i] = strings.Replace(line, ":latest", ":stable", 1)
		}
		if strings.HasPrefix(trimmed, "USER ") {
			hasUser = true
		}
	}
	if !hasUser {
		insertAt := len(lines)
		for i, line := range lines {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "CMD") || strings.HasPrefix(trimmed, "ENTRYPOINT") {
				insertAt = i
				break
			}
		}
		out := make([]string, 0, len(lines)+1)
		out = append(out, lines[:insertAt]...)
		out = append(out, "USER 65532:65532")
		out = append(out, lines[insertAt:]...)
		lines = out
	}
	return strings.Join(lines, "\n")
}

// stripFence removes a surrounding markdown code fence, if present.
func stripFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
