package tools

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/sampling"
	"github.com/gambtho/container-assist/internal/workflow"
)

// artifactAdapter produces the Dockerfile for the repository. When sampling
// is enabled the coordinator already selected a winner and the payload is the
// finished Dockerfile; otherwise the payload is the analysis report and the
// adapter generates one deterministically.
type artifactAdapter struct {
	logger *zap.Logger
}

// NewArtifactAdapter creates the artifact generation stage adapter.
func NewArtifactAdapter(logger *zap.Logger) workflow.Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &artifactAdapter{logger: logger}
}

func (a *artifactAdapter) Kind() workflow.Stage { return workflow.StageArtifactGeneration }

func (a *artifactAdapter) Execute(ctx context.Context, in *workflow.Input) (*workflow.Output, error) {
	if len(in.Payload) == 0 {
		return nil, fmt.Errorf("artifact generation needs the analysis report or a sampled Dockerfile")
	}

	if isDockerfile(in.Payload) {
		return &workflow.Output{Content: in.Payload, MimeType: "text/plain"}, nil
	}

	report, err := workflow.ParseAnalysisReport(in.Payload)
	if err != nil {
		return nil, err
	}
	sctx := &sampling.Context{
		Stage:      workflow.StageArtifactGeneration,
		Repository: in.Repository,
		Language:   report.Language,
		Framework:  report.Framework,
		BuildTool:  report.BuildTool,
		EntryPoint: report.EntryPoint,
		Ports:      report.Ports,
	}

	strategies := sampling.DefaultStrategies(workflow.StageArtifactGeneration)
	weights := sampling.DefaultWeights()[workflow.StageArtifactGeneration]
	var scored []sampling.ScoredCandidate
	for i, strat := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, gerr := strat.Generate(ctx, sctx)
		if gerr != nil {
			a.logger.Warn("dockerfile strategy failed",
				zap.String("strategy", strat.ID()), zap.Error(gerr))
			continue
		}
		scored = append(scored, sampling.Score(
			sampling.Candidate{Seq: i, StrategyID: strat.ID(), Content: content},
			sctx, weights))
	}
	winner, err := sampling.SelectWinner(scored)
	if err != nil {
		return nil, fmt.Errorf("no dockerfile strategy succeeded for language %q", report.Language)
	}

	a.logger.Info("dockerfile generated",
		zap.String("repository", in.Repository),
		zap.String("strategy", winner.StrategyID),
		zap.Float64("score", winner.Score))
	return &workflow.Output{Content: []byte(winner.Content), MimeType: "text/plain"}, nil
}

func isDockerfile(payload []byte) bool {
	trimmed := strings.TrimSpace(string(payload))
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return strings.HasPrefix(line, "FROM ") || strings.HasPrefix(line, "ARG ")
	}
	return false
}
