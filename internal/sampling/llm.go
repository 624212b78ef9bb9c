package sampling

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// LLMStrategy generates a candidate by prompting a text-generation model.
// On model failure it falls back to the wrapped deterministic strategy so a
// flaky backend degrades quality, not availability.
type LLMStrategy struct {
	name     string
	model    llms.Model
	fallback Strategy
	prompt   func(*Context) string
}

// NewLLMStrategy wraps a deterministic strategy with model-backed generation.
func NewLLMStrategy(name string, model llms.Model, fallback Strategy, prompt func(*Context) string) *LLMStrategy {
	return &LLMStrategy{name: name, model: model, fallback: fallback, prompt: prompt}
}

func (s *LLMStrategy) ID() string { return s.name }

func (s *LLMStrategy) Generate(ctx context.Context, sctx *Context) (string, error) {
	if s.model == nil {
		return s.fallback.Generate(ctx, sctx)
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, s.model, s.prompt(sctx),
		llms.WithTemperature(0.7),
		llms.WithMaxTokens(2048),
	)
	if err != nil {
		if s.fallback != nil {
			return s.fallback.Generate(ctx, sctx)
		}
		return "", fmt.Errorf("model generation failed: %w", err)
	}

	content := stripFences(out)
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("model returned empty content")
	}
	return content, nil
}

// WithModel upgrades each deterministic strategy to an LLM-backed variant
// keeping the original as fallback. A nil model returns the input unchanged.
func WithModel(strategies []Strategy, model llms.Model, prompt func(strategyID string, sctx *Context) string) []Strategy {
	if model == nil {
		return strategies
	}
	out := make([]Strategy, len(strategies))
	for i, strat := range strategies {
		id := strat.ID()
		out[i] = NewLLMStrategy(id, model, strat, func(sctx *Context) string {
			return prompt(id, sctx)
		})
	}
	return out
}

// DockerfilePrompt renders the generation prompt for an artifact strategy.
func DockerfilePrompt(strategyID string, sctx *Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a production Dockerfile for a %s application", sctx.Language)
	if sctx.Framework != "" {
		fmt.Fprintf(&b, " using %s", sctx.Framework)
	}
	b.WriteString(".\n")
	if len(sctx.Ports) > 0 {
		fmt.Fprintf(&b, "The service listens on port %d.\n", sctx.Ports[0])
	}
	switch strategyID {
	case "minimal-base":
		b.WriteString("Optimize for the smallest possible image.\n")
	case "multi-stage":
		b.WriteString("Use a multi-stage build separating build and runtime.\n")
	case "security-hardened":
		b.WriteString("Harden the image: non-root user, pinned base image, healthcheck.\n")
	}
	b.WriteString("Return only the Dockerfile content.")
	return b.String()
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	lines = lines[1:]
	if strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
