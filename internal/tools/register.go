package tools

import (
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/workflow"
)

// Options configures the adapter set.
type Options struct {
	// Runner executes external commands. Required.
	Runner Runner

	// Registry prefixes built image references (default: localhost:5000).
	Registry string

	// Namespace is the kubectl target namespace (default: "default").
	Namespace string

	// Model backs LLM-assisted remediation. Optional; without it
	// remediation falls back to mechanical hardening.
	Model llms.Model
}

// RegisterAll wires the full adapter set into the registry. The deterministic
// artifact generator doubles as the fallback for its own stage so a fallback
// recovery policy has somewhere to go.
func RegisterAll(registry *workflow.Registry, opts Options, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Runner == nil {
		opts.Runner = NewRunner(logger)
	}

	registry.Register(NewAnalyzeAdapter(logger.Named("analyze")))
	registry.Register(NewArtifactAdapter(logger.Named("artifact")))
	registry.Register(NewBuildAdapter(opts.Runner, opts.Registry, logger.Named("build")))
	registry.Register(NewScanAdapter(opts.Runner, logger.Named("scan")))
	registry.Register(NewRemediateAdapter(opts.Model, logger.Named("remediate")))
	registry.Register(NewManifestAdapter(logger.Named("manifest")))
	registry.Register(NewDeployAdapter(opts.Runner, opts.Namespace, logger.Named("deploy")))
	registry.Register(NewVerifyAdapter(opts.Runner, opts.Namespace, logger.Named("verify")))

	registry.RegisterFallback(NewArtifactAdapter(logger.Named("artifact.fallback")))
	registry.RegisterFallback(NewManifestAdapter(logger.Named("manifest.fallback")))
}
