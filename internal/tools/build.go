package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/workflow"
)

// buildAdapter runs docker build with the generated Dockerfile against the
// repository checkout. The image reference is derived from the session so
// retries overwrite rather than accumulate tags.
type buildAdapter struct {
	runner   Runner
	registry string
	logger   *zap.Logger
}

// NewBuildAdapter creates the build stage adapter. registry prefixes the
// image reference, e.g. "registry.local/apps".
func NewBuildAdapter(runner Runner, registry string, logger *zap.Logger) workflow.Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == "" {
		registry = "localhost:5000"
	}
	return &buildAdapter{runner: runner, registry: registry, logger: logger}
}

func (b *buildAdapter) Kind() workflow.Stage { return workflow.StageBuild }

func (b *buildAdapter) Execute(ctx context.Context, in *workflow.Input) (*workflow.Output, error) {
	if len(in.Payload) == 0 {
		return nil, fmt.Errorf("build needs a Dockerfile payload")
	}

	dir, err := os.MkdirTemp("", "build-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	dockerfile := filepath.Join(dir, "Dockerfile")
	if err := os.WriteFile(dockerfile, in.Payload, 0o644); err != nil {
		return nil, err
	}

	ref := b.imageRef(in)
	out, err := b.runner.Run(ctx, "docker",
		"build", "--tag", ref, "--file", dockerfile, in.Repository)
	if in.Publisher != nil && len(out) > 0 {
		if uri, perr := in.Publisher.Publish(ctx, "build-log", out, "text/plain", time.Hour); perr == nil {
			b.logger.Debug("build log published", zap.String("uri", uri))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("docker build: %w", err)
	}

	b.logger.Info("image built",
		zap.String("session_id", in.SessionID),
		zap.String("image", ref))
	return &workflow.Output{
		Content:  []byte(ref),
		MimeType: "text/plain",
		Metadata: map[string]string{"image": ref},
	}, nil
}

func (b *buildAdapter) imageRef(in *workflow.Input) string {
	name := strings.ToLower(filepath.Base(in.Repository))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '-'
		}
	}, name)
	tag := in.SessionID
	if len(tag) > 12 {
		tag = tag[:12]
	}
	return fmt.Sprintf("%s/%s:%s", b.registry, name, tag)
}
