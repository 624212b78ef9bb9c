package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"
)

// Runner executes external commands. Adapters depend on this interface so
// tests can stub docker, trivy and kubectl without the binaries installed.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execRunner shells out via exec.CommandContext. Stderr is folded into the
// returned error so failures carry the tool's diagnostics.
type execRunner struct {
	logger *zap.Logger
}

// NewRunner creates the production command runner.
func NewRunner(logger *zap.Logger) Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &execRunner{logger: logger}
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running command",
		zap.String("command", name),
		zap.Strings("args", args))

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.Bytes(), ctx.Err()
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, firstLines(stderr.String(), 20))
	}
	return stdout.Bytes(), nil
}

func firstLines(s string, n int) string {
	count := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			count++
			if count == n {
				return s[:i]
			}
		}
	}
	return s
}
