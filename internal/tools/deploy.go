package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/workflow"
)

// deployAdapter applies the rendered manifests with kubectl and waits for
// the rollout to settle.
type deployAdapter struct {
	runner    Runner
	namespace string
	logger    *zap.Logger
}

// NewDeployAdapter creates the deployment stage adapter. An empty namespace
// targets "default".
func NewDeployAdapter(runner Runner, namespace string, logger *zap.Logger) workflow.Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if namespace == "" {
		namespace = "default"
	}
	return &deployAdapter{runner: runner, namespace: namespace, logger: logger}
}

func (d *deployAdapter) Kind() workflow.Stage { return workflow.StageDeployment }

func (d *deployAdapter) Execute(ctx context.Context, in *workflow.Input) (*workflow.Output, error) {
	if len(in.Payload) == 0 {
		return nil, fmt.Errorf("deployment needs rendered manifests")
	}
	if err := validateManifests(in.Payload); err != nil {
		return nil, fmt.Errorf("refusing to apply invalid manifests: %w", err)
	}

	dir, err := os.MkdirTemp("", "deploy-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	file := filepath.Join(dir, "manifests.yaml")
	if err := os.WriteFile(file, in.Payload, 0o644); err != nil {
		return nil, err
	}

	applyOut, err := d.runner.Run(ctx, "kubectl",
		"apply", "--namespace", d.namespace, "--filename", file)
	if err != nil {
		return nil, fmt.Errorf("kubectl apply: %w", err)
	}

	name := appName(in.Repository)
	rolloutOut, err := d.runner.Run(ctx, "kubectl",
		"rollout", "status", "deployment/"+name,
		"--namespace", d.namespace, "--watch=true")
	if err != nil {
		return nil, fmt.Errorf("rollout of %s: %w", name, err)
	}

	if in.Publisher != nil {
		log := append(append([]byte{}, applyOut...), rolloutOut...)
		if uri, perr := in.Publisher.Publish(ctx, "deploy-log", log, "text/plain", time.Hour); perr == nil {
			d.logger.Debug("deploy log published", zap.String("uri", uri))
		}
	}

	d.logger.Info("deployment applied",
		zap.String("session_id", in.SessionID),
		zap.String("deployment", name),
		zap.String("namespace", d.namespace))
	return &workflow.Output{
		Content:  []byte(name),
		MimeType: "text/plain",
		Metadata: map[string]string{"deployment": name, "namespace": d.namespace},
	}, nil
}
