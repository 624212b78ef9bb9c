package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/workflow"
)

// verifyAdapter confirms the deployed workload reports all replicas ready.
type verifyAdapter struct {
	runner    Runner
	namespace string
	logger    *zap.Logger
}

// NewVerifyAdapter creates the verification stage adapter.
func NewVerifyAdapter(runner Runner, namespace string, logger *zap.Logger) workflow.Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if namespace == "" {
		namespace = "default"
	}
	return &verifyAdapter{runner: runner, namespace: namespace, logger: logger}
}

func (v *verifyAdapter) Kind() workflow.Stage { return workflow.StageVerification }

// deploymentStatus is the subset of kubectl's deployment JSON we inspect.
type deploymentStatus struct {
	Spec struct {
		Replicas int `json:"replicas"`
	} `json:"spec"`
	Status struct {
		ReadyReplicas     int `json:"readyReplicas"`
		AvailableReplicas int `json:"availableReplicas"`
	} `json:"status"`
}

func (v *verifyAdapter) Execute(ctx context.Context, in *workflow.Input) (*workflow.Output, error) {
	name := strings.TrimSpace(string(in.Payload))
	if name == "" {
		name = appName(in.Repository)
	}

	raw, err := v.runner.Run(ctx, "kubectl",
		"get", "deployment", name,
		"--namespace", v.namespace, "--output", "json")
	if err != nil {
		return nil, fmt.Errorf("kubectl get deployment %s: %w", name, err)
	}

	var status deploymentStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("deployment %s status: %w", name, err)
	}
	want := status.Spec.Replicas
	if want == 0 {
		want = 1
	}
	if status.Status.ReadyReplicas < want {
		return nil, fmt.Errorf("deployment %s not ready: %d/%d replicas",
			name, status.Status.ReadyReplicas, want)
	}

	v.logger.Info("deployment verified",
		zap.String("session_id", in.SessionID),
		zap.String("deployment", name),
		zap.Int("replicas", status.Status.ReadyReplicas))
	return &workflow.Output{
		Content:  []byte(fmt.Sprintf("%d/%d replicas ready", status.Status.ReadyReplicas, want)),
		MimeType: "text/plain",
		Metadata: map[string]string{"ready_replicas": fmt.Sprintf("%d", status.Status.ReadyReplicas)},
	}, nil
}
