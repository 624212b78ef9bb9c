package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gambtho/container-assist/internal/workflow"
)

// manifestAdapter renders the Kubernetes manifests for the built image. A
// sampled winner passes through after validation; otherwise the manifests are
// rendered from the analysis report and the session configuration.
type manifestAdapter struct {
	logger *zap.Logger
}

// NewManifestAdapter creates the manifest generation stage adapter.
func NewManifestAdapter(logger *zap.Logger) workflow.Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &manifestAdapter{logger: logger}
}

func (m *manifestAdapter) Kind() workflow.Stage { return workflow.StageManifestGeneration }

func (m *manifestAdapter) Execute(ctx context.Context, in *workflow.Input) (*workflow.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if looksLikeYAMLManifest(in.Payload) {
		if err := validateManifests(in.Payload); err != nil {
			return nil, fmt.Errorf("sampled manifest invalid: %w", err)
		}
		return &workflow.Output{Content: in.Payload, MimeType: "application/yaml"}, nil
	}

	var report *workflow.AnalysisReport
	if len(in.Payload) > 0 {
		parsed, err := workflow.ParseAnalysisReport(in.Payload)
		if err != nil {
			return nil, err
		}
		report = parsed
	} else {
		report = &workflow.AnalysisReport{}
	}

	image := in.Artifacts["image"]
	if image == "" {
		return nil, fmt.Errorf("manifest generation needs the built image reference")
	}
	name := appName(in.Repository)
	port := 8080
	if len(report.Ports) > 0 {
		port = report.Ports[0]
	}

	rendered, err := renderManifests(name, image, port, in.Config)
	if err != nil {
		return nil, err
	}
	if err := validateManifests(rendered); err != nil {
		return nil, fmt.Errorf("rendered manifest invalid: %w", err)
	}

	m.logger.Info("manifests rendered",
		zap.String("session_id", in.SessionID),
		zap.String("app", name),
		zap.String("image", image),
		zap.String("strategy", string(in.Config.DeploymentStrategy)))
	return &workflow.Output{Content: rendered, MimeType: "application/yaml"}, nil
}

// renderManifests emits a Deployment and Service as a multi-document YAML
// stream built from plain maps so the output stays schema-agnostic.
func renderManifests(name, image string, port int, cfg workflow.Config) ([]byte, error) {
	labels := map[string]string{"app": name}

	strategy := map[string]any{"type": "RollingUpdate"}
	if cfg.DeploymentStrategy == workflow.StrategyRecreate {
		strategy = map[string]any{"type": "Recreate"}
	}

	deployment := map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]any{
			"name":   name,
			"labels": labels,
			"annotations": map[string]string{
				"app.kubernetes.io/environment": cfg.TargetEnvironment,
			},
		},
		"spec": map[string]any{
			"replicas": 2,
			"strategy": strategy,
			"selector": map[string]any{"matchLabels": labels},
			"template": map[string]any{
				"metadata": map[string]any{"labels": labels},
				"spec": map[string]any{
					"containers": []any{
						map[string]any{
							"name":  name,
							"image": image,
							"ports": []any{
								map[string]any{"containerPort": port},
							},
							"securityContext": map[string]any{
								"runAsNonRoot":             true,
								"allowPrivilegeEscalation": false,
							},
							"readinessProbe": map[string]any{
								"tcpSocket":           map[string]any{"port": port},
								"initialDelaySeconds": 5,
								"periodSeconds":       10,
							},
							"resources": map[string]any{
								"requests": map[string]string{"cpu": "100m", "memory": "128Mi"},
								"limits":   map[string]string{"cpu": "500m", "memory": "512Mi"},
							},
						},
					},
				},
			},
		},
	}

	service := map[string]any{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata":   map[string]any{"name": name, "labels": labels},
		"spec": map[string]any{
			"selector": labels,
			"ports": []any{
				map[string]any{"port": 80, "targetPort": port},
			},
		},
	}

	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	for _, doc := range []any{deployment, service} {
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// validateManifests decodes every document and checks the minimal fields
// kubectl would reject anyway.
func validateManifests(content []byte) error {
	dec := yaml.NewDecoder(strings.NewReader(string(content)))
	docs := 0
	for {
		var doc map[string]any
		err := dec.Decode(&doc)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if doc == nil {
			continue
		}
		docs++
		for _, field := range []string{"apiVersion", "kind", "metadata"} {
			if _, ok := doc[field]; !ok {
				return fmt.Errorf("document %d missing %s", docs, field)
			}
		}
	}
	if docs == 0 {
		return fmt.Errorf("no manifest documents found")
	}
	return nil
}

func looksLikeYAMLManifest(payload []byte) bool {
	s := string(payload)
	return strings.Contains(s, "apiVersion:") && strings.Contains(s, "kind:")
}

func appName(repository string) string {
	base := strings.ToLower(strings.TrimSuffix(repository, "/"))
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	base = strings.TrimSuffix(base, ".git")
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, base)
	cleaned = strings.Trim(cleaned, "-")
	if cleaned == "" {
		cleaned = "app"
	}
	return cleaned
}
