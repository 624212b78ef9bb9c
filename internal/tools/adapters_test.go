package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/gambtho/container-assist/internal/workflow"
)

// stubRunner maps command names to canned responses and records invocations.
type stubRunner struct {
	responses map[string]func(args []string) ([]byte, error)
	calls     [][]string
}

func newStubRunner() *stubRunner {
	return &stubRunner{responses: make(map[string]func(args []string) ([]byte, error))}
}

func (r *stubRunner) on(name string, fn func(args []string) ([]byte, error)) {
	r.responses[name] = fn
}

func (r *stubRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if fn, ok := r.responses[name]; ok {
		return fn(args)
	}
	return nil, fmt.Errorf("unexpected command %s", name)
}

const trivyFixture = `{
  "Results": [
    {
      "Target": "registry.local/app:abc (alpine 3.19)",
      "Vulnerabilities": [
        {"VulnerabilityID": "CVE-2024-0001", "Severity": "CRITICAL"},
        {"VulnerabilityID": "CVE-2024-0002", "Severity": "HIGH"},
        {"VulnerabilityID": "CVE-2024-0003", "Severity": "HIGH"},
        {"VulnerabilityID": "CVE-2024-0004", "Severity": "LOW"},
        {"VulnerabilityID": "CVE-2024-0005", "Severity": "UNKNOWN"}
      ]
    },
    {
      "Target": "app/bin",
      "Vulnerabilities": [
        {"VulnerabilityID": "CVE-2024-0006", "Severity": "MEDIUM"}
      ]
    }
  ]
}`

func TestScanAdapter_SummarizesTrivyReport(t *testing.T) {
	runner := newStubRunner()
	runner.on("trivy", func(args []string) ([]byte, error) {
		assert.Contains(t, args, "registry.local/app:abc")
		return []byte(trivyFixture), nil
	})

	adapter := NewScanAdapter(runner, nil)
	out, err := adapter.Execute(context.Background(), &workflow.Input{
		SessionID: "s1",
		Payload:   []byte("registry.local/app:abc"),
	})
	require.NoError(t, err)
	require.NotNil(t, out.Scan)

	assert.Equal(t, 5, out.Scan.Total, "unknown severity dropped")
	assert.Equal(t, 1, out.Scan.BySeverity[workflow.SeverityCritical])
	assert.Equal(t, 2, out.Scan.BySeverity[workflow.SeverityHigh])
	assert.Equal(t, 1, out.Scan.BySeverity[workflow.SeverityMedium])
	assert.Equal(t, 1, out.Scan.BySeverity[workflow.SeverityLow])
	assert.Equal(t, 3, out.Scan.CountAtOrAbove(workflow.SeverityHigh))
}

func TestScanAdapter_RequiresImageRef(t *testing.T) {
	adapter := NewScanAdapter(newStubRunner(), nil)
	_, err := adapter.Execute(context.Background(), &workflow.Input{Payload: []byte("  ")})
	require.Error(t, err)
}

func TestBuildAdapter_TagsFromSession(t *testing.T) {
	runner := newStubRunner()
	runner.on("docker", func(args []string) ([]byte, error) {
		return []byte("Successfully built"), nil
	})

	adapter := NewBuildAdapter(runner, "registry.local/apps", nil)
	out, err := adapter.Execute(context.Background(), &workflow.Input{
		SessionID:  "0123456789abcdef",
		Repository: "/tmp/checkouts/My_Service",
		Payload:    []byte("FROM scratch\n"),
	})
	require.NoError(t, err)

	ref := string(out.Content)
	assert.Equal(t, "registry.local/apps/my-service:0123456789ab", ref)
	assert.Equal(t, ref, out.Metadata["image"])

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "docker", runner.calls[0][0])
	assert.Contains(t, runner.calls[0], "--tag")
}

func TestBuildAdapter_PropagatesFailure(t *testing.T) {
	runner := newStubRunner()
	runner.on("docker", func(args []string) ([]byte, error) {
		return nil, fmt.Errorf("exit status 1: unknown instruction FRUM")
	})

	adapter := NewBuildAdapter(runner, "", nil)
	_, err := adapter.Execute(context.Background(), &workflow.Input{
		SessionID:  "s1",
		Repository: "/tmp/app",
		Payload:    []byte("FRUM scratch\n"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "docker build")
}

func TestManifestAdapter_RendersFromAnalysis(t *testing.T) {
	adapter := NewManifestAdapter(nil)
	cfg := workflow.DefaultConfig()
	cfg.DeploymentStrategy = workflow.StrategyRecreate
	cfg.TargetEnvironment = "staging"

	out, err := adapter.Execute(context.Background(), &workflow.Input{
		SessionID:  "s1",
		Repository: "github.com/acme/shop-api",
		Config:     cfg,
		Payload:    []byte(`{"language":"go","ports":[9000]}`),
		Artifacts:  map[string]string{"image": "registry.local/shop-api:abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, "application/yaml", out.MimeType)

	docs := strings.Split(string(out.Content), "\n---\n")
	require.Len(t, docs, 2)

	var deployment map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(docs[0]), &deployment))
	assert.Equal(t, "Deployment", deployment["kind"])
	spec := deployment["spec"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "Recreate"}, spec["strategy"])

	rendered := string(out.Content)
	assert.Contains(t, rendered, "name: shop-api")
	assert.Contains(t, rendered, "image: registry.local/shop-api:abc")
	assert.Contains(t, rendered, "containerPort: 9000")
	assert.Contains(t, rendered, "environment: staging")

	var service map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(docs[1]), &service))
	assert.Equal(t, "Service", service["kind"])
}

func TestManifestAdapter_PassesThroughSampledWinner(t *testing.T) {
	adapter := NewManifestAdapter(nil)
	winner := []byte("apiVersion: apps/v1\nkind: Deployment\nmetadata:\n  name: app\n")

	out, err := adapter.Execute(context.Background(), &workflow.Input{
		Payload: winner,
		Config:  workflow.DefaultConfig(),
	})
	require.NoError(t, err)
	assert.Equal(t, winner, out.Content)
}

func TestManifestAdapter_RejectsInvalidWinner(t *testing.T) {
	adapter := NewManifestAdapter(nil)
	_, err := adapter.Execute(context.Background(), &workflow.Input{
		Payload: []byte("apiVersion: apps/v1\nkind: Deployment\nspec: {}\n"),
		Config:  workflow.DefaultConfig(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metadata")
}

func TestManifestAdapter_NeedsImage(t *testing.T) {
	adapter := NewManifestAdapter(nil)
	_, err := adapter.Execute(context.Background(), &workflow.Input{
		Repository: "github.com/acme/app",
		Config:     workflow.DefaultConfig(),
		Payload:    []byte(`{"language":"go"}`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image")
}

func TestDeployAdapter_AppliesAndWaits(t *testing.T) {
	runner := newStubRunner()
	runner.on("kubectl", func(args []string) ([]byte, error) {
		return []byte("ok\n"), nil
	})

	adapter := NewDeployAdapter(runner, "staging", nil)
	out, err := adapter.Execute(context.Background(), &workflow.Input{
		SessionID:  "s1",
		Repository: "github.com/acme/shop-api",
		Payload:    []byte("apiVersion: apps/v1\nkind: Deployment\nmetadata:\n  name: shop-api\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "shop-api", string(out.Content))

	require.Len(t, runner.calls, 2)
	assert.Contains(t, runner.calls[0], "apply")
	assert.Contains(t, runner.calls[1], "rollout")
	assert.Contains(t, runner.calls[1], "deployment/shop-api")
	for _, call := range runner.calls {
		assert.Contains(t, call, "staging")
	}
}

func TestDeployAdapter_RejectsInvalidManifests(t *testing.T) {
	adapter := NewDeployAdapter(newStubRunner(), "", nil)
	_, err := adapter.Execute(context.Background(), &workflow.Input{
		Payload: []byte("kind: Deployment\n"),
	})
	require.Error(t, err)
}

func TestVerifyAdapter_ReadyReplicas(t *testing.T) {
	runner := newStubRunner()
	runner.on("kubectl", func(args []string) ([]byte, error) {
		return []byte(`{"spec":{"replicas":2},"status":{"readyReplicas":2,"availableReplicas":2}}`), nil
	})

	adapter := NewVerifyAdapter(runner, "", nil)
	out, err := adapter.Execute(context.Background(), &workflow.Input{
		SessionID: "s1",
		Payload:   []byte("shop-api"),
	})
	require.NoError(t, err)
	assert.Equal(t, "2/2 replicas ready", string(out.Content))
}

func TestVerifyAdapter_NotReady(t *testing.T) {
	runner := newStubRunner()
	runner.on("kubectl", func(args []string) ([]byte, error) {
		return []byte(`{"spec":{"replicas":3},"status":{"readyReplicas":1}}`), nil
	})

	adapter := NewVerifyAdapter(runner, "", nil)
	_, err := adapter.Execute(context.Background(), &workflow.Input{Payload: []byte("shop-api")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1/3")
}

func TestRemediateAdapter_HardensWithoutModel(t *testing.T) {
	adapter := NewRemediateAdapter(nil, nil)
	out, err := adapter.Execute(context.Background(), &workflow.Input{
		SessionID: "s1",
		Payload:   []byte("FROM node:latest\nCOPY . /app\nCMD [\"node\", \"server.js\"]\n"),
		Scan: &workflow.ScanSummary{
			Total:      1,
			BySeverity: map[workflow.Severity]int{workflow.SeverityCritical: 1},
		},
	})
	require.NoError(t, err)

	fixed := string(out.Content)
	assert.NotContains(t, fixed, ":latest")
	assert.Contains(t, fixed, "USER 65532:65532")
	// The user switch lands before the entrypoint.
	assert.Less(t, strings.Index(fixed, "USER 65532"), strings.Index(fixed, "CMD"))
}

func TestRemediateAdapter_NothingToFix(t *testing.T) {
	adapter := NewRemediateAdapter(nil, nil)
	_, err := adapter.Execute(context.Background(), &workflow.Input{
		Payload: []byte("FROM node:20.11-slim\nUSER 65532\nCMD [\"node\"]\n"),
	})
	require.Error(t, err)
}

func TestArtifactAdapter_GeneratesFromReport(t *testing.T) {
	adapter := NewArtifactAdapter(nil)
	out, err := adapter.Execute(context.Background(), &workflow.Input{
		Repository: "github.com/acme/app",
		Payload:    []byte(`{"language":"go","build_tool":"go","ports":[8080]}`),
	})
	require.NoError(t, err)
	content := string(out.Content)
	assert.Contains(t, content, "FROM ")
	assert.Contains(t, content, "USER ", "winner favors hardened output")
}

func TestArtifactAdapter_PassesThroughSampledDockerfile(t *testing.T) {
	adapter := NewArtifactAdapter(nil)
	winner := []byte("# syntax=docker/dockerfile:1\nFROM golang:1.24\n")
	out, err := adapter.Execute(context.Background(), &workflow.Input{Payload: winner})
	require.NoError(t, err)
	assert.Equal(t, winner, out.Content)
}

func TestRegisterAll_CoversEveryStage(t *testing.T) {
	registry := workflow.NewRegistry()
	RegisterAll(registry, Options{Runner: newStubRunner()}, nil)

	for _, stage := range workflow.Stages() {
		_, ok := registry.Adapter(stage)
		assert.True(t, ok, "no adapter for %s", stage)
	}
	_, ok := registry.Fallback(workflow.StageArtifactGeneration)
	assert.True(t, ok)
	_, ok = registry.Fallback(workflow.StageManifestGeneration)
	assert.True(t, ok)
}
