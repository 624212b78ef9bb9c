package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/progress"
	"github.com/gambtho/container-assist/internal/resources"
	"github.com/gambtho/container-assist/internal/sampling"
	"github.com/gambtho/container-assist/internal/session"
	"github.com/gambtho/container-assist/internal/workflow"
)

type stubAdapter struct {
	stage workflow.Stage
	fn    func(ctx context.Context, in *workflow.Input) (*workflow.Output, error)
}

func (a *stubAdapter) Kind() workflow.Stage { return a.stage }

func (a *stubAdapter) Execute(ctx context.Context, in *workflow.Input) (*workflow.Output, error) {
	return a.fn(ctx, in)
}

func adapt(stage workflow.Stage, fn func(ctx context.Context, in *workflow.Input) (*workflow.Output, error)) workflow.Adapter {
	return &stubAdapter{stage: stage, fn: fn}
}

type harness struct {
	svc      Service
	store    session.Store
	cache    resources.Service
	channel  *progress.Channel
	registry *workflow.Registry
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithCache(t, resources.DefaultConfig())
}

func newHarnessWithCache(t *testing.T, cacheCfg *resources.Config) *harness {
	t.Helper()
	logger := zap.NewNop()
	store := session.NewMemoryStore(session.DefaultConfig(), logger)
	t.Cleanup(func() { _ = store.Close() })
	cache := resources.NewService(cacheCfg, logger)
	t.Cleanup(func() { _ = cache.Close() })
	channel := progress.NewChannel(logger)
	engine := sampling.NewEngine(sampling.DefaultEngineConfig(), logger)
	registry := workflow.NewRegistry()

	svc, err := NewService(store, cache, channel, engine, registry, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return &harness{svc: svc, store: store, cache: cache, channel: channel, registry: registry}
}

// registerPipeline wires working adapters for every stage. The scan adapter
// reports the given summary.
func (h *harness) registerPipeline(scan *workflow.ScanSummary) {
	report, _ := json.Marshal(workflow.AnalysisReport{
		Language:   "go",
		BuildTool:  "go",
		EntryPoint: "main.go",
		Ports:      []int{8080},
	})
	h.registry.Register(adapt(workflow.StageAnalysis, func(_ context.Context, _ *workflow.Input) (*workflow.Output, error) {
		return &workflow.Output{Content: report, MimeType: "application/json"}, nil
	}))
	h.registry.Register(adapt(workflow.StageArtifactGeneration, func(_ context.Context, in *workflow.Input) (*workflow.Output, error) {
		content := in.Payload
		if len(content) == 0 {
			content = []byte("FROM scratch\n")
		}
		return &workflow.Output{Content: content, MimeType: "text/plain"}, nil
	}))
	h.registry.Register(adapt(workflow.StageBuild, func(_ context.Context, _ *workflow.Input) (*workflow.Output, error) {
		return &workflow.Output{
			Content:  []byte("registry.local/app:abc123"),
			Metadata: map[string]string{"image": "registry.local/app:abc123"},
		}, nil
	}))
	h.registry.Register(adapt(workflow.StageScan, func(_ context.Context, _ *workflow.Input) (*workflow.Output, error) {
		raw, _ := json.Marshal(scan)
		return &workflow.Output{Content: raw, MimeType: "application/json", Scan: scan}, nil
	}))
	h.registry.Register(adapt(workflow.StageRemediation, func(_ context.Context, _ *workflow.Input) (*workflow.Output, error) {
		return &workflow.Output{Content: []byte("FROM scratch\nUSER 65532\n")}, nil
	}))
	h.registry.Register(adapt(workflow.StageManifestGeneration, func(_ context.Context, in *workflow.Input) (*workflow.Output, error) {
		content := in.Payload
		if len(content) == 0 {
			content = []byte("kind: Deployment\n")
		}
		return &workflow.Output{Content: content, MimeType: "application/yaml"}, nil
	}))
	h.registry.Register(adapt(workflow.StageDeployment, func(_ context.Context, _ *workflow.Input) (*workflow.Output, error) {
		return &workflow.Output{Content: []byte("rollout complete")}, nil
	}))
	h.registry.Register(adapt(workflow.StageVerification, func(_ context.Context, _ *workflow.Input) (*workflow.Output, error) {
		return &workflow.Output{Content: []byte("replicas ready")}, nil
	}))
}

func (h *harness) run(t *testing.T, overrides *session.Overrides) (*session.Session, error) {
	t.Helper()
	ctx := context.Background()
	sess, err := h.store.Create(ctx, "github.com/acme/app", overrides)
	require.NoError(t, err)
	token := h.channel.GenerateToken("workflow")
	execErr := h.svc.Execute(ctx, sess.ID, token)
	final, err := h.store.Get(ctx, sess.ID)
	require.NoError(t, err)
	return final, execErr
}

// recorder collects progress events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) record(ev progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

func cleanScan() *workflow.ScanSummary {
	return &workflow.ScanSummary{
		Total:      2,
		BySeverity: map[workflow.Severity]int{workflow.SeverityLow: 2},
	}
}

func dirtyScan() *workflow.ScanSummary {
	return &workflow.ScanSummary{
		Total: 3,
		BySeverity: map[workflow.Severity]int{
			workflow.SeverityCritical: 1,
			workflow.SeverityLow:      2,
		},
	}
}

func TestExecute_CleanScanBypassesRemediation(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline(cleanScan())

	rec := &recorder{}
	unsubscribe := h.channel.Subscribe(rec.record)
	defer unsubscribe()

	final, err := h.run(t, nil)
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, final.State.Status)
	assert.Equal(t, []workflow.Stage{
		workflow.StageAnalysis,
		workflow.StageArtifactGeneration,
		workflow.StageBuild,
		workflow.StageScan,
		workflow.StageManifestGeneration,
		workflow.StageDeployment,
		workflow.StageVerification,
	}, final.State.CompletedStages)
	assert.NotContains(t, final.State.CompletedStages, workflow.StageRemediation)

	// Every completed stage left an artifact behind.
	for _, stage := range final.State.CompletedStages {
		uri, ok := final.Artifacts[string(stage)]
		require.True(t, ok, "missing artifact for %s", stage)
		res, rerr := h.cache.Read(context.Background(), uri)
		require.NoError(t, rerr)
		require.NotNil(t, res, "artifact %s evicted", uri)
	}

	events := rec.snapshot()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, progress.KindComplete, last.Kind)
	assert.Equal(t, 100, last.Value)

	// Progress values never regress.
	prev := -1
	for _, ev := range events {
		if ev.Kind != progress.KindProgress {
			continue
		}
		assert.GreaterOrEqual(t, ev.Value, prev)
		prev = ev.Value
	}
}

func TestExecute_DirtyScanEntersRemediation(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline(dirtyScan())

	// The stock remediation policy parks on failure; the stub always
	// succeeds, so retry semantics keep the run moving.
	final, err := h.run(t, nil)
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, final.State.Status)
	assert.Contains(t, final.State.CompletedStages, workflow.StageRemediation)
}

func TestExecute_BuildRetryExhaustion(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline(cleanScan())

	var calls atomic.Int32
	h.registry.Register(adapt(workflow.StageBuild, func(_ context.Context, _ *workflow.Input) (*workflow.Output, error) {
		calls.Add(1)
		return nil, errors.New("docker build failed: exit status 1")
	}))

	overrides := &session.Overrides{
		Recovery: map[workflow.Stage]workflow.RecoveryPolicy{
			workflow.StageBuild: {Kind: workflow.RecoveryRetry, MaxAttempts: 2, Backoff: time.Millisecond},
		},
	}
	final, err := h.run(t, overrides)
	require.Error(t, err)

	var werr *workflow.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, workflow.StageBuild, werr.Stage)
	assert.Equal(t, workflow.KindRecoveryExhausted, werr.Kind)
	assert.Equal(t, 2, werr.Attempts)

	assert.Equal(t, workflow.StatusFailed, final.State.Status)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
	assert.Equal(t, 2, final.State.RetryCounts[workflow.StageBuild])
	assert.Contains(t, final.State.Errors[workflow.StageBuild], "recovery_exhausted")
	assert.Equal(t, []workflow.Stage{
		workflow.StageAnalysis,
		workflow.StageArtifactGeneration,
	}, final.State.CompletedStages)
}

func TestExecute_RetrySucceedsAndResetsCounter(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline(cleanScan())

	var calls atomic.Int32
	h.registry.Register(adapt(workflow.StageBuild, func(_ context.Context, _ *workflow.Input) (*workflow.Output, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient registry error")
		}
		return &workflow.Output{Content: []byte("registry.local/app:abc123")}, nil
	}))

	overrides := &session.Overrides{
		Recovery: map[workflow.Stage]workflow.RecoveryPolicy{
			workflow.StageBuild: {Kind: workflow.RecoveryRetry, MaxAttempts: 3, Backoff: time.Millisecond},
		},
	}
	final, err := h.run(t, overrides)
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, final.State.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, final.State.RetryCounts[workflow.StageBuild], "counter cleared on success")
}

func TestExecute_FallbackAdapter(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline(cleanScan())

	h.registry.Register(adapt(workflow.StageManifestGeneration, func(_ context.Context, _ *workflow.Input) (*workflow.Output, error) {
		return nil, errors.New("template engine unavailable")
	}))
	h.registry.RegisterFallback(adapt(workflow.StageManifestGeneration, func(_ context.Context, _ *workflow.Input) (*workflow.Output, error) {
		return &workflow.Output{Content: []byte("kind: Deployment\n"), MimeType: "application/yaml"}, nil
	}))

	overrides := &session.Overrides{
		Recovery: map[workflow.Stage]workflow.RecoveryPolicy{
			workflow.StageManifestGeneration: {Kind: workflow.RecoveryFallback},
		},
	}
	final, err := h.run(t, overrides)
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, final.State.Status)
	assert.Contains(t, final.State.CompletedStages, workflow.StageManifestGeneration)
}

func TestExecute_SkipPolicyOmitsStage(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline(cleanScan())

	h.registry.Register(adapt(workflow.StageVerification, func(_ context.Context, _ *workflow.Input) (*workflow.Output, error) {
		return nil, errors.New("kubectl wait timed out")
	}))

	final, err := h.run(t, nil) // stock policy for verification is skip
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, final.State.Status)
	assert.NotContains(t, final.State.CompletedStages, workflow.StageVerification)
	assert.Contains(t, final.State.Errors[workflow.StageVerification], "kubectl wait timed out")
	_, hasArtifact := final.Artifacts[string(workflow.StageVerification)]
	assert.False(t, hasArtifact)
}

func TestExecute_CancelDuringStage(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline(cleanScan())

	started := make(chan struct{})
	h.registry.Register(adapt(workflow.StageDeployment, func(ctx context.Context, _ *workflow.Input) (*workflow.Output, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx := context.Background()
	sess, err := h.store.Create(ctx, "github.com/acme/app", nil)
	require.NoError(t, err)
	token := h.channel.GenerateToken("workflow")

	rec := &recorder{}
	unsubscribe := h.channel.Subscribe(rec.record)
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- h.svc.Execute(ctx, sess.ID, token) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("deployment stage never started")
	}
	require.NoError(t, h.svc.Cancel(ctx, sess.ID))

	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is not a failure")
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	final, err := h.store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, final.State.Status)
	assert.NotContains(t, final.State.CompletedStages, workflow.StageDeployment)

	events := rec.snapshot()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, progress.KindError, last.Kind)
	assert.Contains(t, last.Message, "cancelled")
}

func TestExecute_CancelReleasesEphemeralCache(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline(cleanScan())

	started := make(chan struct{})
	var once sync.Once
	h.registry.Register(adapt(workflow.StageBuild, func(ctx context.Context, _ *workflow.Input) (*workflow.Output, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx := context.Background()
	enable := true
	sess, err := h.store.Create(ctx, "github.com/acme/app", &session.Overrides{EnableSampling: &enable})
	require.NoError(t, err)
	token := h.channel.GenerateToken("workflow")

	done := make(chan error, 1)
	go func() { done <- h.svc.Execute(ctx, sess.ID, token) }()

	<-started
	// Sampling ran for artifact generation, so candidates exist.
	pattern := fmt.Sprintf("cache://sessions/%s/*", sess.ID)
	uris, err := h.cache.List(ctx, pattern)
	require.NoError(t, err)
	require.NotEmpty(t, uris)

	require.NoError(t, h.svc.Cancel(ctx, sess.ID))
	require.NoError(t, <-done)

	uris, err = h.cache.List(ctx, pattern)
	require.NoError(t, err)
	assert.Empty(t, uris, "ephemeral entries released on cancel")
}

func TestExecute_ManualParkAndResume(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline(dirtyScan())

	var calls atomic.Int32
	h.registry.Register(adapt(workflow.StageRemediation, func(_ context.Context, _ *workflow.Input) (*workflow.Output, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("llm provider unavailable")
		}
		return &workflow.Output{Content: []byte("FROM scratch\nUSER 65532\n")}, nil
	}))

	ctx := context.Background()
	sess, err := h.store.Create(ctx, "github.com/acme/app", nil)
	require.NoError(t, err)
	token := h.channel.GenerateToken("workflow")

	done := make(chan error, 1)
	go func() { done <- h.svc.Execute(ctx, sess.ID, token) }()

	require.Eventually(t, func() bool {
		s, gerr := h.store.Get(ctx, sess.ID)
		return gerr == nil && s.State.Status == workflow.StatusAwaitingIntervention
	}, 5*time.Second, 10*time.Millisecond, "session never parked")

	parked, err := h.store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Contains(t, parked.State.Errors[workflow.StageRemediation], "llm provider unavailable")

	require.NoError(t, h.svc.Resume(ctx, sess.ID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}

	final, err := h.store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, final.State.Status)
	assert.Contains(t, final.State.CompletedStages, workflow.StageRemediation)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecute_SamplingPersistsCandidatesAndWinner(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline(cleanScan())

	var artifactPayload []byte
	h.registry.Register(adapt(workflow.StageArtifactGeneration, func(_ context.Context, in *workflow.Input) (*workflow.Output, error) {
		artifactPayload = in.Payload
		return &workflow.Output{Content: in.Payload, MimeType: "text/plain"}, nil
	}))

	enable := true
	max := 3
	final, err := h.run(t, &session.Overrides{EnableSampling: &enable, MaxCandidates: &max})
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, final.State.Status)

	ctx := context.Background()
	base := fmt.Sprintf("cache://sessions/%s/%s", final.ID, workflow.StageArtifactGeneration)

	var best float64
	var bestContent string
	for seq := 0; seq < max; seq++ {
		res, rerr := h.cache.Read(ctx, fmt.Sprintf("%s/candidate-%d", base, seq))
		require.NoError(t, rerr)
		require.NotNil(t, res, "candidate %d not persisted", seq)
	}

	raw, err := h.cache.Read(ctx, base+"/scores")
	require.NoError(t, err)
	require.NotNil(t, raw)
	var scored []sampling.ScoredCandidate
	require.NoError(t, json.Unmarshal(raw.Content, &scored))
	require.Len(t, scored, max)
	for _, cand := range scored {
		if cand.Score > best {
			best = cand.Score
			bestContent = cand.Content
		}
	}

	winnerURI, ok := final.Artifacts["winner:"+string(workflow.StageArtifactGeneration)]
	require.True(t, ok)
	winner, err := h.cache.Read(ctx, winnerURI)
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, bestContent, string(winner.Content), "winner is the highest-scored candidate")
	assert.Equal(t, bestContent, string(artifactPayload), "adapter received the winner as payload")

	// The manifest stage samples too; its winner lives under its own key and
	// must not displace the artifact-generation one.
	manifestURI, ok := final.Artifacts["winner:"+string(workflow.StageManifestGeneration)]
	require.True(t, ok)
	assert.NotEqual(t, winnerURI, manifestURI)
	manifest, err := h.cache.Read(ctx, manifestURI)
	require.NoError(t, err)
	require.NotNil(t, manifest)
	assert.NotEqual(t, string(winner.Content), string(manifest.Content))
}

func TestExecute_OversizedOutputClassifiedResourceLimit(t *testing.T) {
	cfg := resources.DefaultConfig()
	cfg.MaxPayloadBytes = 16
	h := newHarnessWithCache(t, cfg)
	h.registerPipeline(cleanScan())

	h.registry.Register(adapt(workflow.StageAnalysis, func(_ context.Context, _ *workflow.Input) (*workflow.Output, error) {
		return &workflow.Output{Content: bytes.Repeat([]byte("x"), 64), MimeType: "text/plain"}, nil
	}))

	final, err := h.run(t, nil)
	require.Error(t, err)

	var werr *workflow.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, workflow.StageAnalysis, werr.Stage)
	assert.Equal(t, workflow.KindResourceLimit, werr.Kind)
	assert.ErrorIs(t, err, resources.ErrPayloadTooLarge)
	assert.Equal(t, workflow.StatusFailed, final.State.Status)
}

func TestExecute_ClosedCachePublishClassifiedToolExecution(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline(cleanScan())
	require.NoError(t, h.cache.Close())

	final, err := h.run(t, nil)
	require.Error(t, err)

	var werr *workflow.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, workflow.StageAnalysis, werr.Stage)
	assert.Equal(t, workflow.KindToolExecution, werr.Kind)
	assert.ErrorIs(t, err, resources.ErrClosed)
	assert.Equal(t, workflow.StatusFailed, final.State.Status)
}

func TestExecute_AbortOnAnalysisFailure(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline(cleanScan())

	h.registry.Register(adapt(workflow.StageAnalysis, func(_ context.Context, _ *workflow.Input) (*workflow.Output, error) {
		return nil, errors.New("repository unreadable")
	}))

	final, err := h.run(t, nil)
	require.Error(t, err)

	var werr *workflow.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, workflow.StageAnalysis, werr.Stage)
	assert.Equal(t, workflow.KindToolExecution, werr.Kind)

	assert.Equal(t, workflow.StatusFailed, final.State.Status)
	assert.Empty(t, final.State.CompletedStages)
}

func TestExecute_StageTimeoutClassified(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline(cleanScan())

	h.registry.Register(adapt(workflow.StageBuild, func(ctx context.Context, _ *workflow.Input) (*workflow.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	overrides := &session.Overrides{
		StageTimeouts: map[workflow.Stage]time.Duration{
			workflow.StageBuild: 20 * time.Millisecond,
		},
		Recovery: map[workflow.Stage]workflow.RecoveryPolicy{
			workflow.StageBuild: {Kind: workflow.RecoveryAbort},
		},
	}
	final, err := h.run(t, overrides)
	require.Error(t, err)

	var werr *workflow.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, workflow.KindTimeout, werr.Kind)
	assert.Equal(t, workflow.StatusFailed, final.State.Status)
}

func TestStartWorkflow_RunsInBackground(t *testing.T) {
	h := newHarness(t)
	h.registerPipeline(cleanScan())

	res, err := h.svc.StartWorkflow(context.Background(), "github.com/acme/app", nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)
	require.NotEmpty(t, res.Token)

	require.Eventually(t, func() bool {
		s, gerr := h.svc.Status(context.Background(), res.SessionID)
		return gerr == nil && s.State.Status == workflow.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartWorkflow_RequiresRepository(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.StartWorkflow(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, workflow.KindInvalidConfig, workflow.KindOf(err))
}

func TestResume_RejectsNonParkedSession(t *testing.T) {
	h := newHarness(t)
	sess, err := h.store.Create(context.Background(), "github.com/acme/app", nil)
	require.NoError(t, err)

	err = h.svc.Resume(context.Background(), sess.ID)
	require.ErrorIs(t, err, ErrNotAwaiting)
}

func TestCancel_NonRunningSession(t *testing.T) {
	h := newHarness(t)
	sess, err := h.store.Create(context.Background(), "github.com/acme/app", nil)
	require.NoError(t, err)

	require.NoError(t, h.svc.Cancel(context.Background(), sess.ID))
	final, err := h.store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, final.State.Status)

	// Cancelling twice is rejected: the session is already terminal.
	require.Error(t, h.svc.Cancel(context.Background(), sess.ID))
}
