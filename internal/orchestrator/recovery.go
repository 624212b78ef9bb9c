package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/progress"
	"github.com/gambtho/container-assist/internal/resources"
	"github.com/gambtho/container-assist/internal/sampling"
	"github.com/gambtho/container-assist/internal/session"
	"github.com/gambtho/container-assist/internal/workflow"
)

// errManualHold signals the run loop to park the session instead of failing.
var errManualHold = errors.New("manual intervention required")

// publishKind classifies a resource cache publish failure. Only a payload
// over the size limit counts against the resource-limit taxonomy; a closed
// cache or a malformed URI is an execution fault.
func publishKind(err error) workflow.ErrorKind {
	if errors.Is(err, resources.ErrPayloadTooLarge) {
		return workflow.KindResourceLimit
	}
	return workflow.KindToolExecution
}

// stageResult is the outcome of one stage after its recovery policy ran.
type stageResult struct {
	out      *workflow.Output
	attempts int
	skipped  bool
}

// executeWithRecovery runs a stage and applies its recovery policy on
// failure. Context cancellation always wins over the policy.
func (c *coordinator) executeWithRecovery(
	ctx context.Context,
	sess *session.Session,
	stage workflow.Stage,
	token string,
	outputs map[workflow.Stage][]byte,
	scan *workflow.ScanSummary,
) (stageResult, error) {
	policy := sess.Config.RecoveryFor(stage)

	attemptOnce := func() (*workflow.Output, error) {
		in, err := c.buildInput(ctx, sess, stage, outputs, scan)
		if err != nil {
			return nil, err
		}
		return c.executeStage(ctx, sess, stage, in)
	}

	switch policy.Kind {
	case workflow.RecoveryRetry:
		return c.retryStage(ctx, sess, stage, token, policy, attemptOnce)

	case workflow.RecoveryFallback:
		out, err := attemptOnce()
		if err == nil {
			return stageResult{out: out, attempts: 1}, nil
		}
		if ctx.Err() != nil {
			return stageResult{}, ctx.Err()
		}
		fb, ok := c.registry.Fallback(stage)
		if !ok {
			return stageResult{}, workflow.NewError(stage, workflow.KindRecoveryExhausted, 0,
				fmt.Errorf("no fallback adapter registered: %w", err))
		}
		c.recordRetry(ctx, sess.ID, stage, 1)
		c.logger.Warn("stage falling back to secondary adapter",
			zap.String("session_id", sess.ID),
			zap.String("stage", string(stage)),
			zap.Error(err))
		in, berr := c.buildInput(ctx, sess, stage, outputs, scan)
		if berr != nil {
			return stageResult{}, workflow.NewError(stage, workflow.KindRecoveryExhausted, 1, berr)
		}
		out, ferr := c.runAdapter(ctx, sess, stage, fb, in)
		if ferr != nil {
			if ctx.Err() != nil {
				return stageResult{}, ctx.Err()
			}
			return stageResult{}, workflow.NewError(stage, workflow.KindRecoveryExhausted, 1, ferr)
		}
		return stageResult{out: out, attempts: 2}, nil

	case workflow.RecoverySkip:
		out, err := attemptOnce()
		if err == nil {
			return stageResult{out: out, attempts: 1}, nil
		}
		if ctx.Err() != nil {
			return stageResult{}, ctx.Err()
		}
		if _, uerr := c.sessions.UpdateAtomic(ctx, sess.ID, func(s *session.Session) error {
			if s.State.Errors == nil {
				s.State.Errors = make(map[workflow.Stage]string)
			}
			s.State.Errors[stage] = err.Error()
			return nil
		}); uerr != nil {
			return stageResult{}, uerr
		}
		return stageResult{skipped: true, attempts: 1}, nil

	case workflow.RecoveryManual:
		out, err := attemptOnce()
		if err == nil {
			return stageResult{out: out, attempts: 1}, nil
		}
		if ctx.Err() != nil {
			return stageResult{}, ctx.Err()
		}
		return stageResult{}, fmt.Errorf("%w: %s", errManualHold, err.Error())

	default: // abort
		out, err := attemptOnce()
		if err != nil {
			if ctx.Err() != nil {
				return stageResult{}, ctx.Err()
			}
			return stageResult{}, err
		}
		return stageResult{out: out, attempts: 1}, nil
	}
}

// retryStage re-executes the stage with exponential backoff, up to
// MaxAttempts retries beyond the initial attempt. Retry counts are recorded
// on the session as they happen so Status reflects progress mid-retry.
func (c *coordinator) retryStage(
	ctx context.Context,
	sess *session.Session,
	stage workflow.Stage,
	token string,
	policy workflow.RecoveryPolicy,
	attemptOnce func() (*workflow.Output, error),
) (stageResult, error) {
	exp := backoff.NewExponentialBackOff()
	if policy.Backoff > 0 {
		exp.InitialInterval = policy.Backoff
	}

	attempt := 0
	op := func() (*workflow.Output, error) {
		attempt++
		if attempt > 1 {
			c.recordRetry(ctx, sess.ID, stage, attempt-1)
			c.channel.NotifyProgress(progress.Update{
				Token:   token,
				Value:   stage.Index() * 100 / len(workflow.Stages()),
				Message: fmt.Sprintf("stage %s retry %d of %d", stage, attempt-1, policy.MaxAttempts),
			})
			c.logger.Warn("stage retrying",
				zap.String("session_id", sess.ID),
				zap.String("stage", string(stage)),
				zap.Int("attempt", attempt-1),
				zap.Int("max_attempts", policy.MaxAttempts))
		}
		out, err := attemptOnce()
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			switch workflow.KindOf(err) {
			case workflow.KindInvalidConfig, workflow.KindResourceLimit:
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return out, nil
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(policy.MaxAttempts)+1))
	if err != nil {
		if ctx.Err() != nil {
			return stageResult{}, ctx.Err()
		}
		return stageResult{attempts: attempt}, workflow.NewError(
			stage, workflow.KindRecoveryExhausted, policy.MaxAttempts, err)
	}
	return stageResult{out: out, attempts: attempt}, nil
}

func (c *coordinator) recordRetry(ctx context.Context, sessionID string, stage workflow.Stage, n int) {
	if _, err := c.sessions.UpdateAtomic(ctx, sessionID, func(s *session.Session) error {
		if s.State.RetryCounts == nil {
			s.State.RetryCounts = make(map[workflow.Stage]int)
		}
		s.State.RetryCounts[stage] = n
		return nil
	}); err != nil {
		c.logger.Warn("failed to record retry count",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// executeStage resolves the primary adapter and runs it under the stage
// deadline.
func (c *coordinator) executeStage(ctx context.Context, sess *session.Session, stage workflow.Stage, in *workflow.Input) (*workflow.Output, error) {
	adapter, ok := c.registry.Adapter(stage)
	if !ok {
		return nil, workflow.NewError(stage, workflow.KindToolExecution, 0,
			fmt.Errorf("no adapter registered for stage %s", stage))
	}
	return c.runAdapter(ctx, sess, stage, adapter, in)
}

func (c *coordinator) runAdapter(ctx context.Context, sess *session.Session, stage workflow.Stage, adapter workflow.Adapter, in *workflow.Input) (*workflow.Output, error) {
	stageCtx, cancel := context.WithTimeout(ctx, sess.Config.StageTimeout(stage))
	defer cancel()

	stageCtx, span := c.tracer.Start(stageCtx, "workflow.stage",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.String("stage", string(stage)),
		))
	defer span.End()

	out, err := adapter.Execute(stageCtx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			return nil, workflow.NewError(stage, workflow.KindTimeout, 0, err)
		}
		var werr *workflow.Error
		if errors.As(err, &werr) {
			return nil, err
		}
		return nil, workflow.NewError(stage, workflow.KindToolExecution, 0, err)
	}
	return out, nil
}

// buildInput assembles the adapter input for a stage attempt. For
// sampling-enabled stages the payload is the scored winner; otherwise it is
// the relevant upstream stage output.
func (c *coordinator) buildInput(
	ctx context.Context,
	sess *session.Session,
	stage workflow.Stage,
	outputs map[workflow.Stage][]byte,
	scan *workflow.ScanSummary,
) (*workflow.Input, error) {
	current, err := c.sessions.Get(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	in := &workflow.Input{
		SessionID:  sess.ID,
		Repository: sess.Repository,
		Stage:      stage,
		Config:     sess.Config,
		Payload:    payloadFor(stage, outputs),
		Artifacts:  current.Artifacts,
		Scan:       scan,
		Publisher:  &sessionPublisher{cache: c.cache, sessionID: sess.ID},
	}
	if sess.Config.EnableSampling && c.engine.Supports(stage) {
		winner, err := c.sample(ctx, sess, stage, outputs)
		if err != nil {
			return nil, err
		}
		in.Payload = winner
	}
	return in, nil
}

// payloadFor selects the upstream output each stage consumes. A remediated
// artifact supersedes the original for the build stage.
func payloadFor(stage workflow.Stage, outputs map[workflow.Stage][]byte) []byte {
	switch stage {
	case workflow.StageArtifactGeneration:
		return outputs[workflow.StageAnalysis]
	case workflow.StageBuild:
		if p, ok := outputs[workflow.StageRemediation]; ok {
			return p
		}
		return outputs[workflow.StageArtifactGeneration]
	case workflow.StageScan:
		return outputs[workflow.StageBuild]
	case workflow.StageRemediation:
		return outputs[workflow.StageArtifactGeneration]
	case workflow.StageManifestGeneration:
		return outputs[workflow.StageAnalysis]
	case workflow.StageDeployment:
		return outputs[workflow.StageManifestGeneration]
	case workflow.StageVerification:
		return outputs[workflow.StageDeployment]
	}
	return nil
}

// sample fans out candidate generation, scores and persists every candidate,
// and returns the winner's content. All candidates land in the ephemeral
// cache:// scheme so a cancelled run can release them in one invalidation.
func (c *coordinator) sample(ctx context.Context, sess *session.Session, stage workflow.Stage, outputs map[workflow.Stage][]byte) ([]byte, error) {
	sctx := &sampling.Context{
		Stage:              stage,
		Repository:         sess.Repository,
		TargetEnvironment:  sess.Config.TargetEnvironment,
		DeploymentStrategy: sess.Config.DeploymentStrategy,
	}
	if data, ok := outputs[workflow.StageAnalysis]; ok {
		if report, err := workflow.ParseAnalysisReport(data); err == nil {
			sctx.Language = report.Language
			sctx.Framework = report.Framework
			sctx.BuildTool = report.BuildTool
			sctx.EntryPoint = report.EntryPoint
			sctx.Ports = report.Ports
		}
	}
	if ref, ok := outputs[workflow.StageBuild]; ok {
		sctx.ImageRef = string(ref)
	}

	candidates, err := c.engine.GenerateCandidates(ctx, stage, sctx, sess.Config.MaxCandidates)
	if err != nil {
		return nil, workflow.NewError(stage, workflow.KindToolExecution, 0, err)
	}
	scored := c.engine.ScoreAll(candidates, stage, sctx)

	base := fmt.Sprintf("cache://sessions/%s/%s", sess.ID, stage)
	for _, cand := range scored {
		uri := fmt.Sprintf("%s/candidate-%d", base, cand.Seq)
		if _, err := c.cache.Publish(ctx, uri, []byte(cand.Content),
			resources.WithMimeType("text/plain")); err != nil {
			return nil, workflow.NewError(stage, publishKind(err), 0, err)
		}
	}
	if index, err := json.Marshal(scored); err == nil {
		_, _ = c.cache.Publish(ctx, base+"/scores", index,
			resources.WithMimeType("application/json"))
	}

	winner, err := sampling.SelectWinner(scored)
	if err != nil {
		return nil, workflow.NewError(stage, workflow.KindToolExecution, 0, err)
	}
	winnerURI := base + "/winner"
	if _, err := c.cache.Publish(ctx, winnerURI, []byte(winner.Content),
		resources.WithMimeType("text/plain")); err != nil {
		return nil, workflow.NewError(stage, publishKind(err), 0, err)
	}
	winnerKey := fmt.Sprintf("winner:%s", stage)
	if _, err := c.sessions.UpdateAtomic(ctx, sess.ID, func(s *session.Session) error {
		s.Artifacts[winnerKey] = winnerURI
		return nil
	}); err != nil {
		return nil, err
	}

	c.logger.Info("sampling winner selected",
		zap.String("session_id", sess.ID),
		zap.String("stage", string(stage)),
		zap.String("strategy", winner.StrategyID),
		zap.Int("candidates", len(scored)),
		zap.Float64("score", winner.Score))
	return []byte(winner.Content), nil
}

// sessionPublisher scopes adapter-published resources under the session's
// workflow:// namespace.
type sessionPublisher struct {
	cache     resources.Service
	sessionID string
}

func (p *sessionPublisher) Publish(ctx context.Context, name string, content []byte, mimeType string, ttl time.Duration) (string, error) {
	uri := fmt.Sprintf("workflow://sessions/%s/%s", p.sessionID, name)
	opts := []resources.PublishOption{}
	if mimeType != "" {
		opts = append(opts, resources.WithMimeType(mimeType))
	}
	if ttl > 0 {
		opts = append(opts, resources.WithTTL(ttl))
	}
	return p.cache.Publish(ctx, uri, content, opts...)
}
