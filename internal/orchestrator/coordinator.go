package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/progress"
	"github.com/gambtho/container-assist/internal/resources"
	"github.com/gambtho/container-assist/internal/sampling"
	"github.com/gambtho/container-assist/internal/session"
	"github.com/gambtho/container-assist/internal/workflow"
)

const instrumentationName = "github.com/gambtho/container-assist/internal/orchestrator"

var (
	// ErrNotRunning is returned by Cancel and Resume when the session has no
	// active run in this process.
	ErrNotRunning = errors.New("workflow is not running")

	// ErrNotAwaiting is returned by Resume when the session is not parked in
	// awaiting_intervention.
	ErrNotAwaiting = errors.New("workflow is not awaiting intervention")

	// errCancelRequested is the cancellation cause distinguishing an explicit
	// Cancel from a workflow timeout.
	errCancelRequested = errors.New("cancellation requested")
)

// Service drives workflow sessions through the stage machine.
type Service interface {
	// StartWorkflow creates a session and launches its run in the background.
	StartWorkflow(ctx context.Context, repository string, overrides *session.Overrides) (*StartResult, error)

	// Execute drives an existing session synchronously until it reaches a
	// terminal state. The returned error reflects the failure that terminated
	// the run; a cancelled workflow returns nil.
	Execute(ctx context.Context, sessionID, token string) error

	// Cancel requests cancellation of a running or parked session. The run
	// observes the request at its next stage boundary.
	Cancel(ctx context.Context, sessionID string) error

	// Resume releases a session parked in awaiting_intervention; the failed
	// stage is re-executed.
	Resume(ctx context.Context, sessionID string) error

	// Status returns a copy of the session record.
	Status(ctx context.Context, sessionID string) (*session.Session, error)

	// Close cancels all active runs and waits for them to finish.
	Close() error
}

// StartResult identifies a launched workflow run.
type StartResult struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"progressToken"`
}

// run is the in-process handle of one active workflow execution.
type run struct {
	cancel context.CancelCauseFunc
	resume chan struct{}
}

type coordinator struct {
	sessions session.Store
	cache    resources.Service
	channel  *progress.Channel
	engine   *sampling.Engine
	registry *workflow.Registry
	logger   *zap.Logger
	tracer   trace.Tracer

	meter            metric.Meter
	startedCounter   metric.Int64Counter
	completedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// NewService creates a workflow coordinator. The store, cache, channel,
// engine and registry are required.
func NewService(
	store session.Store,
	cache resources.Service,
	channel *progress.Channel,
	engine *sampling.Engine,
	registry *workflow.Registry,
	logger *zap.Logger,
) (Service, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("resource cache is required")
	}
	if channel == nil {
		return nil, fmt.Errorf("progress channel is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("sampling engine is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("adapter registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &coordinator{
		sessions: store,
		cache:    cache,
		channel:  channel,
		engine:   engine,
		registry: registry,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		runs:     make(map[string]*run),
	}
	c.initMetrics()
	return c, nil
}

func (c *coordinator) initMetrics() {
	var err error
	c.startedCounter, err = c.meter.Int64Counter("workflow.runs.started",
		metric.WithDescription("Workflow runs started"))
	if err != nil {
		c.logger.Warn("failed to create started counter", zap.Error(err))
	}
	c.completedCounter, err = c.meter.Int64Counter("workflow.runs.completed",
		metric.WithDescription("Workflow runs completed"))
	if err != nil {
		c.logger.Warn("failed to create completed counter", zap.Error(err))
	}
	c.failedCounter, err = c.meter.Int64Counter("workflow.runs.failed",
		metric.WithDescription("Workflow runs failed"))
	if err != nil {
		c.logger.Warn("failed to create failed counter", zap.Error(err))
	}
}

func (c *coordinator) StartWorkflow(ctx context.Context, repository string, overrides *session.Overrides) (*StartResult, error) {
	if repository == "" {
		return nil, workflow.NewError("", workflow.KindInvalidConfig, 0, errors.New("repository is required"))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("coordinator is closed")
	}
	c.mu.Unlock()

	sess, err := c.sessions.Create(ctx, repository, overrides)
	if err != nil {
		return nil, err
	}
	token := c.channel.GenerateToken("workflow")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// Detached from the caller's context: the run outlives the request
		// that started it and is bounded by its own workflow timeout.
		if err := c.Execute(context.Background(), sess.ID, token); err != nil {
			c.logger.Warn("workflow run finished with error",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}()

	return &StartResult{SessionID: sess.ID, Token: token}, nil
}

func (c *coordinator) Execute(ctx context.Context, sessionID, token string) error {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State.Status.Terminal() {
		return fmt.Errorf("session %s already %s", sessionID, sess.State.Status)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	runCtx, timeout := context.WithTimeout(runCtx, sess.Config.WorkflowTimeout)
	defer timeout()
	defer cancel(nil)

	r := &run{cancel: cancel, resume: make(chan struct{}, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("coordinator is closed")
	}
	if _, active := c.runs[sessionID]; active {
		c.mu.Unlock()
		return fmt.Errorf("session %s is already running", sessionID)
	}
	c.runs[sessionID] = r
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.runs, sessionID)
		c.mu.Unlock()
	}()

	runCtx, span := c.tracer.Start(runCtx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("repository", sess.Repository),
		))
	defer span.End()

	if c.startedCounter != nil {
		c.startedCounter.Add(runCtx, 1)
	}
	c.logger.Info("workflow started",
		zap.String("session_id", sessionID),
		zap.String("repository", sess.Repository),
		zap.Bool("sampling", sess.Config.EnableSampling))

	if _, err := c.sessions.UpdateAtomic(runCtx, sessionID, func(s *session.Session) error {
		s.State.Status = workflow.StatusRunning
		return nil
	}); err != nil {
		return err
	}

	runErr := c.loop(runCtx, sessionID, token, r)
	return c.finish(sessionID, token, runCtx, runErr)
}

// finish resolves the run outcome into a terminal session state and the
// matching progress notification. Uses a fresh context: the run context is
// typically already cancelled at this point.
func (c *coordinator) finish(sessionID, token string, runCtx context.Context, runErr error) error {
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()

	if runErr == nil {
		if _, err := c.sessions.UpdateAtomic(ctx, sessionID, func(s *session.Session) error {
			s.State.Status = workflow.StatusCompleted
			return nil
		}); err != nil {
			return err
		}
		if c.completedCounter != nil {
			c.completedCounter.Add(ctx, 1)
		}
		c.channel.NotifyComplete(token, "workflow completed")
		c.logger.Info("workflow completed", zap.String("session_id", sessionID))
		return nil
	}

	cause := context.Cause(runCtx)
	if errors.Is(runErr, context.Canceled) && errors.Is(cause, errCancelRequested) {
		if _, err := c.sessions.UpdateAtomic(ctx, sessionID, func(s *session.Session) error {
			s.State.Status = workflow.StatusCancelled
			return nil
		}); err != nil {
			return err
		}
		// Ephemeral per-session cache entries are released on cancellation;
		// workflow:// artifacts stay until their TTL.
		pattern := fmt.Sprintf("cache://sessions/%s/*", sessionID)
		if n, err := c.cache.Invalidate(ctx, pattern); err == nil && n > 0 {
			c.logger.Debug("released session cache entries",
				zap.String("session_id", sessionID), zap.Int("count", n))
		}
		c.channel.NotifyError(token, "workflow cancelled")
		c.logger.Info("workflow cancelled", zap.String("session_id", sessionID))
		return nil
	}

	var classified *workflow.Error
	if errors.Is(runErr, context.DeadlineExceeded) && !errors.As(runErr, &classified) {
		runErr = workflow.NewError("", workflow.KindTimeout, 0,
			fmt.Errorf("workflow deadline exceeded: %w", runErr))
	}

	if _, err := c.sessions.UpdateAtomic(ctx, sessionID, func(s *session.Session) error {
		s.State.Status = workflow.StatusFailed
		var werr *workflow.Error
		if errors.As(runErr, &werr) && werr.Stage != "" {
			if s.State.Errors == nil {
				s.State.Errors = make(map[workflow.Stage]string)
			}
			s.State.Errors[werr.Stage] = runErr.Error()
		}
		return nil
	}); err != nil {
		return err
	}
	if c.failedCounter != nil {
		c.failedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("error.kind", string(workflow.KindOf(runErr)))))
	}
	c.channel.NotifyError(token, runErr.Error())
	c.logger.Warn("workflow failed",
		zap.String("session_id", sessionID), zap.Error(runErr))
	return runErr
}

// loop advances one session through the canonical stage order until the final
// stage completes, a failure survives its recovery policy, or the run context
// ends.
func (c *coordinator) loop(ctx context.Context, sessionID, token string, r *run) error {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	stage := sess.State.CurrentStage
	if !stage.Valid() {
		stage = workflow.StageAnalysis
	}

	outputs := make(map[workflow.Stage][]byte)
	var scan *workflow.ScanSummary
	total := len(workflow.Stages())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sess, err = c.sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}

		if _, err := c.sessions.UpdateAtomic(ctx, sessionID, func(s *session.Session) error {
			s.State.CurrentStage = stage
			return nil
		}); err != nil {
			return err
		}

		percent := stage.Index() * 100 / total
		c.channel.NotifyProgress(progress.Update{
			Token:   token,
			Value:   percent,
			Message: fmt.Sprintf("stage %s started", stage),
		})

		res, stageErr := c.executeWithRecovery(ctx, sess, stage, token, outputs, scan)
		if stageErr != nil {
			if errors.Is(stageErr, errManualHold) {
				if err := c.park(ctx, sessionID, token, stage, r, stageErr); err != nil {
					return err
				}
				continue // re-execute the parked stage
			}
			return stageErr
		}

		if res.skipped {
			c.logger.Warn("stage skipped after failure",
				zap.String("session_id", sessionID),
				zap.String("stage", string(stage)))
			c.channel.NotifyProgress(progress.Update{
				Token:   token,
				Value:   percent,
				Message: fmt.Sprintf("stage %s skipped", stage),
			})
		} else {
			if res.out != nil {
				if len(res.out.Content) > 0 {
					outputs[stage] = res.out.Content
					if err := c.persistOutput(ctx, sessionID, stage, res.out); err != nil {
						return err
					}
				}
				if res.out.Scan != nil {
					scan = res.out.Scan
				}
			}
			if _, err := c.sessions.UpdateAtomic(ctx, sessionID, func(s *session.Session) error {
				s.State.CompletedStages = append(s.State.CompletedStages, stage)
				delete(s.State.RetryCounts, stage)
				return nil
			}); err != nil {
				return err
			}
			c.logger.Info("stage completed",
				zap.String("session_id", sessionID),
				zap.String("stage", string(stage)),
				zap.Int("attempts", res.attempts))
		}

		next, more := workflow.NextStage(stage, scan, sess.Config.VulnerabilityThreshold)
		if !more {
			return nil
		}
		if stage == workflow.StageScan && next == workflow.StageManifestGeneration {
			c.logger.Info("remediation bypassed, scan is clean",
				zap.String("session_id", sessionID),
				zap.String("threshold", string(sess.Config.VulnerabilityThreshold)))
		}
		stage = next
	}
}

// park moves the session to awaiting_intervention and blocks until Resume or
// the run context ends.
func (c *coordinator) park(ctx context.Context, sessionID, token string, stage workflow.Stage, r *run, cause error) error {
	if _, err := c.sessions.UpdateAtomic(ctx, sessionID, func(s *session.Session) error {
		s.State.Status = workflow.StatusAwaitingIntervention
		if s.State.Errors == nil {
			s.State.Errors = make(map[workflow.Stage]string)
		}
		s.State.Errors[stage] = cause.Error()
		return nil
	}); err != nil {
		return err
	}
	c.channel.NotifyProgress(progress.Update{
		Token:   token,
		Value:   stage.Index() * 100 / len(workflow.Stages()),
		Message: fmt.Sprintf("stage %s awaiting intervention", stage),
	})
	c.logger.Warn("workflow awaiting intervention",
		zap.String("session_id", sessionID),
		zap.String("stage", string(stage)))

	select {
	case <-r.resume:
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := c.sessions.UpdateAtomic(ctx, sessionID, func(s *session.Session) error {
		s.State.Status = workflow.StatusRunning
		return nil
	}); err != nil {
		return err
	}
	c.logger.Info("workflow resumed",
		zap.String("session_id", sessionID),
		zap.String("stage", string(stage)))
	return nil
}

// persistOutput publishes the stage output to the resource cache and records
// the artifact URI on the session.
func (c *coordinator) persistOutput(ctx context.Context, sessionID string, stage workflow.Stage, out *workflow.Output) error {
	uri := fmt.Sprintf("workflow://sessions/%s/%s", sessionID, stage)
	opts := []resources.PublishOption{}
	if out.MimeType != "" {
		opts = append(opts, resources.WithMimeType(out.MimeType))
	}
	published, err := c.cache.Publish(ctx, uri, out.Content, opts...)
	if err != nil {
		return workflow.NewError(stage, publishKind(err), 0, err)
	}
	_, err = c.sessions.UpdateAtomic(ctx, sessionID, func(s *session.Session) error {
		s.Artifacts[string(stage)] = published
		for k, v := range out.Metadata {
			s.Artifacts[k] = v
		}
		return nil
	})
	return err
}

func (c *coordinator) Cancel(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	r, active := c.runs[sessionID]
	c.mu.Unlock()

	if active {
		r.cancel(errCancelRequested)
		return nil
	}

	// No in-process run: flip a non-terminal session directly.
	_, err := c.sessions.UpdateAtomic(ctx, sessionID, func(s *session.Session) error {
		if s.State.Status.Terminal() {
			return fmt.Errorf("session already %s", s.State.Status)
		}
		s.State.Status = workflow.StatusCancelled
		return nil
	})
	return err
}

func (c *coordinator) Resume(ctx context.Context, sessionID string) error {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State.Status != workflow.StatusAwaitingIntervention {
		return fmt.Errorf("%w: session %s is %s", ErrNotAwaiting, sessionID, sess.State.Status)
	}

	c.mu.Lock()
	r, active := c.runs[sessionID]
	c.mu.Unlock()
	if !active {
		return fmt.Errorf("%w: session %s", ErrNotRunning, sessionID)
	}

	select {
	case r.resume <- struct{}{}:
	default:
		// A resume is already pending.
	}
	return nil
}

func (c *coordinator) Status(ctx context.Context, sessionID string) (*session.Session, error) {
	return c.sessions.Get(ctx, sessionID)
}

func (c *coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, r := range c.runs {
		r.cancel(errCancelRequested)
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}
