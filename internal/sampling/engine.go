package sampling

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gambtho/container-assist/internal/workflow"
)

const instrumentationName = "github.com/gambtho/container-assist/internal/sampling"

// Config configures the sampling engine.
type Config struct {
	// MaxParallel caps concurrent strategy invocations (default: 3).
	MaxParallel int

	// Weights overrides the default per-stage scoring weights.
	Weights map[workflow.Stage]Weights
}

// DefaultEngineConfig returns sensible defaults.
func DefaultEngineConfig() *Config {
	return &Config{
		MaxParallel: 3,
		Weights:     DefaultWeights(),
	}
}

// Engine generates, scores and ranks artifact candidates.
type Engine struct {
	config *Config
	logger *zap.Logger

	meter            metric.Meter
	candidateCounter metric.Int64Counter
	failureCounter   metric.Int64Counter

	mu         sync.RWMutex
	strategies map[workflow.Stage][]Strategy
}

// NewEngine creates a sampling engine pre-loaded with the built-in strategy
// sets for the sampling-enabled stages.
func NewEngine(cfg *Config, logger *zap.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultEngineConfig()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 3
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config:     cfg,
		logger:     logger,
		meter:      otel.Meter(instrumentationName),
		strategies: make(map[workflow.Stage][]Strategy),
	}
	e.initMetrics()

	for _, stage := range []workflow.Stage{workflow.StageArtifactGeneration, workflow.StageManifestGeneration} {
		e.strategies[stage] = DefaultStrategies(stage)
	}

	return e
}

func (e *Engine) initMetrics() {
	var err error

	e.candidateCounter, err = e.meter.Int64Counter(
		"container_assist.sampling.candidates_total",
		metric.WithDescription("Total candidates generated"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		e.logger.Warn("failed to create candidate counter", zap.Error(err))
	}

	e.failureCounter, err = e.meter.Int64Counter(
		"container_assist.sampling.strategy_failures_total",
		metric.WithDescription("Total strategy invocations that failed"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		e.logger.Warn("failed to create failure counter", zap.Error(err))
	}
}

// RegisterStrategies replaces the strategy set for a stage kind.
func (e *Engine) RegisterStrategies(stage workflow.Stage, strategies []Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[stage] = strategies
}

// Supports reports whether a stage has registered strategies.
func (e *Engine) Supports(stage workflow.Stage) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.strategies[stage]) > 0
}

// GenerateCandidates invokes count independent strategy calls concurrently,
// capped at MaxParallel in flight. Strategies cycle when count exceeds the
// registered set. Failed strategies are omitted from the result; the call
// fails only when zero candidates were produced.
func (e *Engine) GenerateCandidates(ctx context.Context, stage workflow.Stage, sctx *Context, count int) ([]Candidate, error) {
	e.mu.RLock()
	strategies := e.strategies[stage]
	e.mu.RUnlock()

	if len(strategies) == 0 {
		return nil, fmt.Errorf("no strategies registered for stage %s", stage)
	}
	if count <= 0 {
		return nil, fmt.Errorf("candidate count must be positive, got %d", count)
	}

	results := make([]*Candidate, count)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.config.MaxParallel)

	for i := 0; i < count; i++ {
		seq := i
		strategy := strategies[i%len(strategies)]
		group.Go(func() error {
			content, err := strategy.Generate(gctx, sctx)
			if err != nil {
				// Independent failures are tolerated, not propagated.
				if e.failureCounter != nil {
					e.failureCounter.Add(gctx, 1)
				}
				e.logger.Warn("generation strategy failed",
					zap.String("strategy", strategy.ID()),
					zap.String("stage", string(stage)),
					zap.Error(err))
				return nil
			}
			results[seq] = &Candidate{Seq: seq, StrategyID: strategy.ID(), Content: content}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, count)
	for _, c := range results {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: all %d strategies failed for stage %s", ErrNoCandidates, count, stage)
	}

	if e.candidateCounter != nil {
		e.candidateCounter.Add(ctx, int64(len(candidates)))
	}
	e.logger.Debug("candidates generated",
		zap.String("stage", string(stage)),
		zap.Int("requested", count),
		zap.Int("produced", len(candidates)))

	return candidates, nil
}

// Score rates a candidate with the stage's configured weights.
func (e *Engine) Score(candidate Candidate, stage workflow.Stage, sctx *Context) ScoredCandidate {
	weights, ok := e.config.Weights[stage]
	if !ok {
		weights = Weights{ComponentCompliance: 1.0}
	}
	return Score(candidate, sctx, weights)
}

// ScoreAll rates every candidate, preserving generation order.
func (e *Engine) ScoreAll(candidates []Candidate, stage workflow.Stage, sctx *Context) []ScoredCandidate {
	scored := make([]ScoredCandidate, len(candidates))
	for i, c := range candidates {
		scored[i] = e.Score(c, stage, sctx)
	}
	return scored
}
