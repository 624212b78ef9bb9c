package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/workflow"
)

const instrumentationName = "github.com/gambtho/container-assist/internal/session"

// entry pairs a session with its exclusive update lock.
type entry struct {
	mu   sync.Mutex
	sess *Session
}

// memoryStore is the in-memory Store implementation. It honors the session
// serialization contract through the Session/State json tags, so a durable
// backend can reuse the same types.
type memoryStore struct {
	config *Config
	logger *zap.Logger

	meter         metric.Meter
	createCounter metric.Int64Counter
	expireCounter metric.Int64Counter

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
	done    chan struct{}
}

// NewMemoryStore creates an in-memory session store and starts its janitor.
func NewMemoryStore(cfg *Config, logger *zap.Logger) Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &memoryStore{
		config:  cfg,
		logger:  logger,
		meter:   otel.Meter(instrumentationName),
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	s.initMetrics()

	go s.janitor()

	return s
}

func (s *memoryStore) initMetrics() {
	var err error

	s.createCounter, err = s.meter.Int64Counter(
		"container_assist.sessions.created_total",
		metric.WithDescription("Total sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		s.logger.Warn("failed to create session counter", zap.Error(err))
	}

	s.expireCounter, err = s.meter.Int64Counter(
		"container_assist.sessions.expired_total",
		metric.WithDescription("Total sessions evicted by TTL"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		s.logger.Warn("failed to create expire counter", zap.Error(err))
	}
}

// baseConfig returns a fresh copy of the configured defaults so overrides
// applied to one session never leak into another.
func (s *memoryStore) baseConfig() workflow.Config {
	if s.config.Defaults == nil {
		return workflow.DefaultConfig()
	}
	cfg := *s.config.Defaults
	cfg.StageTimeouts = make(map[workflow.Stage]time.Duration, len(s.config.Defaults.StageTimeouts))
	for k, v := range s.config.Defaults.StageTimeouts {
		cfg.StageTimeouts[k] = v
	}
	cfg.Recovery = make(map[workflow.Stage]workflow.RecoveryPolicy, len(s.config.Defaults.Recovery))
	for k, v := range s.config.Defaults.Recovery {
		cfg.Recovery[k] = v
	}
	return cfg
}

func (s *memoryStore) Create(ctx context.Context, repository string, overrides *Overrides) (*Session, error) {
	if repository == "" {
		return nil, fmt.Errorf("repository is required")
	}

	cfg := overrides.Apply(s.baseConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:         uuid.NewString(),
		Repository: repository,
		Config:     cfg,
		State: State{
			Status:          workflow.StatusPending,
			CurrentStage:    workflow.StageAnalysis,
			CompletedStages: []workflow.Stage{},
			RetryCounts:     make(map[workflow.Stage]int),
			Errors:          make(map[workflow.Stage]string),
		},
		Artifacts:      make(map[string]string),
		CreatedAt:      now,
		LastActivityAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.entries[sess.ID] = &entry{sess: sess}

	if s.createCounter != nil {
		s.createCounter.Add(ctx, 1)
	}
	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("repository", repository),
		zap.Bool("sampling", cfg.EnableSampling))

	return sess.clone(), nil
}

func (s *memoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.clone(), nil
}

func (s *memoryStore) UpdateAtomic(_ context.Context, id string, mutator func(*Session) error) (*Session, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if s.expiredLocked(e.sess, time.Now()) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}

	// Mutate a copy; an erroring mutator leaves the stored session untouched.
	draft := e.sess.clone()
	if err := mutator(draft); err != nil {
		return nil, err
	}
	draft.LastActivityAt = time.Now()
	e.sess = draft

	return draft.clone(), nil
}

func (s *memoryStore) List(_ context.Context, filter Filter) ([]*Session, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []*Session
	for _, e := range entries {
		e.mu.Lock()
		if filter.matches(e.sess) {
			out = append(out, e.sess.clone())
		}
		e.mu.Unlock()
	}
	return out, nil
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *memoryStore) ExpireOlderThan(ctx context.Context, age time.Duration) int {
	cutoff := time.Now().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.entries {
		e.mu.Lock()
		stale := e.sess.LastActivityAt.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(s.entries, id)
			evicted++
		}
	}

	if evicted > 0 {
		if s.expireCounter != nil {
			s.expireCounter.Add(ctx, int64(evicted))
		}
		s.logger.Info("stale sessions evicted", zap.Int("count", evicted))
	}
	return evicted
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

func (s *memoryStore) expiredLocked(sess *Session, now time.Time) bool {
	return s.config.TTL > 0 && now.After(sess.LastActivityAt.Add(s.config.TTL))
}

func (s *memoryStore) janitor() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ExpireOlderThan(context.Background(), s.config.TTL)
		case <-s.done:
			return
		}
	}
}
