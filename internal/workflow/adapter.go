package workflow

import (
	"context"
	"sync"
	"time"
)

// ResourcePublisher lets adapters hand off large outputs (build logs, raw
// scan reports) to the resource cache instead of returning them inline.
// The coordinator scopes the publisher to the running session.
type ResourcePublisher interface {
	Publish(ctx context.Context, name string, content []byte, mimeType string, ttl time.Duration) (string, error)
}

// Input is the payload handed to a stage adapter.
type Input struct {
	SessionID  string
	Repository string
	Stage      Stage
	Config     Config

	// Payload is the stage input artifact: the sampling winner for
	// sampling-enabled stages, otherwise the previous stage's output.
	Payload []byte

	// Artifacts maps logical artifact names to resource URIs accumulated so
	// far in this session.
	Artifacts map[string]string

	// Scan is the most recent vulnerability summary. Set for stages that run
	// after Scan, nil before it.
	Scan *ScanSummary

	// Publisher stores large adapter outputs in the resource cache.
	// May be nil in tests.
	Publisher ResourcePublisher
}

// Output is the result of a stage adapter execution.
type Output struct {
	// Content is the primary stage output persisted under the stage's
	// artifact name.
	Content []byte

	// MimeType describes Content. Defaults to text/plain when empty.
	MimeType string

	// Scan carries the vulnerability summary. Set only by the scan stage.
	Scan *ScanSummary

	// Metadata holds small key/value results (image tag, digest, rollout status).
	Metadata map[string]string
}

// Adapter executes one workflow stage against an external tool. Execute must
// honor ctx cancellation and return promptly after it fires.
type Adapter interface {
	Kind() Stage
	Execute(ctx context.Context, in *Input) (*Output, error)
}

// Registry binds adapters to stage kinds. Each stage has at most one primary
// adapter and one fallback, used by the RecoveryFallback policy.
type Registry struct {
	mu        sync.RWMutex
	adapters  map[Stage]Adapter
	fallbacks map[Stage]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters:  make(map[Stage]Adapter),
		fallbacks: make(map[Stage]Adapter),
	}
}

// Register binds the primary adapter for its stage kind, replacing any
// previous binding.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// RegisterFallback binds the fallback adapter for its stage kind.
func (r *Registry) RegisterFallback(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[a.Kind()] = a
}

// Adapter returns the primary adapter for a stage.
func (r *Registry) Adapter(s Stage) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[s]
	return a, ok
}

// Fallback returns the fallback adapter for a stage, if registered.
func (r *Registry) Fallback(s Stage) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.fallbacks[s]
	return a, ok
}
