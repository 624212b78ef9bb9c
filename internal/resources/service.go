package resources

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/gambtho/container-assist/internal/resources"

// Service provides cache operations over URI-addressed artifacts.
type Service interface {
	// Publish stores content under uri, overwriting any existing entry.
	// Returns the canonical URI.
	Publish(ctx context.Context, uri string, content []byte, opts ...PublishOption) (string, error)

	// Read returns the resource, or (nil, nil) when absent or expired.
	Read(ctx context.Context, uri string) (*Resource, error)

	// GetMetadata returns size/ttl information without the payload, or
	// (nil, nil) when absent or expired.
	GetMetadata(ctx context.Context, uri string) (*Metadata, error)

	// List returns URIs of live entries matching a glob-style pattern.
	List(ctx context.Context, pattern string) ([]string, error)

	// Invalidate removes all entries whose URI matches the pattern and
	// returns the number removed.
	Invalidate(ctx context.Context, pattern string) (int, error)

	// Cleanup sweeps expired entries and returns the number evicted.
	// Safe to call concurrently with reads and writes.
	Cleanup(ctx context.Context) int

	// Close stops the background sweeper.
	Close() error
}

// PublishOption customizes a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	ttl      time.Duration
	noExpiry bool
	mimeType string
}

// WithTTL overrides the default time-to-live for this entry.
func WithTTL(d time.Duration) PublishOption {
	return func(o *publishOptions) { o.ttl = d }
}

// WithNoExpiry publishes an entry that never expires.
func WithNoExpiry() PublishOption {
	return func(o *publishOptions) { o.noExpiry = true }
}

// WithMimeType sets the entry's mime type (default: text/plain).
func WithMimeType(mt string) PublishOption {
	return func(o *publishOptions) { o.mimeType = mt }
}

type entry struct {
	resource Resource
}

func (e *entry) expired(now time.Time) bool {
	return e.resource.ExpiresAt != nil && now.After(*e.resource.ExpiresAt)
}

// service is the in-memory Service implementation.
type service struct {
	config *Config
	logger *zap.Logger

	meter           metric.Meter
	publishCounter  metric.Int64Counter
	hitCounter      metric.Int64Counter
	missCounter     metric.Int64Counter
	evictionCounter metric.Int64Counter

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
	done    chan struct{}
}

// NewService creates a resource cache and starts its sweep loop.
func NewService(cfg *Config, logger *zap.Logger) Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:  cfg,
		logger:  logger,
		meter:   otel.Meter(instrumentationName),
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	s.initMetrics()

	go s.sweepLoop()

	return s
}

func (s *service) initMetrics() {
	var err error

	s.publishCounter, err = s.meter.Int64Counter(
		"container_assist.cache.publishes_total",
		metric.WithDescription("Total resources published"),
		metric.WithUnit("{publish}"),
	)
	if err != nil {
		s.logger.Warn("failed to create publish counter", zap.Error(err))
	}

	s.hitCounter, err = s.meter.Int64Counter(
		"container_assist.cache.hits_total",
		metric.WithDescription("Total cache read hits"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		s.logger.Warn("failed to create hit counter", zap.Error(err))
	}

	s.missCounter, err = s.meter.Int64Counter(
		"container_assist.cache.misses_total",
		metric.WithDescription("Total cache read misses"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		s.logger.Warn("failed to create miss counter", zap.Error(err))
	}

	s.evictionCounter, err = s.meter.Int64Counter(
		"container_assist.cache.evictions_total",
		metric.WithDescription("Total expired entries evicted"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		s.logger.Warn("failed to create eviction counter", zap.Error(err))
	}
}

func (s *service) Publish(ctx context.Context, uri string, content []byte, opts ...PublishOption) (string, error) {
	if err := s.validateURI(uri); err != nil {
		return "", err
	}
	if int64(len(content)) > s.config.MaxPayloadBytes {
		return "", fmt.Errorf("%w: %d bytes > %d", ErrPayloadTooLarge, len(content), s.config.MaxPayloadBytes)
	}

	options := publishOptions{ttl: s.config.DefaultTTL, mimeType: "text/plain"}
	for _, opt := range opts {
		opt(&options)
	}

	now := time.Now()
	res := Resource{
		URI:       uri,
		Content:   append([]byte(nil), content...),
		MimeType:  options.mimeType,
		CreatedAt: now,
		SizeBytes: int64(len(content)),
	}
	if !options.noExpiry {
		expiry := now.Add(options.ttl)
		res.ExpiresAt = &expiry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	s.entries[uri] = &entry{resource: res}

	if s.publishCounter != nil {
		s.publishCounter.Add(ctx, 1)
	}
	s.logger.Debug("resource published",
		zap.String("uri", uri),
		zap.Int64("size_bytes", res.SizeBytes))

	return uri, nil
}

func (s *service) Read(ctx context.Context, uri string) (*Resource, error) {
	if err := s.validateURI(uri); err != nil {
		return nil, err
	}

	s.mu.RLock()
	e, ok := s.entries[uri]
	s.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		if s.missCounter != nil {
			s.missCounter.Add(ctx, 1)
		}
		return nil, nil
	}

	if s.hitCounter != nil {
		s.hitCounter.Add(ctx, 1)
	}

	// Copy out so callers cannot mutate the cached payload.
	res := e.resource
	res.Content = append([]byte(nil), e.resource.Content...)
	return &res, nil
}

func (s *service) GetMetadata(ctx context.Context, uri string) (*Metadata, error) {
	if err := s.validateURI(uri); err != nil {
		return nil, err
	}

	s.mu.RLock()
	e, ok := s.entries[uri]
	s.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		return nil, nil
	}

	return &Metadata{
		URI:       e.resource.URI,
		MimeType:  e.resource.MimeType,
		CreatedAt: e.resource.CreatedAt,
		ExpiresAt: e.resource.ExpiresAt,
		SizeBytes: e.resource.SizeBytes,
	}, nil
}

func (s *service) List(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var uris []string
	for uri, e := range s.entries {
		if e.expired(now) {
			continue
		}
		ok, err := matchURI(pattern, uri)
		if err != nil {
			return nil, err
		}
		if ok {
			uris = append(uris, uri)
		}
	}
	return uris, nil
}

func (s *service) Invalidate(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for uri := range s.entries {
		ok, err := matchURI(pattern, uri)
		if err != nil {
			return removed, err
		}
		if ok {
			delete(s.entries, uri)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("resources invalidated",
			zap.String("pattern", pattern),
			zap.Int("removed", removed))
	}
	return removed, nil
}

func (s *service) Cleanup(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	evicted := 0
	for uri, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, uri)
			evicted++
		}
	}

	if evicted > 0 {
		if s.evictionCounter != nil {
			s.evictionCounter.Add(ctx, int64(evicted))
		}
		s.logger.Debug("expired resources evicted", zap.Int("count", evicted))
	}
	return evicted
}

func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

func (s *service) sweepLoop() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup(context.Background())
		case <-s.done:
			return
		}
	}
}

// validateURI enforces the scheme://path shape against the allowed scheme set.
func (s *service) validateURI(uri string) error {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" || rest == "" {
		return fmt.Errorf("%w: %q must be scheme://path", ErrInvalidURI, uri)
	}
	for _, allowed := range s.config.AllowedSchemes {
		if scheme == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: scheme %q not in %v", ErrInvalidURI, scheme, s.config.AllowedSchemes)
}

// matchURI applies glob-style matching. A single '*' matches within one path
// segment; a trailing "/*" after the scheme matches any depth below a prefix.
func matchURI(pattern, uri string) (bool, error) {
	if pattern == "" || pattern == "*" {
		return true, nil
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		if strings.HasPrefix(uri, prefix+"/") {
			return true, nil
		}
	}
	ok, err := path.Match(pattern, uri)
	if err != nil {
		return false, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	return ok, nil
}
