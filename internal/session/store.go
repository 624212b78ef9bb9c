package session

import (
	"context"
	"time"

	"github.com/gambtho/container-assist/internal/workflow"
)

// Store manages workflow sessions. Implementations must serialize concurrent
// UpdateAtomic calls against the same session.
type Store interface {
	// Create builds a session from the default workflow configuration with
	// the given overrides applied. The merged configuration is validated;
	// out-of-range values are rejected with an invalid_config error.
	Create(ctx context.Context, repository string, overrides *Overrides) (*Session, error)

	// Get returns a copy of the session, or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// UpdateAtomic applies mutator to the session under its exclusive lock
	// and returns the updated copy. The mutator must not retain the session
	// pointer past its return. LastActivityAt is bumped on success.
	UpdateAtomic(ctx context.Context, id string, mutator func(*Session) error) (*Session, error)

	// List returns copies of sessions matching the filter.
	List(ctx context.Context, filter Filter) ([]*Session, error)

	// Delete removes a session. Deleting an unknown session is not an error.
	Delete(ctx context.Context, id string) error

	// ExpireOlderThan evicts sessions whose lastActivityAt is older than the
	// given age and returns the number evicted.
	ExpireOlderThan(ctx context.Context, age time.Duration) int

	// Close stops background maintenance.
	Close() error
}

// Config configures a session store.
type Config struct {
	// TTL is the session idle lifetime measured from lastActivityAt
	// (default: 24h).
	TTL time.Duration

	// SweepInterval is the janitor period (default: 5m).
	SweepInterval time.Duration

	// Defaults is the base workflow configuration new sessions start from
	// before overrides. Nil means the stock defaults.
	Defaults *workflow.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TTL:           24 * time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}
