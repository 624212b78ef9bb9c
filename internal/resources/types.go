package resources

import (
	"errors"
	"time"
)

var (
	// ErrPayloadTooLarge rejects a publish above the configured size limit.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum resource size")

	// ErrInvalidURI rejects a malformed or unknown-scheme URI.
	ErrInvalidURI = errors.New("invalid resource uri")

	// ErrClosed rejects operations after Close.
	ErrClosed = errors.New("resource cache is closed")
)

// Resource is one cached artifact.
type Resource struct {
	URI       string     `json:"uri"`
	Content   []byte     `json:"content"`
	MimeType  string     `json:"mime_type"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	SizeBytes int64      `json:"size_bytes"`
}

// Metadata describes a cached artifact without its content.
type Metadata struct {
	URI       string     `json:"uri"`
	MimeType  string     `json:"mime_type"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	SizeBytes int64      `json:"size_bytes"`
}

// Config configures the resource cache.
type Config struct {
	// MaxPayloadBytes is the per-entry size limit (default: 5 MiB).
	MaxPayloadBytes int64

	// DefaultTTL applies to entries published without an explicit TTL
	// (default: 1h).
	DefaultTTL time.Duration

	// SweepInterval is the background cleanup period (default: 1m).
	SweepInterval time.Duration

	// AllowedSchemes are the accepted URI schemes
	// (default: cache, artifact, workflow).
	AllowedSchemes []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxPayloadBytes: 5 * 1024 * 1024,
		DefaultTTL:      time.Hour,
		SweepInterval:   time.Minute,
		AllowedSchemes:  []string{"cache", "artifact", "workflow"},
	}
}
