// Package resources implements a TTL-bounded, size-limited artifact cache
// addressed by scheme-qualified URIs. Entries are safe for concurrent
// publish, read and invalidation across sessions; a read never returns
// content past its expiry.
package resources
