// Package cache provides named, tiered caches behind a single
// orchestrating Manager. Each tier honors one shared expiry contract: an
// entry is expired when now - created_at > ttl.
package cache

import "context"

// Tier is one backing store for a named cache. Implementations are safe
// for concurrent use.
type Tier interface {
	// Get returns the value for key. The boolean reports a hit; expired
	// entries report a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores or overwrites the value for key.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key if present.
	Delete(ctx context.Context, key string) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// CleanupExpired removes expired entries and returns how many were
	// removed. Calling it twice in succession is a no-op the second time.
	CleanupExpired(ctx context.Context) (int, error)
	// Len returns the current entry count.
	Len() int
	// Evictions returns the number of capacity-driven evictions so far.
	Evictions() int64
	// Close releases tier resources. Must be idempotent.
	Close() error
}
