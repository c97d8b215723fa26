// Package cache provides the TTL-bounded key-to-id lookup stores used to
// associate repeat events with existing sessions and hits. Entries are
// best-effort: the SQL store stays authoritative, and a lost entry only
// forces a new session or hit where a match was intended.
package cache

import (
	"context"
	"time"
)

// Key namespaces. Full keys are <prefix><service uuid>:<suffix> so entries
// for distinct services never collide. Values are entity ids.
const (
	SessionAssociationPrefix = "session_assoc:"
	HitIdempotencyPrefix     = "hit_idem:"
)

// Store is a TTL-bounded key/value lookup. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Refresh extends the ttl of an existing entry. Missing entries are a no-op.
	Refresh(ctx context.Context, key string, ttl time.Duration) error
}
