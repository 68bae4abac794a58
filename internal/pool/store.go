package pool

import (
	"context"
	"time"
)

// Store is the minimal atomic surface the pool needs from the shared
// external store. Correctness across replicas rests entirely on these
// primitives being atomic per call; the pool never takes cross-replica
// locks. Implementations: RedisStore (production) and MemoryStore
// (tests, single-node development).
type Store interface {
	// HGetAll returns all fields of a hash, or an empty map when the key is
	// absent or expired.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HSet writes the given fields into a hash, creating it if needed.
	// Existing fields not named are left untouched.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HIncrBy atomically adds delta to a hash field and returns the new value.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// Get returns a plain string value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Incr atomically increments an integer key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets a relative TTL on a key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ExpireAt sets an absolute expiry instant on a key.
	ExpireAt(ctx context.Context, key string, at time.Time) error

	// Del removes keys, returning how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Keys lists keys matching a glob pattern. Used only by admin sweeps,
	// never on the request path.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
