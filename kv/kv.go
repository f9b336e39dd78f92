// Package kv provides key-value storage backends for the kvkit coordination
// primitives.
//
// Store is the single contract boundary between the coordination layer and
// the underlying key-value server. The Redis implementation is the one to
// use in production; the in-memory implementation exists for development and
// tests only. No other kvkit package talks to the network directly.
//
// All operations take a context and complete in a single request/response
// round trip. Implementations apply a short per-operation timeout when the
// caller's context carries no deadline, so a slow or unreachable server
// degrades a request instead of hanging it.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhalm/canonlog"
)

// ErrUnavailable marks errors caused by transport failure or timeout talking
// to the store. Callers use errors.Is to distinguish an unreachable store
// (apply fail-open or fail-closed policy) from programming errors.
var ErrUnavailable = errors.New("kv: store unavailable")

// NoTTL is returned by TTL when the key does not exist or has no expiration.
const NoTTL = time.Duration(-1)

// Store defines the key-value operations the coordination layer depends on.
// Implementations must be safe for concurrent use from many handler
// instances; Increment must be atomic at the store level so concurrent
// counters never lose updates.
type Store interface {
	// Get retrieves the value for key. A missing key is reported via the
	// bool, not an error.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetWithTTL stores value under key, expiring after ttl.
	// A ttl of zero or less stores the value without expiration.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Returns true if the key existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Increment atomically increments the counter for key and returns the
	// new count and the time remaining until the key expires. When the
	// increment creates the key (count == 1) the expiration is set to
	// window. The increment and the conditional expire are a single atomic
	// step at the store.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Expire sets the expiration of an existing key. Returns false if the
	// key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the time remaining until key expires, or NoTTL if the
	// key is absent or has no expiration.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Keys returns all keys matching the glob-style pattern.
	//
	// This is an expensive scan over the keyspace and must never be called
	// on a request hot path. It exists for bulk cache invalidation and
	// administrative tooling.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// SortedSetAdd adds member to the sorted set at key with the given
	// score, replacing the member's score if it is already present.
	SortedSetAdd(ctx context.Context, key string, score float64, member string) error

	// SortedSetRangeByScore returns members with min <= score <= max in
	// ascending score order. Use math.Inf for unbounded ends.
	SortedSetRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	// SortedSetRemoveByScore removes members with min <= score <= max and
	// returns the number removed.
	SortedSetRemoveByScore(ctx context.Context, key string, min, max float64) (int64, error)

	// SortedSetTrim keeps only the maxEntries highest-scored members,
	// removing the lowest-scored surplus. Returns the number removed.
	SortedSetTrim(ctx context.Context, key string, maxEntries int64) (int64, error)

	// SortedSetLen returns the number of members in the sorted set at key.
	SortedSetLen(ctx context.Context, key string) (int64, error)

	// Ping verifies connectivity to the store.
	Ping(ctx context.Context) error

	// Available reports the cached result of the most recent health probe.
	// It never blocks on the network beyond a short, throttled re-probe.
	Available() bool

	// Close releases any resources held by the store.
	Close() error
}

// unavailable wraps a transport error so callers can detect it with
// errors.Is(err, ErrUnavailable). The operation and key are retained for
// diagnostics; values never appear in the error.
func unavailable(op, key string, cause error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, key, cause)
}

// logError adds a store failure to the caller's canonical log line when one
// is active. Keys are logged, values never are.
func logError(ctx context.Context, op, key string, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.ErrorAdd(ctx, fmt.Errorf("kv %s %s: %w", op, key, err))
}
