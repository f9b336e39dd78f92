package kv

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// incrScript is a Lua script that atomically increments a counter and sets
// its expiration. This ensures that the INCR, EXPIRE, and TTL operations
// happen atomically without other clients interleaving commands. Returns
// [count, ttl] where count is the new value and ttl is the remaining time
// in seconds.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('TTL', KEYS[1])
return {count, ttl}
`)

// Redis is a Redis-backed implementation of Store suitable for distributed
// deployments. Counter increments use a Lua script so they stay accurate
// across many stateless handler instances sharing one server.
type Redis struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration

	// Cached health state. The probe limiter throttles re-probing so a
	// down server is not hammered with pings on every Available call.
	healthMu sync.Mutex
	healthy  bool
	probe    *rate.Limiter
}

// RedisConfig holds configuration for the Redis connection.
// All fields should be populated explicitly by your application code from
// environment variables, config files, or other sources. Never reads
// environment variables directly.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional, leave empty if not needed)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys. Leave empty unless several
	// applications share one database. Component namespaces (rate_limit:,
	// otp:, cache:, timeseries:) are applied by the callers on top of it.
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration

	// OpTimeout bounds each store operation when the caller's context has
	// no deadline of its own (default: 3s).
	OpTimeout time.Duration

	// ProbeInterval is the minimum time between health re-probes for
	// Available (default: 60s).
	ProbeInterval time.Duration
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning. Returns an error if
// the connection cannot be established within 5 seconds.
//
// Example:
//
//	store, err := kv.NewRedis(kv.RedisConfig{
//		URL:      "localhost:6379",
//		Password: "",
//		DB:       0,
//	})
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.OpTimeout <= 0 {
		config.OpTimeout = 3 * time.Second
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = time.Minute
	}

	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		opts.MinIdleConns = config.MinIdleConns
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	probe := rate.NewLimiter(rate.Every(config.ProbeInterval), 1)
	// The constructor ping just succeeded; spend the initial token so the
	// first Available call reflects it instead of pinging again.
	probe.Allow()

	return &Redis{
		client:    client,
		prefix:    config.Prefix,
		opTimeout: config.OpTimeout,
		healthy:   true,
		probe:     probe,
	}, nil
}

// opCtx applies the per-operation timeout when the caller's context carries
// no deadline.
func (r *Redis) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

// fail records the failure on the caller's canonical log line and returns it
// wrapped as ErrUnavailable.
func (r *Redis) fail(ctx context.Context, op, key string, err error) error {
	wrapped := unavailable(op, key, err)
	logError(ctx, op, key, err)
	return wrapped
}

// Get retrieves the value for the given key. A missing key is a miss, not
// an error.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.fail(ctx, "get", key, err)
	}
	return val, true, nil
}

// SetWithTTL stores value under key with the given expiration.
func (r *Redis) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return r.fail(ctx, "set", key, err)
	}
	return nil
}

// Delete removes the given key. Returns true if the key existed.
func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	n, err := r.client.Del(ctx, r.prefix+key).Result()
	if err != nil {
		return false, r.fail(ctx, "del", key, err)
	}
	return n > 0, nil
}

// Exists reports whether the given key is present.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, r.fail(ctx, "exists", key, err)
	}
	return n > 0, nil
}

// Increment atomically increments the counter for the given key using a Lua
// script. The script ensures that INCR, EXPIRE, and TTL operations execute
// atomically without other clients interleaving commands. Returns the new
// count, time remaining until the window resets, and any error.
func (r *Redis) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	fullKey := r.prefix + key

	result, err := incrScript.Run(ctx, r.client, []string{fullKey}, int(window.Seconds())).Slice()
	if err != nil {
		return 0, 0, r.fail(ctx, "incr", key, err)
	}

	if len(result) != 2 {
		return 0, 0, fmt.Errorf("unexpected result length: got %d, want 2", len(result))
	}

	count, ok := result[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected type for count: %T", result[0])
	}

	ttlSeconds, ok := result[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected type for ttl: %T", result[1])
	}

	return count, time.Duration(ttlSeconds) * time.Second, nil
}

// Expire sets the expiration of an existing key.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	ok, err := r.client.Expire(ctx, r.prefix+key, ttl).Result()
	if err != nil {
		return false, r.fail(ctx, "expire", key, err)
	}
	return ok, nil
}

// TTL returns the time remaining until the key expires, or NoTTL if the key
// is absent or has no expiration.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	d, err := r.client.TTL(ctx, r.prefix+key).Result()
	if err != nil {
		return NoTTL, r.fail(ctx, "ttl", key, err)
	}
	// go-redis reports -1 (no expiration) and -2 (missing key) as negative
	// durations; both collapse to NoTTL here.
	if d < 0 {
		return NoTTL, nil
	}
	return d, nil
}

// Keys returns all keys matching the glob-style pattern using an iterative
// SCAN. This walks the keyspace and must not be called on a hot path.
func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(r.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, r.fail(ctx, "scan", pattern, err)
	}
	return keys, nil
}

// SortedSetAdd adds member to the sorted set at key with the given score.
func (r *Redis) SortedSetAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.ZAdd(ctx, r.prefix+key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return r.fail(ctx, "zadd", key, err)
	}
	return nil
}

// SortedSetRangeByScore returns members with scores between min and max in
// ascending score order.
func (r *Redis) SortedSetRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	members, err := r.client.ZRangeByScore(ctx, r.prefix+key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, r.fail(ctx, "zrangebyscore", key, err)
	}
	return members, nil
}

// SortedSetRemoveByScore removes members with scores between min and max and
// returns the number removed.
func (r *Redis) SortedSetRemoveByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	n, err := r.client.ZRemRangeByScore(ctx, r.prefix+key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, r.fail(ctx, "zremrangebyscore", key, err)
	}
	return n, nil
}

// SortedSetTrim keeps only the maxEntries highest-scored members of the
// sorted set, removing the lowest-scored surplus.
func (r *Redis) SortedSetTrim(ctx context.Context, key string, maxEntries int64) (int64, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if maxEntries <= 0 {
		return 0, nil
	}
	// Rank -maxEntries-1 is the highest-ranked member past the cap counting
	// from the top, so removing ranks [0, -maxEntries-1] drops the oldest.
	n, err := r.client.ZRemRangeByRank(ctx, r.prefix+key, 0, -maxEntries-1).Result()
	if err != nil {
		return 0, r.fail(ctx, "zremrangebyrank", key, err)
	}
	return n, nil
}

// SortedSetLen returns the number of members in the sorted set at key.
func (r *Redis) SortedSetLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	n, err := r.client.ZCard(ctx, r.prefix+key).Result()
	if err != nil {
		return 0, r.fail(ctx, "zcard", key, err)
	}
	return n, nil
}

// Ping verifies connectivity to the Redis server.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.fail(ctx, "ping", "", err)
	}
	return nil
}

// Available reports the cached result of the most recent health probe.
// Re-probing is throttled to at most once per ProbeInterval, so calling this
// on every request is cheap even while the server is down.
func (r *Redis) Available() bool {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	if r.probe.Allow() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.healthy = r.client.Ping(ctx).Err() == nil
	}
	return r.healthy
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// formatScore renders a float score bound for Redis range commands,
// preserving infinities.
func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
