package kv

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-memory implementation of Store.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// Each process maintains its own separate state, so rate limits, passcodes,
// and cache entries are NOT shared across instances. Use Memory only for
// local development and tests; production deployments use the Redis store.
//
// Scalar entries are held in a go-cache instance, which handles TTL expiry
// and periodic cleanup. Sorted sets are held in a mutex-guarded map, since
// go-cache has no ordered-collection support.
type Memory struct {
	mu      sync.Mutex
	entries *gocache.Cache
	zsets   map[string]*memZSet
}

type memZSet struct {
	scores   map[string]float64
	expireAt time.Time // zero means no expiration
}

func (z *memZSet) expired(now time.Time) bool {
	return !z.expireAt.IsZero() && now.After(z.expireAt)
}

// NewMemory creates a new in-memory store. Expired scalar entries are
// cleaned up by go-cache's background janitor once a minute.
func NewMemory() *Memory {
	return &Memory{
		entries: gocache.New(gocache.NoExpiration, time.Minute),
		zsets:   make(map[string]*memZSet),
	}
}

func memTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

// Get retrieves the value for the given key.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	val, found := m.entries.Get(key)
	if !found {
		return "", false, nil
	}
	return val.(string), true, nil
}

// SetWithTTL stores value under key with the given expiration.
func (m *Memory) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	m.entries.Set(key, value, memTTL(ttl))
	return nil
}

// Delete removes the given key. Returns true if the key existed.
func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.entries.Get(key); found {
		m.entries.Delete(key)
		return true, nil
	}
	if z, ok := m.zsets[key]; ok {
		delete(m.zsets, key)
		return !z.expired(time.Now()), nil
	}
	return false, nil
}

// Exists reports whether the given key is present.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	if _, found := m.entries.Get(key); found {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	return ok && !z.expired(time.Now()), nil
}

// Increment atomically increments the counter for the given key. If the
// increment creates the key, its expiration is set to window; otherwise the
// remaining TTL is preserved. The mutex makes the read-modify-write atomic
// within this process, mirroring the Redis Lua script.
func (m *Memory) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	val, expireAt, found := m.entries.GetWithExpiration(key)
	if !found {
		m.entries.Set(key, "1", memTTL(window))
		return 1, window, nil
	}

	count, err := strconv.ParseInt(val.(string), 10, 64)
	if err != nil {
		count = 0
	}
	count++

	ttl := gocache.NoExpiration
	remaining := NoTTL
	if !expireAt.IsZero() {
		remaining = max(0, time.Until(expireAt))
		ttl = remaining
	}
	m.entries.Set(key, strconv.FormatInt(count, 10), ttl)
	return count, remaining, nil
}

// Expire sets the expiration of an existing key.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if val, found := m.entries.Get(key); found {
		m.entries.Set(key, val, memTTL(ttl))
		return true, nil
	}
	if z, ok := m.zsets[key]; ok && !z.expired(time.Now()) {
		if ttl <= 0 {
			z.expireAt = time.Time{}
		} else {
			z.expireAt = time.Now().Add(ttl)
		}
		return true, nil
	}
	return false, nil
}

// TTL returns the time remaining until the key expires, or NoTTL if the key
// is absent or has no expiration.
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	if _, expireAt, found := m.entries.GetWithExpiration(key); found {
		if expireAt.IsZero() {
			return NoTTL, nil
		}
		return max(0, time.Until(expireAt)), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if z, ok := m.zsets[key]; ok && !z.expired(time.Now()) {
		if z.expireAt.IsZero() {
			return NoTTL, nil
		}
		return max(0, time.Until(z.expireAt)), nil
	}
	return NoTTL, nil
}

// Keys returns all keys matching the glob-style pattern.
func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key := range m.entries.Items() {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	now := time.Now()
	for key, z := range m.zsets {
		if z.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// zset returns the live sorted set at key, creating it when create is set.
// Caller must hold the mutex.
func (m *Memory) zset(key string, create bool) *memZSet {
	z, ok := m.zsets[key]
	if ok && z.expired(time.Now()) {
		delete(m.zsets, key)
		ok = false
	}
	if !ok && create {
		z = &memZSet{scores: make(map[string]float64)}
		m.zsets[key] = z
	} else if !ok {
		return nil
	}
	return z
}

// SortedSetAdd adds member to the sorted set at key with the given score.
func (m *Memory) SortedSetAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.zset(key, true).scores[member] = score
	return nil
}

// SortedSetRangeByScore returns members with scores between min and max in
// ascending score order, ties broken by member.
func (m *Memory) SortedSetRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.zset(key, false)
	if z == nil {
		return nil, nil
	}

	type scored struct {
		member string
		score  float64
	}
	var matched []scored
	for member, score := range z.scores {
		if score >= min && score <= max {
			matched = append(matched, scored{member, score})
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].score != matched[j].score {
			return matched[i].score < matched[j].score
		}
		return matched[i].member < matched[j].member
	})

	members := make([]string, len(matched))
	for i, s := range matched {
		members[i] = s.member
	}
	return members, nil
}

// SortedSetRemoveByScore removes members with scores between min and max.
func (m *Memory) SortedSetRemoveByScore(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.zset(key, false)
	if z == nil {
		return 0, nil
	}

	var removed int64
	for member, score := range z.scores {
		if score >= min && score <= max {
			delete(z.scores, member)
			removed++
		}
	}
	if len(z.scores) == 0 {
		delete(m.zsets, key)
	}
	return removed, nil
}

// SortedSetTrim keeps only the maxEntries highest-scored members.
func (m *Memory) SortedSetTrim(_ context.Context, key string, maxEntries int64) (int64, error) {
	if maxEntries <= 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.zset(key, false)
	if z == nil || int64(len(z.scores)) <= maxEntries {
		return 0, nil
	}

	type scored struct {
		member string
		score  float64
	}
	all := make([]scored, 0, len(z.scores))
	for member, score := range z.scores {
		all = append(all, scored{member, score})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score < all[j].score
		}
		return all[i].member < all[j].member
	})

	surplus := all[:int64(len(all))-maxEntries]
	for _, s := range surplus {
		delete(z.scores, s.member)
	}
	return int64(len(surplus)), nil
}

// SortedSetLen returns the number of members in the sorted set at key.
func (m *Memory) SortedSetLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.zset(key, false)
	if z == nil {
		return 0, nil
	}
	return int64(len(z.scores)), nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(context.Context) error { return nil }

// Available always reports true for the in-memory store.
func (m *Memory) Available() bool { return true }

// Close releases all stored entries.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Flush()
	m.zsets = make(map[string]*memZSet)
	return nil
}
