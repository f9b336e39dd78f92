// Package cache provides a TTL response cache over a kv.Store with
// deterministic hashed keys and invalidation by exact key, prefix, or tag.
//
// Keys are derived from the logical shape of a request (version, path, query
// parameters, optional subject) by hashing the canonical tuple with SHA-256.
// Hashing rather than concatenating makes keys collision resistant and fixed
// length regardless of input size; query parameter input order never changes
// the key.
//
// The cache is an optimization layer, never a source of truth: every store
// failure on the read path is treated as a miss, forcing recomputation, and
// failures on the write path are logged and dropped. Callers only cache
// successfully computed responses.
//
// Concurrent GetOrCompute calls for the same key may each invoke the compute
// function (no single-flight coalescing); the last completed write wins.
// This is accepted behavior: the cost is duplicate computation under a
// thundering herd, never incorrect data.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/nhalm/kvkit/kv"
)

const (
	keyPrefix = "cache:"
	tagPrefix = "tag:"

	// defaultTagSlack is added to the tag index TTL beyond the entry TTL,
	// so a late invalidation call never finds its tag index already gone
	// while entries it references still live.
	defaultTagSlack = time.Hour

	// slugMax bounds the human-readable path fragment embedded in keys.
	// Only the slug is ever truncated; the hash never is.
	slugMax = 32
)

// KeyComponents is the logical identity of a cacheable computation.
type KeyComponents struct {
	// Version tags the response shape. Bump it to orphan every entry
	// written under the previous shape.
	Version string

	// Path is the request path, e.g. "/jobs/nearby".
	Path string

	// Query holds the request parameters. Input order of keys and values
	// does not affect the derived key.
	Query url.Values

	// Subject optionally scopes the entry to a caller (user id) for
	// per-user responses. Leave empty for shared responses.
	Subject string
}

// Key derives the deterministic store key for c: a readable prefix for
// observability plus a SHA-256 over the canonical component tuple.
// The same logical request always produces the same key; any differing
// component produces a different key with overwhelming probability.
func Key(c KeyComponents) string {
	var sb strings.Builder
	sb.WriteString("v=")
	sb.WriteString(c.Version)
	sb.WriteString("\npath=")
	sb.WriteString(normalizePath(c.Path))
	sb.WriteString("\nquery=")
	sb.WriteString(canonicalQuery(c.Query))
	sb.WriteString("\nsubject=")
	sb.WriteString(c.Subject)

	sum := sha256.Sum256([]byte(sb.String()))

	var key strings.Builder
	key.WriteString(keyPrefix)
	key.WriteString(c.Version)
	key.WriteByte(':')
	key.WriteString(pathSlug(c.Path))
	key.WriteByte(':')
	key.WriteString(hex.EncodeToString(sum[:]))
	return key.String()
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// canonicalQuery renders query parameters with sorted keys and sorted
// values, so input order never changes the derived key.
func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for j, v := range vals {
			if i > 0 || j > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(k))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	return sb.String()
}

// pathSlug flattens a path into a short readable key fragment.
func pathSlug(p string) string {
	slug := strings.Trim(normalizePath(p), "/")
	slug = strings.NewReplacer("/", "_", ":", "_").Replace(slug)
	if slug == "" {
		slug = "root"
	}
	if len(slug) > slugMax {
		slug = slug[:slugMax]
	}
	return slug
}

// Entry is a cached snapshot of a computed response.
type Entry struct {
	Status   int             `json:"status"`
	Body     json.RawMessage `json:"body"`
	CachedAt time.Time       `json:"cached_at"`
}

// ComputeFunc produces the value for a cache miss. Returning an error means
// the computation failed and nothing is cached.
type ComputeFunc func(ctx context.Context) (*Entry, error)

// Manager is a TTL cache over a kv.Store.
type Manager struct {
	store    kv.Store
	tagSlack time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithTagSlack overrides how much longer tag indexes live than the entries
// they reference (default: 1 hour).
func WithTagSlack(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.tagSlack = d
		}
	}
}

// NewManager creates a cache manager over the given store.
func NewManager(store kv.Store, opts ...Option) *Manager {
	m := &Manager{store: store, tagSlack: defaultTagSlack}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the entry stored under key. A store failure or an
// undecodable entry is a miss, never an error.
func (m *Manager) Get(ctx context.Context, key string) (*Entry, bool) {
	data, found, err := m.store.Get(ctx, key)
	if err != nil || !found {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		logMiss(ctx, key, "undecodable entry")
		return nil, false
	}
	return &entry, true
}

// Set stores entry under key with the given TTL and registers it under the
// given tags for later bulk invalidation. Tag indexes are written with a
// TTL longer than the entry's, so a late InvalidateByTag never meets a
// dangling index.
func (m *Manager) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration, tags ...string) error {
	if entry == nil {
		return fmt.Errorf("cache: nil entry")
	}
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}
	if err := m.store.SetWithTTL(ctx, key, string(data), ttl); err != nil {
		return fmt.Errorf("cache: store entry: %w", err)
	}

	now := float64(time.Now().Unix())
	for _, tag := range tags {
		tk := tagPrefix + tag
		if err := m.store.SortedSetAdd(ctx, tk, now, key); err != nil {
			continue // logged by the adapter; entry is cached regardless
		}
		m.extendTagTTL(ctx, tk, ttl+m.tagSlack)
	}
	return nil
}

// extendTagTTL pushes the tag index's expiry out to at least want. The TTL
// only ever grows: a short-lived entry sharing a tag with a long-lived one
// must not shrink the index's lifetime below the longer entry's.
func (m *Manager) extendTagTTL(ctx context.Context, tk string, want time.Duration) {
	if current, err := m.store.TTL(ctx, tk); err == nil && current >= want {
		return
	}
	m.store.Expire(ctx, tk, want)
}

// GetOrCompute returns the cached entry for key, or invokes compute on a
// miss and caches its result. Compute errors are returned uncached; a
// failed cache write is logged and the freshly computed entry is still
// returned, so store outages cost cache effectiveness, never correctness.
func (m *Manager) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc, tags ...string) (*Entry, error) {
	if entry, ok := m.Get(ctx, key); ok {
		logHit(ctx, key, true)
		return entry, nil
	}
	logHit(ctx, key, false)

	entry, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("cache: compute returned nil entry")
	}

	if err := m.Set(ctx, key, entry, ttl, tags...); err != nil {
		logMiss(ctx, key, "write failed")
	}
	return entry, nil
}

// Invalidate removes the given keys.
func (m *Manager) Invalidate(ctx context.Context, keys ...string) error {
	var firstErr error
	for _, key := range keys {
		if _, err := m.store.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InvalidateByPrefix removes every entry whose key starts with prefix.
// This scans the keyspace and is not for hot paths; use tags when the
// entries to drop are known at write time.
func (m *Manager) InvalidateByPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := m.store.Keys(ctx, prefix+"*")
	if err != nil {
		return 0, fmt.Errorf("cache: scan %q: %w", prefix, err)
	}

	removed := 0
	for _, key := range keys {
		existed, err := m.store.Delete(ctx, key)
		if err != nil {
			return removed, fmt.Errorf("cache: delete %q: %w", key, err)
		}
		if existed {
			removed++
		}
	}
	return removed, nil
}

// InvalidateByTag removes every entry registered under any of the given
// tags, then drops the tag indexes themselves.
//
// The read-then-delete is not atomic: a concurrent Set racing this call can
// leave its fresh entry alive under an already-consumed tag. The entry then
// survives until the next invalidation or its TTL, which is stale-cache
// territory, not a correctness violation.
func (m *Manager) InvalidateByTag(ctx context.Context, tags ...string) (int, error) {
	removed := 0
	for _, tag := range tags {
		tk := tagPrefix + tag
		keys, err := m.store.SortedSetRangeByScore(ctx, tk, math.Inf(-1), math.Inf(1))
		if err != nil {
			return removed, fmt.Errorf("cache: read tag %q: %w", tag, err)
		}
		for _, key := range keys {
			existed, err := m.store.Delete(ctx, key)
			if err != nil {
				return removed, fmt.Errorf("cache: delete %q: %w", key, err)
			}
			if existed {
				removed++
			}
		}
		m.store.Delete(ctx, tk)
	}
	return removed, nil
}

func logHit(ctx context.Context, key string, hit bool) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"cache_key": key,
		"cache_hit": hit,
	})
}

func logMiss(ctx context.Context, key, reason string) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"cache_key":  key,
		"cache_miss": reason,
	})
}
