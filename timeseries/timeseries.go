// Package timeseries provides append-only, capped, time-ordered logs per
// subject over a kv.Store's sorted sets.
//
// The same primitive serves different retention shapes by policy: location
// history keeps the most recent N points with no age cap, analytics streams
// keep a rolling age window with no count cap. Entries are never mutated;
// retention prunes the oldest opportunistically on every append, so logs
// stay bounded without a garbage-collection job.
//
//	locations := timeseries.NewLog(store, "location", timeseries.LocationPolicy)
//	locations.Append(ctx, userID, point)
//	recent, err := locations.Range(ctx, userID, time.Now().Add(-24*time.Hour), time.Now())
package timeseries

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nhalm/kvkit/kv"
)

const keyPrefix = "timeseries:"

// Policy bounds a log. Zero values leave the corresponding bound
// unenforced; when both are set, whichever is tighter applies.
type Policy struct {
	// MaxEntries caps the number of retained entries. The oldest are
	// pruned first.
	MaxEntries int64

	// MaxAge caps the age of retained entries.
	MaxAge time.Duration
}

// Retention presets from the marketplace use cases.
var (
	// LocationPolicy keeps the 50 most recent points, any age.
	LocationPolicy = Policy{MaxEntries: 50}

	// AnalyticsPolicy keeps 30 days of events, any count.
	AnalyticsPolicy = Policy{MaxAge: 30 * 24 * time.Hour}
)

// Entry is one recorded event in a subject's log.
type Entry struct {
	// ID makes the entry unique within its log, so identical payloads
	// recorded at different instants never collapse into one member.
	ID string `json:"id"`

	// At is when the entry was recorded. It is also the ordering score.
	At time.Time `json:"at"`

	// Payload is the caller's event, JSON-encoded.
	Payload json.RawMessage `json:"payload"`
}

// Log is an append-only capped log family, one sorted set per subject.
type Log struct {
	store       kv.Store
	subjectType string
	policy      Policy
}

// NewLog creates a log family for the given subject type ("location",
// "analytics", ...), which partitions the key namespace.
func NewLog(store kv.Store, subjectType string, policy Policy) *Log {
	return &Log{store: store, subjectType: subjectType, policy: policy}
}

// Policy returns the log's retention policy.
func (l *Log) Policy() Policy { return l.policy }

func (l *Log) key(subject string) string {
	return keyPrefix + l.subjectType + ":" + subject
}

// Append records payload in subject's log, scored by the current time, then
// prunes entries outside the retention policy. Pruning failures are
// non-fatal: the next append retries them.
func (l *Log) Append(ctx context.Context, subject string, payload any) error {
	if subject == "" {
		return fmt.Errorf("timeseries: empty subject")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("timeseries: encode payload: %w", err)
	}

	now := time.Now().UTC()
	member, err := json.Marshal(Entry{
		ID:      uuid.NewString(),
		At:      now,
		Payload: raw,
	})
	if err != nil {
		return fmt.Errorf("timeseries: encode entry: %w", err)
	}

	key := l.key(subject)
	if err := l.store.SortedSetAdd(ctx, key, score(now), string(member)); err != nil {
		return fmt.Errorf("timeseries: append: %w", err)
	}

	l.prune(ctx, key, now)
	return nil
}

// prune enforces the retention policy. Both bounds are applied when set.
func (l *Log) prune(ctx context.Context, key string, now time.Time) {
	if l.policy.MaxAge > 0 {
		cutoff := now.Add(-l.policy.MaxAge)
		l.store.SortedSetRemoveByScore(ctx, key, math.Inf(-1), score(cutoff))
	}
	if l.policy.MaxEntries > 0 {
		l.store.SortedSetTrim(ctx, key, l.policy.MaxEntries)
	}
}

// Range returns subject's entries with from <= At <= to in ascending time
// order. Entries that fail to decode are skipped.
func (l *Log) Range(ctx context.Context, subject string, from, to time.Time) ([]Entry, error) {
	members, err := l.store.SortedSetRangeByScore(ctx, l.key(subject), score(from), score(to))
	if err != nil {
		return nil, fmt.Errorf("timeseries: range: %w", err)
	}

	entries := make([]Entry, 0, len(members))
	for _, member := range members {
		var e Entry
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Len returns the number of entries currently retained for subject.
func (l *Log) Len(ctx context.Context, subject string) (int64, error) {
	return l.store.SortedSetLen(ctx, l.key(subject))
}

// score orders entries by time at nanosecond resolution.
func score(t time.Time) float64 {
	return float64(t.UnixNano())
}
