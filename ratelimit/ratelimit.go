// Package ratelimit provides distributed fixed-window rate limiting over a
// kv.Store.
//
// The limiter answers "is this action, identified by a key, allowed right
// now under a quota?" for stateless handler instances that share nothing but
// the store. Counting uses the store's atomic increment, so concurrent
// handlers never lose updates.
//
// Basic usage:
//
//	limiter, err := ratelimit.New(store, ratelimit.Config{
//		Namespace: "auth",
//		Limit:     3,
//		Window:    time.Hour,
//	})
//	res, err := limiter.Allow(ctx, ratelimit.ActionSendOTP, clientIP)
//	if !res.Allowed {
//		// deny, suggest res.RetryAfter
//	}
//
// The window is fixed, not sliding: a burst straddling a window reset can
// momentarily admit up to twice the limit. This is an accepted approximation
// of fixed-window counting, traded for O(1) cost per check.
//
// When the store is unreachable the limiter fails open: the action is
// allowed and Result.Degraded is set. Rate limiting here is defense in
// depth, not the sole security boundary, so availability of the primary
// action wins over strict enforcement. Callers owning high-value routes can
// inspect Degraded and choose to block instead.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nhalm/canonlog"

	"github.com/nhalm/kvkit/kv"
)

// keyPrefix namespaces all limiter keys in the shared store.
const keyPrefix = "rate_limit:"

// Action identifies what is being rate limited. The set is closed: unknown
// actions are rejected before they reach the store, so loose string literals
// can never mint new counter families.
type Action string

const (
	ActionSendOTP       Action = "send_otp"
	ActionVerifyOTP     Action = "verify_otp"
	ActionPasswordReset Action = "password_reset"
	ActionPostJob       Action = "post_job"
	ActionSendMessage   Action = "send_message"
	ActionFetchPage     Action = "fetch_page"
	ActionTrackLocation Action = "track_location"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionSendOTP, ActionVerifyOTP, ActionPasswordReset,
		ActionPostJob, ActionSendMessage, ActionFetchPage, ActionTrackLocation:
		return true
	}
	return false
}

func (a Action) String() string { return string(a) }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds the quota for a limiter. Limiters constructed from the same
// Config share counters through the store, so one configuration serves every
// call site of an action.
type Config struct {
	// Namespace isolates this limiter family from others sharing the
	// store (e.g., "auth", "jobs").
	Namespace string `validate:"required,excludes=:"`

	// Limit is the maximum number of allowed calls per window.
	Limit int64 `validate:"gt=0"`

	// Window is the fixed window length.
	Window time.Duration `validate:"gt=0"`
}

// Result reports the outcome of a single Allow call.
type Result struct {
	// Allowed reports whether the action may proceed.
	Allowed bool

	// Remaining is the number of calls left in the current window.
	Remaining int64

	// ResetAt is when the current window expires.
	ResetAt time.Time

	// RetryAfter is how long the caller should back off when denied.
	// Zero when allowed.
	RetryAfter time.Duration

	// Degraded is set when the store was unreachable and the limiter
	// failed open without counting.
	Degraded bool
}

// Limiter is a fixed-window rate limiter backed by a kv.Store.
type Limiter struct {
	store kv.Store
	cfg   Config
}

// New creates a limiter with the given store and quota.
// Returns an error if the configuration is invalid.
func New(store kv.Store, cfg Config) (*Limiter, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("ratelimit: invalid config: %w", err)
	}
	return &Limiter{store: store, cfg: cfg}, nil
}

// Limit returns the configured quota per window.
func (l *Limiter) Limit() int64 { return l.cfg.Limit }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.cfg.Window }

// Key returns the store key counting the given action for subject.
func (l *Limiter) Key(action Action, subject string) string {
	var sb strings.Builder
	sb.Grow(len(keyPrefix) + len(l.cfg.Namespace) + len(action) + len(subject) + 2)
	sb.WriteString(keyPrefix)
	sb.WriteString(l.cfg.Namespace)
	sb.WriteByte(':')
	sb.WriteString(string(action))
	sb.WriteByte(':')
	sb.WriteString(subject)
	return sb.String()
}

// Allow counts one call of action by subject and reports whether it fits
// the quota. The count and the window TTL are updated in a single atomic
// store operation; the first call of a window starts its clock.
//
// Returns an error only for invalid input. A store failure is not an error:
// the limiter fails open with Result.Degraded set.
func (l *Limiter) Allow(ctx context.Context, action Action, subject string) (Result, error) {
	if !action.Valid() {
		return Result{}, fmt.Errorf("ratelimit: unknown action %q", action)
	}
	if subject == "" {
		return Result{}, fmt.Errorf("ratelimit: empty subject")
	}

	key := l.Key(action, subject)
	count, ttl, err := l.store.Increment(ctx, key, l.cfg.Window)
	if err != nil {
		logDegraded(ctx, key)
		return Result{Allowed: true, Remaining: l.cfg.Limit, Degraded: true}, nil
	}
	if ttl < 0 {
		ttl = l.cfg.Window
	}

	resetAt := time.Now().Add(ttl)
	if count > l.cfg.Limit {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: ttl,
		}, nil
	}
	return Result{
		Allowed:   true,
		Remaining: l.cfg.Limit - count,
		ResetAt:   resetAt,
	}, nil
}

// Reset clears the counter for action and subject. Intended for
// administrative use; counters otherwise only reset via TTL expiry.
func (l *Limiter) Reset(ctx context.Context, action Action, subject string) error {
	if !action.Valid() {
		return fmt.Errorf("ratelimit: unknown action %q", action)
	}
	_, err := l.store.Delete(ctx, l.Key(action, subject))
	return err
}

// logDegraded records a fail-open decision on the caller's canonical log
// line when one is active.
func logDegraded(ctx context.Context, key string) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"ratelimit_degraded": true,
		"ratelimit_key":      key,
	})
}
