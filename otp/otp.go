// Package otp provides issuance and one-shot verification of short-lived
// numeric passcodes over a kv.Store.
//
// A passcode is scoped by (subject, purpose): at most one live code exists
// per pair, a new issuance overwrites the previous one, and a code is
// consumed the moment it verifies. The manager never delivers codes;
// email/SMS transport is the caller's collaborator.
//
//	code, err := mgr.Issue(ctx, "user@example.com", otp.PurposeSignup)
//	// hand code to the mailer, then later:
//	v, err := mgr.Verify(ctx, "user@example.com", otp.PurposeSignup, submitted)
//	if v.OK { ... }
//
// Verification failures are results, not errors: the caller decides the
// user-facing messaging and must not tell end users whether a code was ever
// issued (enumeration hazard). The manager does not count attempts; callers
// are expected to rate-limit verification separately.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nhalm/canonlog"

	"github.com/nhalm/kvkit/kv"
)

const (
	keyPrefix  = "otp:"
	defaultTTL = 5 * time.Minute
)

// codeSpace is the number of distinct 6-digit codes ("000000"-"999999").
var codeSpace = big.NewInt(1000000)

// Purpose identifies why a passcode was issued. The set is closed: codes
// issued for one purpose can never verify under another, and unknown
// purposes are rejected before they reach the store.
type Purpose string

const (
	PurposeSignup         Purpose = "signup"
	PurposePasswordReset  Purpose = "password_reset"
	PurposeEmailChange    Purpose = "email_change"
	PurposeUsernameChange Purpose = "username_change"
	PurposePhoneVerify    Purpose = "phone_verify"
)

// Valid reports whether p is one of the known purposes.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeSignup, PurposePasswordReset, PurposeEmailChange,
		PurposeUsernameChange, PurposePhoneVerify:
		return true
	}
	return false
}

func (p Purpose) String() string { return string(p) }

// Reason classifies a verification outcome.
type Reason string

const (
	// ReasonVerified: the code matched and was consumed.
	ReasonVerified Reason = "verified"

	// ReasonNotFoundOrExpired: no live code exists for (subject, purpose).
	// Deliberately indistinguishable between "never issued" and "expired".
	ReasonNotFoundOrExpired Reason = "not_found_or_expired"

	// ReasonMismatch: a live code exists but the candidate did not match.
	// The code remains valid for further attempts until it expires.
	ReasonMismatch Reason = "mismatch"

	// ReasonUnavailable: the store could not be reached, so the code could
	// not be checked. Verification fails closed.
	ReasonUnavailable Reason = "unavailable"
)

// Verification is the typed result of a Verify call.
type Verification struct {
	OK     bool
	Reason Reason
}

// Status is the result of a non-consuming existence check.
type Status struct {
	// Exists reports whether a live code is present.
	Exists bool

	// ExpiresIn is the time until the live code expires. Zero when no
	// code exists.
	ExpiresIn time.Duration
}

// record is the stored shape of an issued passcode.
type record struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Manager issues and verifies passcodes over a kv.Store.
type Manager struct {
	store kv.Store
	ttl   time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the passcode lifetime (default: 5 minutes).
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// NewManager creates a passcode manager over the given store.
func NewManager(store kv.Store, opts ...Option) *Manager {
	m := &Manager{store: store, ttl: defaultTTL}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured passcode lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

func key(subject string, purpose Purpose) string {
	return keyPrefix + subject + ":" + string(purpose)
}

// checkInput validates the (subject, purpose) pair at the API boundary.
func checkInput(subject string, purpose Purpose) error {
	if err := validate.Var(subject, "required,min=3,max=320,excludes=:"); err != nil {
		return fmt.Errorf("otp: invalid subject: %w", err)
	}
	if !purpose.Valid() {
		return fmt.Errorf("otp: unknown purpose %q", purpose)
	}
	return nil
}

// Issue generates a uniformly random 6-digit code for (subject, purpose),
// stores it with the configured TTL, and returns it for delivery. Any prior
// live code for the pair is overwritten; if two issuances race, the last
// writer wins and only its code verifies, which is the desired behavior.
//
// Issue does not send the code anywhere. The caller passes it to the
// email/SMS transport.
func (m *Manager) Issue(ctx context.Context, subject string, purpose Purpose) (string, error) {
	if err := checkInput(subject, purpose); err != nil {
		return "", err
	}

	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("otp: generate code: %w", err)
	}

	data, err := json.Marshal(record{Code: code, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("otp: encode record: %w", err)
	}

	if err := m.store.SetWithTTL(ctx, key(subject, purpose), string(data), m.ttl); err != nil {
		return "", fmt.Errorf("otp: store code: %w", err)
	}
	logOutcome(ctx, "issued", purpose)
	return code, nil
}

// Verify checks candidate against the live code for (subject, purpose).
//
// On match the code is consumed (deleted) so it can never verify twice.
// On mismatch the code is left intact; the caller may retry until the code
// expires or its own verification rate limit trips. When the store is
// unreachable verification fails closed with ReasonUnavailable.
//
// Candidates are compared as strings in constant time, so "007007" only
// matches "007007" and never a numerically equal form.
func (m *Manager) Verify(ctx context.Context, subject string, purpose Purpose, candidate string) (Verification, error) {
	if err := checkInput(subject, purpose); err != nil {
		return Verification{}, err
	}

	k := key(subject, purpose)
	data, found, err := m.store.Get(ctx, k)
	if err != nil {
		return Verification{Reason: ReasonUnavailable}, nil
	}
	if !found {
		logOutcome(ctx, string(ReasonNotFoundOrExpired), purpose)
		return Verification{Reason: ReasonNotFoundOrExpired}, nil
	}

	var rec record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		// A record we cannot decode can never verify; treat it as absent.
		logOutcome(ctx, "corrupt_record", purpose)
		return Verification{Reason: ReasonNotFoundOrExpired}, nil
	}

	if subtle.ConstantTimeCompare([]byte(candidate), []byte(rec.Code)) != 1 {
		logOutcome(ctx, string(ReasonMismatch), purpose)
		return Verification{Reason: ReasonMismatch}, nil
	}

	// One-shot consumption. A match only counts once the record is gone;
	// if the delete fails the record stays intact and the user can retry
	// the same code after the store recovers.
	if _, err := m.store.Delete(ctx, k); err != nil {
		logOutcome(ctx, "consume_failed", purpose)
		return Verification{Reason: ReasonUnavailable}, nil
	}
	logOutcome(ctx, string(ReasonVerified), purpose)
	return Verification{OK: true, Reason: ReasonVerified}, nil
}

// Status reports whether a live code exists for (subject, purpose) without
// consuming it, along with its remaining lifetime. Intended for UI polling
// (resend countdowns). A store failure degrades to "no code" rather than an
// error; the poll is advisory and the next one retries.
func (m *Manager) Status(ctx context.Context, subject string, purpose Purpose) (Status, error) {
	if err := checkInput(subject, purpose); err != nil {
		return Status{}, err
	}

	k := key(subject, purpose)
	exists, err := m.store.Exists(ctx, k)
	if err != nil {
		logOutcome(ctx, "status_unavailable", purpose)
		return Status{}, nil
	}
	if !exists {
		return Status{}, nil
	}

	ttl, err := m.store.TTL(ctx, k)
	if err != nil || ttl < 0 {
		return Status{Exists: true}, nil
	}
	return Status{Exists: true, ExpiresIn: ttl}, nil
}

// generateCode draws a uniform 6-digit code with leading zeros preserved.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// logOutcome records the verification outcome on the caller's canonical log
// line when one is active. Subjects and codes are never logged.
func logOutcome(ctx context.Context, outcome string, purpose Purpose) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"otp_outcome": outcome,
		"otp_purpose": string(purpose),
	})
}
