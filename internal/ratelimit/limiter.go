// Package ratelimit guards auth-adjacent operations against runaway
// retry loops. Counters are independent per (operation, identifier)
// pair, identifiers are case-sensitive, and a successful attempt
// resets the counter. The limiter is purely local — it never touches
// the network.
package ratelimit

import (
	"log/slog"
	stdsync "sync"
	"time"
)

// Policy defines the window and block behavior for one operation.
type Policy struct {
	MaxAttempts   int
	Window        time.Duration
	BlockDuration time.Duration
}

// Gated operation names.
const (
	OpLogin         = "login"
	OpSignup        = "signup"
	OpPasswordReset = "password_reset"
)

// Default per-operation policies.
var defaultPolicies = map[string]Policy{
	OpLogin:         {MaxAttempts: 5, Window: 15 * time.Minute, BlockDuration: 30 * time.Minute},
	OpSignup:        {MaxAttempts: 3, Window: time.Hour, BlockDuration: time.Hour},
	OpPasswordReset: {MaxAttempts: 3, Window: time.Hour, BlockDuration: time.Hour},
}

// Result is the structured outcome of a limit check. A disallowed
// result is not an error: the caller must check it before attempting
// the gated operation.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

type bucket struct {
	attempts     []time.Time
	blockedUntil time.Time
}

// Limiter tracks failed attempts per (operation, identifier).
type Limiter struct {
	mu       stdsync.Mutex
	policies map[string]Policy
	buckets  map[string]*bucket
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Limiter with the default policies.
func New(logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Limiter{
		policies: defaultPolicies,
		buckets:  make(map[string]*bucket),
		now:      time.Now,
		logger:   logger,
	}
}

// key builds the case-sensitive bucket key.
func key(operation, identifier string) string {
	return operation + "\x00" + identifier
}

// CheckLimit reports whether the operation may be attempted for the
// identifier. When blocked, RetryAfter says how long to wait. Unknown
// operations are always allowed.
func (l *Limiter) CheckLimit(operation, identifier string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	policy, ok := l.policies[operation]
	if !ok {
		return Result{Allowed: true}
	}

	b, ok := l.buckets[key(operation, identifier)]
	if !ok {
		return Result{Allowed: true}
	}

	now := l.now()

	if b.blockedUntil.After(now) {
		return Result{Allowed: false, RetryAfter: b.blockedUntil.Sub(now)}
	}

	l.pruneLocked(b, policy, now)

	if len(b.attempts) >= policy.MaxAttempts {
		// Threshold reached inside the window: start the block.
		b.blockedUntil = now.Add(policy.BlockDuration)

		l.logger.Warn("rate limit exceeded",
			"operation", operation,
			"attempts", len(b.attempts),
			"block", policy.BlockDuration)

		return Result{Allowed: false, RetryAfter: policy.BlockDuration}
	}

	return Result{Allowed: true}
}

// RecordAttempt records the outcome of an attempt. Success resets the
// counter and lifts any block for the pair.
func (l *Limiter) RecordAttempt(operation, identifier string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(operation, identifier)

	if success {
		delete(l.buckets, k)
		return
	}

	policy, ok := l.policies[operation]
	if !ok {
		return
	}

	b, ok := l.buckets[k]
	if !ok {
		b = &bucket{}
		l.buckets[k] = b
	}

	now := l.now()
	l.pruneLocked(b, policy, now)
	b.attempts = append(b.attempts, now)
}

// pruneLocked drops attempts older than the policy window. Caller
// holds l.mu.
func (l *Limiter) pruneLocked(b *bucket, policy Policy, now time.Time) {
	cutoff := now.Add(-policy.Window)
	kept := b.attempts[:0]

	for _, t := range b.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	b.attempts = kept
}
