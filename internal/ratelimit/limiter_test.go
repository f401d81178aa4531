package ratelimit

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newTestLimiter returns a limiter with a controllable clock.
func newTestLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	l := New(testLogger(t))
	l.now = func() time.Time { return now }

	return l, &now
}

func failTimes(l *Limiter, op, id string, n int) {
	for range n {
		l.RecordAttempt(op, id, false)
	}
}

func TestLimiter_AllowsUnderThreshold(t *testing.T) {
	l, _ := newTestLimiter(t)

	failTimes(l, OpLogin, "user@example.com", 4)

	res := l.CheckLimit(OpLogin, "user@example.com")
	assert.True(t, res.Allowed)
}

func TestLimiter_BlocksAtThreshold(t *testing.T) {
	l, _ := newTestLimiter(t)

	failTimes(l, OpLogin, "user@example.com", 5)

	res := l.CheckLimit(OpLogin, "user@example.com")
	require.False(t, res.Allowed)
	assert.Equal(t, 30*time.Minute, res.RetryAfter)
}

func TestLimiter_BlockExpires(t *testing.T) {
	l, now := newTestLimiter(t)

	failTimes(l, OpLogin, "user@example.com", 5)
	require.False(t, l.CheckLimit(OpLogin, "user@example.com").Allowed)

	// Halfway through the block: still denied, shorter retry hint.
	*now = now.Add(15 * time.Minute)

	res := l.CheckLimit(OpLogin, "user@example.com")
	require.False(t, res.Allowed)
	assert.Equal(t, 15*time.Minute, res.RetryAfter)

	// Past the block AND past the attempt window: allowed again.
	*now = now.Add(16 * time.Minute)
	assert.True(t, l.CheckLimit(OpLogin, "user@example.com").Allowed)
}

func TestLimiter_WindowPrunesOldAttempts(t *testing.T) {
	l, now := newTestLimiter(t)

	failTimes(l, OpLogin, "user@example.com", 4)

	// The early failures age out of the 15 minute window.
	*now = now.Add(16 * time.Minute)

	failTimes(l, OpLogin, "user@example.com", 4)

	res := l.CheckLimit(OpLogin, "user@example.com")
	assert.True(t, res.Allowed, "only in-window attempts count toward the threshold")
}

func TestLimiter_SuccessResetsCounter(t *testing.T) {
	l, _ := newTestLimiter(t)

	failTimes(l, OpLogin, "user@example.com", 4)
	l.RecordAttempt(OpLogin, "user@example.com", true)
	failTimes(l, OpLogin, "user@example.com", 4)

	res := l.CheckLimit(OpLogin, "user@example.com")
	assert.True(t, res.Allowed)
}

func TestLimiter_IdentifiersAreCaseSensitive(t *testing.T) {
	l, _ := newTestLimiter(t)

	failTimes(l, OpLogin, "User@Example.com", 5)

	assert.False(t, l.CheckLimit(OpLogin, "User@Example.com").Allowed)
	assert.True(t, l.CheckLimit(OpLogin, "user@example.com").Allowed,
		"differently-cased identifiers are independent buckets")
}

func TestLimiter_OperationsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)

	failTimes(l, OpLogin, "user@example.com", 5)

	assert.False(t, l.CheckLimit(OpLogin, "user@example.com").Allowed)
	assert.True(t, l.CheckLimit(OpSignup, "user@example.com").Allowed)
	assert.True(t, l.CheckLimit(OpPasswordReset, "user@example.com").Allowed)
}

func TestLimiter_SignupPolicyIsStricter(t *testing.T) {
	l, _ := newTestLimiter(t)

	failTimes(l, OpSignup, "user@example.com", 3)

	res := l.CheckLimit(OpSignup, "user@example.com")
	require.False(t, res.Allowed)
	assert.Equal(t, time.Hour, res.RetryAfter)
}

func TestLimiter_UnknownOperationIsAlwaysAllowed(t *testing.T) {
	l, _ := newTestLimiter(t)

	failTimes(l, "export", "user@example.com", 50)

	assert.True(t, l.CheckLimit("export", "user@example.com").Allowed)
}
