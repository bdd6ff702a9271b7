package ratelimit

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/bailedk/mile-quest-realtime/pkg/config"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		MessagesPerSecond:          5,
		MessagesPerMinute:          600,
		SubscriptionsPerConnection: 3,
		BurstLimit:                 10,
		WindowSize:                 60,
	}
}

// newTestLimiter returns a limiter with a manually advanced clock.
func newTestLimiter(t *testing.T) (*Limiter, func(d time.Duration)) {
	t.Helper()
	l := New(testConfig(), testLogger())
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return current }
	return l, func(d time.Duration) { current = current.Add(d) }
}

func TestMessageLimitExhaustion(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		res := l.CheckMessageLimit("u1")
		require.True(t, res.Allowed, "call %d should be allowed", i+1)
	}

	res := l.CheckMessageLimit("u1")
	require.False(t, res.Allowed)
	require.Zero(t, res.Remaining)
	require.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestMessageLimitRefillMonotonic(t *testing.T) {
	l, advance := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		l.CheckMessageLimit("u1")
	}
	require.False(t, l.CheckMessageLimit("u1").Allowed)

	// 5 tokens/sec: one full token is back after 200ms. Wait a bit over a
	// second and the 7th call must pass.
	advance(1100 * time.Millisecond)
	require.True(t, l.CheckMessageLimit("u1").Allowed)
}

func TestMessageLimitUsersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		l.CheckMessageLimit("u1")
	}
	require.False(t, l.CheckMessageLimit("u1").Allowed)
	require.True(t, l.CheckMessageLimit("u2").Allowed)
}

func TestSubscriptionLimit(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 3; i++ {
		require.True(t, l.CheckSubscriptionLimit("u1").Allowed)
	}
	res := l.CheckSubscriptionLimit("u1")
	require.False(t, res.Allowed)
	require.Equal(t, time.Minute, res.RetryAfter)
}

func TestBurstLimitSpillsIntoReserve(t *testing.T) {
	l, _ := newTestLimiter(t)

	// 5 regular + 10 burst tokens available.
	res := l.CheckBurstLimit("u1", 12)
	require.True(t, res.Allowed)
	require.Equal(t, 3, res.Remaining)

	// Only 3 burst tokens left; an identical call must fail outright.
	res = l.CheckBurstLimit("u1", 12)
	require.False(t, res.Allowed)
	require.Greater(t, res.RetryAfter, time.Duration(0))

	// The remainder is still spendable.
	require.True(t, l.CheckBurstLimit("u1", 3).Allowed)
	require.False(t, l.CheckBurstLimit("u1", 1).Allowed)
}

func TestBurstLimitExactBoundary(t *testing.T) {
	l, _ := newTestLimiter(t)

	require.True(t, l.CheckBurstLimit("u1", 15).Allowed)
	require.False(t, l.CheckBurstLimit("u1", 1).Allowed)
}

func TestBurstReserveRefillsSlowly(t *testing.T) {
	l, advance := newTestLimiter(t)

	require.True(t, l.CheckBurstLimit("u1", 15).Allowed)

	// Burst refills at capacity/60 per second; after 30s roughly half the
	// reserve is back, plus a full regular pool.
	advance(30 * time.Second)
	require.True(t, l.CheckBurstLimit("u1", 10).Allowed)
	require.False(t, l.CheckBurstLimit("u1", 5).Allowed)
}

func TestResetUserLimits(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		l.CheckMessageLimit("u1")
	}
	require.False(t, l.CheckMessageLimit("u1").Allowed)

	l.ResetUserLimits("u1")
	require.True(t, l.CheckMessageLimit("u1").Allowed)
}

func TestRecordViolationDoesNotTouchBuckets(t *testing.T) {
	l, _ := newTestLimiter(t)

	require.True(t, l.CheckMessageLimit("u1").Allowed)
	before := l.getUser("u1").messages.tokens

	l.RecordViolation("u1", "messages")
	require.Equal(t, before, l.getUser("u1").messages.tokens)
}

func TestSweepEvictsIdleUsers(t *testing.T) {
	l, advance := newTestLimiter(t)

	l.CheckMessageLimit("idle")
	advance(4 * time.Minute)
	l.CheckMessageLimit("active")
	require.Equal(t, 2, l.trackedUsers())

	// "idle" is now 6 minutes stale, "active" only 2.
	advance(2 * time.Minute)
	l.sweep(l.now())
	require.Equal(t, 1, l.trackedUsers())
	_, ok := l.users["active"]
	require.True(t, ok)
}

func TestResultResetTime(t *testing.T) {
	l, _ := newTestLimiter(t)

	res := l.CheckMessageLimit("u1")
	require.True(t, res.Allowed)
	// One token consumed at 5/sec: full again 200ms out.
	require.Equal(t, l.now().Add(200*time.Millisecond), res.ResetTime)
}
