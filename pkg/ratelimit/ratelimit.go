package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/bailedk/mile-quest-realtime/pkg/config"
)

const (
	sweepInterval = 60 * time.Second
	staleAfter    = 5 * time.Minute

	// time back to a full token once a bucket runs dry
	messageRetryAfter      = time.Second
	subscriptionRetryAfter = time.Minute
)

// Result is the outcome of a single limit check. A denied check carries
// RetryAfter so the caller knows when trying again is worthwhile.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// bucket is a continuously refilling token pool. Refill is lazy: tokens are
// credited from elapsed wall-clock time at check time, never by a ticker.
type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// resetAt reports when the bucket will be back at full capacity.
func (b *bucket) resetAt(now time.Time) time.Time {
	if b.refillRate <= 0 || b.tokens >= b.capacity {
		return now
	}
	missing := b.capacity - b.tokens
	return now.Add(time.Duration(missing / b.refillRate * float64(time.Second)))
}

// userLimits holds the three per-user pools. All access goes through mu so
// checks for one user are linearizable; different users never contend.
type userLimits struct {
	mu            sync.Mutex
	messages      bucket
	subscriptions bucket
	burst         bucket
}

func (u *userLimits) newestRefill() time.Time {
	newest := u.messages.lastRefill
	if u.subscriptions.lastRefill.After(newest) {
		newest = u.subscriptions.lastRefill
	}
	if u.burst.lastRefill.After(newest) {
		newest = u.burst.lastRefill
	}
	return newest
}

// Limiter enforces per-user token-bucket limits for messages, channel
// subscriptions, and bursts. Instances are independent; construct one per
// manager and inject it, never share process-wide state.
type Limiter struct {
	cfg    config.RateLimitConfig
	logger *slog.Logger

	mu    sync.RWMutex
	users map[string]*userLimits

	now func() time.Time

	runMu sync.Mutex
	done  chan struct{}
	wg    sync.WaitGroup
}

func New(cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	return &Limiter{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "rate_limiter")),
		users:  make(map[string]*userLimits),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// getUser lazily creates the per-user state with all pools full. A user the
// limiter has never seen is indistinguishable from one at full capacity.
func (l *Limiter) getUser(userID string) *userLimits {
	l.mu.RLock()
	u, ok := l.users[userID]
	l.mu.RUnlock()
	if ok {
		return u
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if u, ok = l.users[userID]; ok {
		return u
	}

	now := l.now()
	msgCap := float64(l.cfg.MessagesPerSecond)
	subCap := float64(l.cfg.SubscriptionsPerConnection)
	burstCap := float64(l.cfg.BurstLimit)
	u = &userLimits{
		messages:      bucket{tokens: msgCap, capacity: msgCap, refillRate: msgCap, lastRefill: now},
		subscriptions: bucket{tokens: subCap, capacity: subCap, refillRate: 1.0 / 60.0, lastRefill: now},
		burst:         bucket{tokens: burstCap, capacity: burstCap, refillRate: burstCap / 60.0, lastRefill: now},
	}
	l.users[userID] = u
	return u
}

// CheckMessageLimit consumes one message token for userID.
func (l *Limiter) CheckMessageLimit(userID string) Result {
	return l.checkSingle(userID, func(u *userLimits) *bucket { return &u.messages }, messageRetryAfter)
}

// CheckSubscriptionLimit consumes one subscription token for userID.
func (l *Limiter) CheckSubscriptionLimit(userID string) Result {
	return l.checkSingle(userID, func(u *userLimits) *bucket { return &u.subscriptions }, subscriptionRetryAfter)
}

func (l *Limiter) checkSingle(userID string, pick func(*userLimits) *bucket, retryAfter time.Duration) Result {
	u := l.getUser(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	now := l.now()
	b := pick(u)
	b.refill(now)

	if b.tokens < 1 {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  b.resetAt(now),
			RetryAfter: retryAfter,
		}
	}
	b.tokens--
	return Result{
		Allowed:   true,
		Remaining: int(b.tokens),
		ResetTime: b.resetAt(now),
	}
}

// CheckBurstLimit consumes n tokens for userID, draining the regular message
// pool first and spilling the remainder into the burst reserve. It succeeds
// only when the two pools together cover n.
func (l *Limiter) CheckBurstLimit(userID string, n int) Result {
	u := l.getUser(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	now := l.now()
	u.messages.refill(now)
	u.burst.refill(now)

	need := float64(n)
	total := u.messages.tokens + u.burst.tokens
	if total < need {
		shortfall := need - total
		retryAfter := subscriptionRetryAfter
		if u.burst.refillRate > 0 {
			retryAfter = time.Duration(shortfall / u.burst.refillRate * float64(time.Second))
		}
		return Result{
			Allowed:    false,
			Remaining:  int(total),
			ResetTime:  u.burst.resetAt(now),
			RetryAfter: retryAfter,
		}
	}

	fromRegular := math.Min(u.messages.tokens, need)
	u.messages.tokens -= fromRegular
	u.burst.tokens -= need - fromRegular
	return Result{
		Allowed:   true,
		Remaining: int(u.messages.tokens + u.burst.tokens),
		ResetTime: u.burst.resetAt(now),
	}
}

// ResetUserLimits drops all bucket state for userID. The next check sees a
// fresh user with full pools.
func (l *Limiter) ResetUserLimits(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.users, userID)
}

// RecordViolation is an audit hook for denied checks. It only logs; it never
// fails and never touches bucket state.
func (l *Limiter) RecordViolation(userID, kind string) {
	l.logger.Warn("Rate limit violation",
		slog.String("userID", userID),
		slog.String("kind", kind),
	)
}

// Start launches the background sweep that evicts users idle for longer than
// five minutes, bounding the per-user map. Start after Stop begins a fresh
// cycle.
func (l *Limiter) Start(ctx context.Context) {
	l.runMu.Lock()
	done := make(chan struct{})
	l.done = done
	l.runMu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep(l.now())
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
}

// Stop halts the sweep goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.runMu.Lock()
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	l.runMu.Unlock()
	l.wg.Wait()
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for userID, u := range l.users {
		u.mu.Lock()
		stale := now.Sub(u.newestRefill()) > staleAfter
		u.mu.Unlock()
		if stale {
			delete(l.users, userID)
			evicted++
		}
	}
	if evicted > 0 {
		l.logger.Debug("Swept idle rate-limit state", slog.Int("evicted", evicted))
	}
}

// trackedUsers reports how many users currently hold bucket state.
func (l *Limiter) trackedUsers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.users)
}
