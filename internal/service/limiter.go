package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/templui/authmail/internal/clock"
	"github.com/templui/authmail/internal/model"
)

var ErrTooManyRequests = errors.New("too many code requests")

// blockFactor stretches the window into the block applied once a user
// exceeds the per-window maximum.
const blockFactor = 3

// ThrottledError tells the caller how long to wait before asking again.
type ThrottledError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("%s: %s, try again in %d seconds", ErrTooManyRequests, e.Reason, int(e.RetryAfter.Seconds()))
}

func (e *ThrottledError) Is(target error) bool {
	return target == ErrTooManyRequests
}

// IssueLimiter bounds how often codes are issued per (user, type). It only
// keeps counters; code state always lives in the repository.
type IssueLimiter interface {
	Allow(ctx context.Context, userID string, codeType model.CodeType) error
}

type NoopIssueLimiter struct{}

func (NoopIssueLimiter) Allow(context.Context, string, model.CodeType) error {
	return nil
}

type RedisIssueLimiter struct {
	client   *redis.Client
	window   time.Duration
	max      int
	cooldown time.Duration
}

func NewRedisIssueLimiter(client *redis.Client, window time.Duration, max int, cooldown time.Duration) *RedisIssueLimiter {
	return &RedisIssueLimiter{client: client, window: window, max: max, cooldown: cooldown}
}

func (l *RedisIssueLimiter) Allow(ctx context.Context, userID string, codeType model.CodeType) error {
	blockKey := fmt.Sprintf("authcode:block:%s:%s", userID, codeType)
	lastKey := fmt.Sprintf("authcode:last:%s:%s", userID, codeType)
	countKey := fmt.Sprintf("authcode:count:%s:%s", userID, codeType)

	// Blocked after exceeding the window maximum
	ttl, err := l.client.TTL(ctx, blockKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read issue block: %w", err)
	}
	if ttl > 0 {
		return &ThrottledError{RetryAfter: ttl, Reason: "too many codes requested"}
	}

	// Cooldown since the last issued code
	ttl, err = l.client.TTL(ctx, lastKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read issue cooldown: %w", err)
	}
	if ttl > 0 {
		return &ThrottledError{RetryAfter: ttl, Reason: "code requested too recently"}
	}

	count, err := l.client.Incr(ctx, countKey).Result()
	if err != nil {
		return fmt.Errorf("failed to count issued codes: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, countKey, l.window).Err(); err != nil {
			return fmt.Errorf("failed to set issue window: %w", err)
		}
	}

	if int(count) > l.max {
		block := l.window * blockFactor
		if err := l.client.Set(ctx, blockKey, "1", block).Err(); err != nil {
			return fmt.Errorf("failed to set issue block: %w", err)
		}
		return &ThrottledError{RetryAfter: block, Reason: "too many codes requested"}
	}

	if l.cooldown > 0 {
		if err := l.client.Set(ctx, lastKey, "1", l.cooldown).Err(); err != nil {
			return fmt.Errorf("failed to set issue cooldown: %w", err)
		}
	}
	return nil
}

type issueState struct {
	count        int
	windowEnd    time.Time
	last         time.Time
	blockedUntil time.Time
}

// MemoryIssueLimiter is the single-instance fallback when Redis is not
// configured.
type MemoryIssueLimiter struct {
	mu       sync.Mutex
	entries  map[string]*issueState
	window   time.Duration
	max      int
	cooldown time.Duration
	clock    clock.Clock
	calls    int
}

func NewMemoryIssueLimiter(window time.Duration, max int, cooldown time.Duration, clk clock.Clock) *MemoryIssueLimiter {
	return &MemoryIssueLimiter{
		entries:  make(map[string]*issueState),
		window:   window,
		max:      max,
		cooldown: cooldown,
		clock:    clk,
	}
}

func (l *MemoryIssueLimiter) Allow(ctx context.Context, userID string, codeType model.CodeType) error {
	now := l.clock.Now()
	key := userID + ":" + string(codeType)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%100 == 0 {
		l.prune(now)
	}

	st, ok := l.entries[key]
	if !ok {
		st = &issueState{}
		l.entries[key] = st
	}

	if now.Before(st.blockedUntil) {
		return &ThrottledError{RetryAfter: st.blockedUntil.Sub(now), Reason: "too many codes requested"}
	}
	if l.cooldown > 0 && !st.last.IsZero() && now.Before(st.last.Add(l.cooldown)) {
		return &ThrottledError{RetryAfter: st.last.Add(l.cooldown).Sub(now), Reason: "code requested too recently"}
	}

	if !now.Before(st.windowEnd) {
		st.count = 0
		st.windowEnd = now.Add(l.window)
	}
	st.count++

	if st.count > l.max {
		block := l.window * blockFactor
		st.blockedUntil = now.Add(block)
		return &ThrottledError{RetryAfter: block, Reason: "too many codes requested"}
	}

	st.last = now
	return nil
}

func (l *MemoryIssueLimiter) prune(now time.Time) {
	for key, st := range l.entries {
		if !now.Before(st.windowEnd) && !now.Before(st.blockedUntil) && !now.Before(st.last.Add(l.cooldown)) {
			delete(l.entries, key)
		}
	}
}
