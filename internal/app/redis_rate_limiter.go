package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const joinRateLimitScope = "pool_join"

// ErrRateLimited is returned when a wallet exceeds its join budget.
var ErrRateLimited = errors.New("too many join attempts")

// RateLimitError carries the retry hint of a rejected join.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s; retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// JoinRateLimiter decides whether a wallet may attempt another join now.
type JoinRateLimiter interface {
	Allow(ctx context.Context, wallet string) (allowed bool, retryAfter time.Duration, err error)
}

var joinRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisJoinRateLimiter implements a distributed fixed-window limiter shared by every replica.
type RedisJoinRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewRedisJoinRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisJoinRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "commitpool:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisJoinRateLimiter{
		client: client,
		prefix: trimmedPrefix,
		limit:  limit,
		window: window,
	}
}

func (r *RedisJoinRateLimiter) Allow(ctx context.Context, wallet string) (bool, time.Duration, error) {
	count, retryAfterSeconds, err := r.consume(ctx, joinRateLimitScope, wallet)
	if err != nil {
		return false, 0, err
	}
	if count > r.limit {
		return false, time.Duration(retryAfterSeconds) * time.Second, nil
	}
	return true, 0, nil
}

func (r *RedisJoinRateLimiter) consume(
	ctx context.Context,
	scope string,
	subject string,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || r.limit <= 0 || r.window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := joinRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return int(currentCount), retryAfter, nil
}

// LocalJoinRateLimiter is the single-process fallback used when Redis is not configured.
// Each wallet gets a token bucket refilled at limit per window with a burst of limit.
type LocalJoinRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

func NewLocalJoinRateLimiter(limit int, window time.Duration) *LocalJoinRateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &LocalJoinRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
	}
}

func (l *LocalJoinRateLimiter) Allow(ctx context.Context, wallet string) (bool, time.Duration, error) {
	if l == nil {
		return true, 0, nil
	}
	wallet = strings.TrimSpace(wallet)

	l.mu.Lock()
	limiter, ok := l.limiters[wallet]
	if !ok {
		limiter = rate.NewLimiter(l.every, l.burst)
		l.limiters[wallet] = limiter
	}
	l.mu.Unlock()

	reservation := limiter.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return false, delay, nil
	}
	return true, 0, nil
}

// checkJoinRate consults the limiter. A limiter outage lets the join through.
func (s *Service) checkJoinRate(ctx context.Context, wallet string) error {
	if s.limiter == nil {
		return nil
	}
	allowed, retryAfter, err := s.limiter.Allow(ctx, wallet)
	if err != nil {
		s.logger.Warn().Err(err).Str("flow", "join_pool").Str("wallet", wallet).Msg("rate limiter unavailable; allowing join")
		return nil
	}
	if !allowed {
		return &RateLimitError{RetryAfter: retryAfter}
	}
	return nil
}
