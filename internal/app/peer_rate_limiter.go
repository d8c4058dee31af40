package app

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const peerAdmissionScope = "peer_conn"

var fixedWindowScript = redis.NewScript(`
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

// RedisPeerRateLimiter counts inbound peer connections per remote host in fixed windows
// shared by every node replica.
type RedisPeerRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPeerRateLimiter(client redis.UniversalClient, prefix string) *RedisPeerRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "sinpe:rate_limit"
	}
	return &RedisPeerRateLimiter{client: client, prefix: trimmedPrefix}
}

// ConsumeRateLimit records one hit for subject within scope and returns the hit count of
// the current window and the seconds until it resets.
func (r *RedisPeerRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
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

// RateLimiter is the subset of RedisPeerRateLimiter used for admission.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error)
}

// PeerAdmission returns an admission check allowing perMinute connections per remote
// host. Limiter errors admit the connection.
func PeerAdmission(limiter RateLimiter, perMinute int) func(ctx context.Context, remoteHost string) bool {
	return func(ctx context.Context, remoteHost string) bool {
		if limiter == nil || perMinute <= 0 {
			return true
		}
		checkCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		count, retryAfter, err := limiter.ConsumeRateLimit(checkCtx, peerAdmissionScope, remoteHost, perMinute, time.Minute)
		if err != nil {
			log.Printf("level=warn component=peer_server msg=\"rate limiter unavailable; admitting\" remote=%s err=%v", remoteHost, err)
			return true
		}
		if count > perMinute {
			log.Printf("level=warn component=peer_server msg=\"peer over rate limit\" remote=%s count=%d limit=%d retry_after_seconds=%d", remoteHost, count, perMinute, retryAfter)
			return false
		}
		return true
	}
}
