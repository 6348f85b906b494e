package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Bucket sizes the allowance of one credential against the task backend, or
// of one operator token against the mutating API.
type Bucket struct {
	RequestsPerMinute int `yaml:"requestsPerMinute" json:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize" json:"burstSize"`
}

func (b Bucket) Enabled() bool {
	return b.RequestsPerMinute > 0 && b.BurstSize > 0
}

func (b Bucket) perMillisecond() float64 {
	return float64(b.RequestsPerMinute) / float64(time.Minute.Milliseconds())
}

// stateTTL keeps an idle bucket around for two full refills, within [30s, 1h].
func (b Bucket) stateTTL() time.Duration {
	if !b.Enabled() {
		return 2 * time.Minute
	}
	refill := time.Duration(b.BurstSize) * time.Minute / time.Duration(b.RequestsPerMinute)
	ttl := 2*refill + 5*time.Second
	return min(max(ttl, 30*time.Second), time.Hour)
}

// Decision is the answer for one call. Remaining counts the whole tokens left
// after an admitted call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

type Limiter interface {
	Allow(ctx context.Context, scope string, subject string, bucket Bucket) (Decision, error)
}

type TokenBucketOption func(*TokenBucketLimiter)

// WithKeyPrefix namespaces bucket keys, e.g. per campaign sharing one Redis.
func WithKeyPrefix(prefix string) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		if p := strings.TrimSpace(prefix); p != "" {
			l.prefix = p
		}
	}
}

func WithBucketClock(now func() time.Time) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// TokenBucketLimiter shares one bucket per scope and subject across crowdq
// processes through Redis. Subjects are hashed so credentials never reach a key.
type TokenBucketLimiter struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func NewTokenBucketLimiter(rdb *redis.Client, opts ...TokenBucketOption) *TokenBucketLimiter {
	l := &TokenBucketLimiter{rdb: rdb, prefix: "crowdq:rl", now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// KEYS[1] bucket hash {t: tokens, at: last refill ms}
// ARGV rate per ms, burst, now ms, ttl ms
// returns {admitted, wait ms, remaining}
var tokenBucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call("HMGET", KEYS[1], "t", "at")
local tokens = burst
local at = now
if state[1] then tokens = tonumber(state[1]) end
if state[2] then at = tonumber(state[2]) end
if now > at then
  tokens = math.min(burst, tokens + (now - at) * rate)
  at = now
end
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) / rate)
end
redis.call("HSET", KEYS[1], "t", tostring(tokens), "at", tostring(at))
redis.call("PEXPIRE", KEYS[1], ARGV[4])
if wait > 0 then
  return {0, wait, 0}
end
return {1, 0, math.floor(tokens)}
`)

func (l *TokenBucketLimiter) Allow(ctx context.Context, scope string, subject string, bucket Bucket) (Decision, error) {
	if l == nil || l.rdb == nil || !bucket.Enabled() {
		return Decision{Allowed: true}, nil
	}
	args := []interface{}{
		bucket.perMillisecond(),
		bucket.BurstSize,
		l.now().UnixMilli(),
		bucket.stateTTL().Milliseconds(),
	}
	res, err := tokenBucketScript.Run(ctx, l.rdb, []string{l.key(scope, subject)}, args...).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit %s: %w", scope, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("ratelimit %s: unexpected reply %T", scope, res)
	}
	admitted, _ := vals[0].(int64)
	waitMS, _ := vals[1].(int64)
	remaining, _ := vals[2].(int64)
	if admitted == 1 {
		return Decision{Allowed: true, Remaining: int(remaining)}, nil
	}
	return Decision{RetryAfter: time.Duration(max(waitMS, 1)) * time.Millisecond}, nil
}

func (l *TokenBucketLimiter) key(scope, subject string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = "default"
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(subject)))
	return l.prefix + ":" + scope + ":" + hex.EncodeToString(sum[:])
}
