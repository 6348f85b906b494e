package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter keeps token buckets in process memory, one per scope and subject.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *LocalLimiter) Allow(ctx context.Context, scope string, subject string, bucket Bucket) (Decision, error) {
	if l == nil || !bucket.Enabled() {
		return Decision{Allowed: true}, nil
	}
	lim := l.limiter(strings.TrimSpace(scope)+"|"+strings.TrimSpace(subject), bucket)

	r := lim.Reserve()
	if !r.OK() {
		return Decision{Allowed: false, RetryAfter: time.Minute}, nil
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return Decision{Allowed: false, RetryAfter: d}, nil
	}
	return Decision{Allowed: true, Remaining: max(int(lim.Tokens()), 0)}, nil
}

func (l *LocalLimiter) limiter(key string, bucket Bucket) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit := rate.Limit(float64(bucket.RequestsPerMinute) / 60.0)
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(limit, bucket.BurstSize)
		l.limiters[key] = lim
		return lim
	}
	if lim.Limit() != limit || lim.Burst() != bucket.BurstSize {
		lim.SetLimit(limit)
		lim.SetBurst(bucket.BurstSize)
	}
	return lim
}

// Wait blocks until limiter admits one call for subject. Limiter errors fail
// open. It returns how many times the call was held back.
func Wait(ctx context.Context, limiter Limiter, scope, subject string, bucket Bucket, sleep func(context.Context, time.Duration) error) (int, error) {
	if limiter == nil || !bucket.Enabled() {
		return 0, nil
	}
	held := 0
	for {
		dec, err := limiter.Allow(ctx, scope, subject, bucket)
		if err != nil || dec.Allowed {
			return held, nil
		}
		held++
		if err := sleep(ctx, dec.RetryAfter); err != nil {
			return held, err
		}
	}
}
