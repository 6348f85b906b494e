package backoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/osvaldoandrade/crowdq/internal/metrics"
)

const (
	DefaultBase    = time.Second
	DefaultMaxWait = 120 * time.Second
)

// ErrTimedOut matches every error returned after the wait ceiling was reached.
var ErrTimedOut = errors.New("backoff ceiling exceeded")

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// TimeoutError carries the last transient error seen before giving up.
type TimeoutError struct {
	Op       string
	Target   string
	Attempts int
	Waited   time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: gave up after %d attempts (%s slept): %v", e.Op, e.Target, e.Attempts, e.Waited, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimedOut }

// Policy retries transient failures with growing waits until the next wait
// would exceed MaxWait, or the total slept time would exceed MaxElapsed.
type Policy struct {
	Strategy string
	Base     time.Duration
	MaxWait  time.Duration
	// MaxElapsed bounds strategies whose waits never outgrow MaxWait. Zero means 4*MaxWait.
	MaxElapsed time.Duration
	Sleep      Sleeper
	Logger     *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewPolicy(strategy string, base, maxWait time.Duration, logger *slog.Logger) *Policy {
	if strategy == "" {
		strategy = "exponential"
	}
	if base <= 0 {
		base = DefaultBase
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		Strategy: strategy,
		Base:     base,
		MaxWait:  maxWait,
		Sleep:    SleepOrDone,
		Logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func DefaultPolicy(logger *slog.Logger) *Policy {
	return NewPolicy("exponential", DefaultBase, DefaultMaxWait, logger)
}

// Do runs fn until it succeeds, fails terminally, or the ceiling is reached.
// transient decides which errors are retried; a nil transient retries nothing.
func (p *Policy) Do(ctx context.Context, op, target string, transient func(error) bool, fn func(context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepOrDone
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxElapsed := p.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 4 * p.MaxWait
	}

	var waited time.Duration
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			metrics.BackendCallsTotal.WithLabelValues(op, "success").Inc()
			if attempt > 0 {
				logger.Info("backend call succeeded after retry", "op", op, "target", target, "attempt", attempt+1)
			}
			return nil
		}

		if transient == nil || !transient(err) {
			metrics.BackendCallsTotal.WithLabelValues(op, "terminal").Inc()
			logger.Warn("backend call failed", "op", op, "target", target, "attempt", attempt+1, "err", err)
			return err
		}

		wait := p.next(attempt)
		if wait > p.MaxWait || waited+wait > maxElapsed {
			metrics.BackendCallsTotal.WithLabelValues(op, "timeout").Inc()
			logger.Error("backend call timed out", "op", op, "target", target, "attempt", attempt+1, "waited", waited, "err", err)
			return &TimeoutError{Op: op, Target: target, Attempts: attempt + 1, Waited: waited, Err: err}
		}

		metrics.BackendCallsTotal.WithLabelValues(op, "retry").Inc()
		metrics.BackendRetryWaitSeconds.WithLabelValues(op).Observe(wait.Seconds())
		logger.Warn("backend call failed, retrying", "op", op, "target", target, "attempt", attempt+1, "wait", wait, "err", err)
		if serr := sleep(ctx, wait); serr != nil {
			return serr
		}
		waited += wait
	}
}

func (p *Policy) next(attempt int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(1))
	}
	return Delay(p.Strategy, p.Base, 0, attempt, p.rng)
}

// SleepOrDone waits for d or until ctx is done.
func SleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
