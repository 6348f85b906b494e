package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before retry number attempt (zero-based) under policy.
// A max <= 0 leaves the delay uncapped; the retry ceiling is then the only bound.
func Delay(policy string, base, max time.Duration, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = time.Second
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	exp := capped(doubled(base, attempt), max)
	switch policy {
	case "fixed":
		return capped(base, max)
	case "linear":
		return capped(base*time.Duration(maxInt(1, attempt+1)), max)
	case "exp_equal_jitter":
		half := exp / 2
		return half + time.Duration(rng.Int63n(int64(half)+1))
	case "exp_full_jitter":
		if exp <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(exp) + 1))
	default: // exponential
		return exp
	}
}

func doubled(base time.Duration, attempt int) time.Duration {
	f := float64(base) * math.Pow(2, float64(attempt))
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

func capped(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
