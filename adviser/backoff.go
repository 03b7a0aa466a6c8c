// ABOUTME: Exponential retry backoff: Delay * Factor^attempt capped at MaxDelay, without jitter.
package adviser

import (
	"math"
	"time"

	"github.com/2389-research/tusk/plan"
)

// Backoff controls the delay between retries.
type Backoff struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
}

// BackoffFrom reads a retry configuration. A zero factor means a constant delay.
func BackoffFrom(cfg *plan.RetryConfig) Backoff {
	if cfg == nil {
		return Backoff{}
	}
	b := Backoff{InitialDelay: cfg.Delay.Std(), Factor: cfg.Factor, MaxDelay: cfg.MaxDelay.Std()}
	if b.Factor <= 0 {
		b.Factor = 1
	}
	return b
}

// DelayForAttempt returns the delay before retry number attempt (0-indexed).
func (b Backoff) DelayForAttempt(attempt int) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	nanos := float64(b.InitialDelay.Nanoseconds()) * math.Pow(b.Factor, float64(attempt))
	if b.MaxDelay > 0 {
		nanos = math.Min(nanos, float64(b.MaxDelay.Nanoseconds()))
	}
	if nanos > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(nanos))
}
