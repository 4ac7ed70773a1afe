package canary

import (
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy computes the sleep before each retry. Delay caps double from
// the base up to the maximum, the actual delay is drawn uniformly from
// [0, cap] so concurrent clients spread out.
type RetryPolicy struct {
	limits []time.Duration
	randFn func() float64
}

func NewRetryPolicy(retries int, baseDelay, maxDelay time.Duration) (*RetryPolicy, error) {
	if retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", retries)
	}
	if baseDelay <= 0 || maxDelay <= 0 {
		return nil, fmt.Errorf("retry delays must be positive")
	}

	limits := make([]time.Duration, 0, retries)
	delay := baseDelay
	for i := 0; i < retries; i++ {
		limits = append(limits, min(delay, maxDelay))
		delay = min(delay*2, maxDelay)
	}
	return &RetryPolicy{limits: limits, randFn: rand.Float64}, nil
}

// MaxAttempts is the first try plus every retry.
func (p *RetryPolicy) MaxAttempts() int { return len(p.limits) + 1 }

// NextDelay returns the sleep before the given attempt, 1-based. The first
// attempt carries no delay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt <= 1 || len(p.limits) == 0 {
		return 0
	}
	idx := attempt - 2
	if idx >= len(p.limits) {
		idx = len(p.limits) - 1
	}
	return time.Duration(p.randFn() * float64(p.limits[idx]))
}
