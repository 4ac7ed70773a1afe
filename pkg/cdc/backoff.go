package cdc

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrBackoffExhausted is returned when the policy has no retries left.
var ErrBackoffExhausted = errors.New("cdc: retry attempts exhausted")

// BackoffConfig parameterizes an exponential backoff policy.
type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Multiplier  float64       `yaml:"multiplier"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"` // 0 means unlimited
	Jitter      bool          `yaml:"jitter"`
}

// Backoff computes exponentially growing delays with optional full jitter.
// It is not safe for concurrent use; each worker owns its own instance.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
	randFn  func() float64
}

// NewBackoff validates cfg and returns a Backoff.
func NewBackoff(cfg BackoffConfig) (*Backoff, error) {
	if cfg.Base <= 0 {
		return nil, fmt.Errorf("cdc: backoff base must be positive, got %s", cfg.Base)
	}
	if cfg.Multiplier < 1 {
		return nil, fmt.Errorf("cdc: backoff multiplier must be at least 1.0, got %g", cfg.Multiplier)
	}
	if cfg.Max < cfg.Base {
		return nil, fmt.Errorf("cdc: backoff max %s must be >= base %s", cfg.Max, cfg.Base)
	}
	return &Backoff{cfg: cfg, randFn: rand.Float64}, nil
}

// Attempts reports how many delays have been issued since the last reset.
func (b *Backoff) Attempts() int { return b.attempt }

// Reset clears the attempt counter after a success.
func (b *Backoff) Reset() { b.attempt = 0 }

// NextDelay returns the next wait. With jitter enabled the delay is a
// uniformly random fraction of the raw exponential value (full jitter).
func (b *Backoff) NextDelay() (time.Duration, error) {
	if b.cfg.MaxAttempts > 0 && b.attempt >= b.cfg.MaxAttempts {
		return 0, ErrBackoffExhausted
	}
	raw := float64(b.cfg.Base) * math.Pow(b.cfg.Multiplier, float64(b.attempt))
	if raw > float64(b.cfg.Max) {
		raw = float64(b.cfg.Max)
	}
	b.attempt++
	if !b.cfg.Jitter {
		return time.Duration(raw), nil
	}
	return time.Duration(b.randFn() * raw), nil
}
