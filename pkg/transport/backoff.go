package transport

import (
	"math"
	"math/rand/v2"
	"time"
)

// Default reconnect policy
const (
	DefaultInitialDelay      = 500 * time.Millisecond
	DefaultBackoffFactor     = 2.0
	DefaultMaxDelay          = 30 * time.Second
	DefaultMaxReconnectTries = 5
)

// ExponentialBackoff computes reconnect delays that grow by Factor from
// InitialDelay up to MaxDelay, for at most MaxAttempts attempts.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	MaxAttempts  int
	// Jitter randomizes each delay by up to ±Jitter/2 of its value
	Jitter float64
}

// NewExponentialBackoff creates a backoff from cfg, filling unset fields
// with the defaults.
func NewExponentialBackoff(cfg ReconnectConfig) *ExponentialBackoff {
	b := &ExponentialBackoff{
		InitialDelay: cfg.InitialDelay,
		Factor:       cfg.Factor,
		MaxDelay:     cfg.MaxDelay,
		MaxAttempts:  cfg.MaxAttempts,
	}
	if b.InitialDelay <= 0 {
		b.InitialDelay = DefaultInitialDelay
	}
	if b.Factor < 1 {
		b.Factor = DefaultBackoffFactor
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = DefaultMaxDelay
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = DefaultMaxReconnectTries
	}
	return b
}

// WithJitter sets the jitter fraction
func (b *ExponentialBackoff) WithJitter(jitter float64) *ExponentialBackoff {
	b.Jitter = jitter
	return b
}

// NextDelay returns the delay before the given attempt, counting from 1
func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(b.InitialDelay) * math.Pow(b.Factor, float64(attempt-1))
	if b.Jitter > 0 {
		delay += (rand.Float64() - 0.5) * delay * b.Jitter
	}
	if delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt exceeds the attempt budget
func (b *ExponentialBackoff) Exhausted(attempt int) bool {
	return attempt > b.MaxAttempts
}
