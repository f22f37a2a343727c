// Package backoff provides pluggable retry delay strategies. All
// strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential grows the delay geometrically with the attempt number.
// Delay = min(Initial * Factor^(attempt-1), Max). A Factor of 0 is
// treated as 2.
type Exponential struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

// NewExponential creates a doubling backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Factor: 2, Max: maxDelay}
}

// NewExponentialFactor creates a geometric backoff with an explicit
// growth factor. The live update client uses factor 1.5.
func NewExponentialFactor(initial time.Duration, factor float64, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Factor: factor, Max: maxDelay}
}

// Delay returns Initial * Factor^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	factor := e.Factor
	if factor <= 0 {
		factor = 2
	}
	d := time.Duration(float64(e.Initial) * math.Pow(factor, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// FullJitter
// ──────────────────────────────────────────────────

// FullJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * Factor^(attempt-1), Max)].
// This prevents thundering herd when many retries happen simultaneously.
type FullJitter struct {
	Exponential
}

// NewFullJitter creates a doubling backoff with full jitter.
func NewFullJitter(initial, maxDelay time.Duration) *FullJitter {
	return &FullJitter{Exponential{Initial: initial, Factor: 2, Max: maxDelay}}
}

// Delay returns a random duration in [0, Exponential.Delay(attempt)].
func (f *FullJitter) Delay(attempt int) time.Duration {
	base := f.Exponential.Delay(attempt)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default backoff used for capability
// retries: full jitter with 1s initial and 1m max.
func DefaultStrategy() Strategy {
	return NewFullJitter(1*time.Second, 1*time.Minute)
}
