package plan

import (
	"time"
)

// =============================================================================
// Retry Policy
// =============================================================================

// RetryPolicy declares how many times a phase may be attempted and how long
// to wait between attempts. Delays grow geometrically from BaseDelay by
// Multiplier, jittered by up to Jitter of the raw delay, and never exceed
// MaxDelay.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DefaultPhasePolicy returns the retry policy applied to forward phases.
func DefaultPhasePolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
		MaxDelay:    30 * time.Second,
	}
}

// RollbackPolicy returns the tighter policy used for compensating actions.
// Rollback must not hang, so it gets fewer attempts and shorter delays.
func RollbackPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   1 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
		MaxDelay:    5 * time.Second,
	}
}

// Normalize fills zero fields with sane values.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// ShouldRetry reports whether another attempt is allowed after the given
// 1-based attempt number.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Delay computes the backoff before the attempt following the given 1-based
// attempt number. rand must return a value in [0, 1); it is injected so the
// schedule stays a pure function under test.
func (p RetryPolicy) Delay(attempt int, rand func() float64) time.Duration {
	p = p.Normalize()

	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}

	if p.Jitter > 0 && rand != nil {
		// Jitter spreads retries out; subtract only so the cap still holds.
		delay -= delay * p.Jitter * rand()
	}

	d := time.Duration(delay)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
