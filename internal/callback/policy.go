package callback

import (
	"time"
)

// Policy is a reusable retry schedule: MaxAttempts total tries with the
// delay after the n-th failure growing by Multiplier from BaseDelay
// (1s, 2s, 4s with the defaults).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultPolicy matches the delivery contract: 3 attempts, doubling from 1s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}
}

// Delay returns the wait before retrying after the given 1-based failed
// attempt. Attempts past the budget return 0; callers should have stopped.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || attempt >= p.MaxAttempts {
		return 0
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}
