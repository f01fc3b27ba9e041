package client

import "time"

// Backoff decides how long to wait before the given reconnect attempt.
// Attempts are numbered from 1.
type Backoff interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff grows the delay geometrically up to a cap.
type ExponentialBackoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

// DefaultBackoff is the capped exponential policy used when none is given:
// 1s, 2s, 4s, 8s, 16s, then 30s.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{Base: time.Second, Factor: 2, Cap: 30 * time.Second}
}

// NextDelay returns Base * Factor^(attempt-1), capped.
func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base)
	for i := 1; i < attempt; i++ {
		delay *= b.Factor
		if time.Duration(delay) >= b.Cap {
			return b.Cap
		}
	}
	if time.Duration(delay) > b.Cap {
		return b.Cap
	}
	return time.Duration(delay)
}
