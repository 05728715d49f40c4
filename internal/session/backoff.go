package session

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultBackoffMin    = time.Second
	DefaultBackoffMax    = 2 * time.Minute
	DefaultBackoffJitter = 0.2
)

// BackoffPolicy computes reconnect delays:
//
//	delay(k) = min(Max, Min * 2^(k-1) * (1 + Jitter*u)), u in [0, 1)
//
// With Jitter in [0, 1] the delay never shrinks as k grows and never
// exceeds Max.
type BackoffPolicy struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns u. Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultBackoff returns the policy used when none is configured.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Min: DefaultBackoffMin, Max: DefaultBackoffMax, Jitter: DefaultBackoffJitter}
}

func (p BackoffPolicy) normalized() BackoffPolicy {
	if p.Min <= 0 {
		p.Min = DefaultBackoffMin
	}
	if p.Max <= 0 {
		p.Max = DefaultBackoffMax
	}
	if p.Max < p.Min {
		p.Max = p.Min
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// Delay returns the wait before reconnect attempt k (k >= 1).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	u := min(max(p.Rand(), 0), math.Nextafter(1, 0))
	d := float64(p.Min) * math.Pow(2, float64(attempt-1)) * (1 + p.Jitter*u)
	if math.IsInf(d, 0) || d >= float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}
