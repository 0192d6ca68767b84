package bluez

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes exponential backoff with jitter. Value type; the zero
// value is not useful, use DefaultRetryPolicy or AdvertisingRetryPolicy.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy covers generic adapter operations.
func DefaultRetryPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2.0}
}

// AdvertisingRetryPolicy is more aggressive: advertising registration is the
// step most worth persevering on after adapter power cycles.
func AdvertisingRetryPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 2.0}
}

// Delay returns the backoff for the given 1-based attempt: the capped
// exponential, randomized by a uniform ±30% jitter to avoid thundering-herd
// reconnects, never below 1ms. Attempt 0 or less yields 0.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	d = math.Min(d, float64(p.MaxDelay))
	d *= 0.7 + 0.6*rand.Float64()
	if d < float64(time.Millisecond) {
		d = float64(time.Millisecond)
	}
	return time.Duration(d)
}
