package runner

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures the exponential-backoff-with-jitter delay used
// between dequeue attempts after a StoreUnavailable error.
type RetryPolicy struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	JitterFrac float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MinBackoff: 1 * time.Second, MaxBackoff: 30 * time.Second, JitterFrac: 0.20}
}

// computeBackoff doubles the delay per consecutive failed attempt, capped
// at MaxBackoff, then jitters by +/- JitterFrac.
func computeBackoff(r RetryPolicy, attempts int) time.Duration {
	minB, maxB, j := r.MinBackoff, r.MaxBackoff, r.JitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}
