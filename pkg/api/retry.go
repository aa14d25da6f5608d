package api

import (
	"math"
	"time"
)

// RetryPolicy controls how activity attempts are retried.
//
// The delay before attempt n+1 is
//
//	min(InitialInterval * BackoffCoefficient^(n-1), MaxInterval)
//
// MaxAttempts counts the first attempt; 0 means unlimited.
type RetryPolicy struct {
	InitialInterval    time.Duration `json:"initial_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
	MaxInterval        time.Duration `json:"max_interval"`
	MaxAttempts        int           `json:"max_attempts"`
}

// DefaultRetryPolicy returns the policy applied when an activity is
// scheduled with a zero-valued one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaxInterval:        30 * time.Second,
		MaxAttempts:        3,
	}
}

// IsZero reports whether the policy is unset.
func (p RetryPolicy) IsZero() bool {
	return p == RetryPolicy{}
}

// AllowsAnother reports whether a retry may follow the given (1-based)
// failed attempt.
func (p RetryPolicy) AllowsAnother(attempt int) bool {
	return p.MaxAttempts == 0 || attempt < p.MaxAttempts
}

// Delay returns the backoff before the attempt following the given
// (1-based) failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := p.InitialInterval
	if initial <= 0 {
		return 0
	}
	coeff := p.BackoffCoefficient
	if coeff <= 0 {
		coeff = 2.0
	}
	d := time.Duration(float64(initial) * math.Pow(coeff, float64(attempt-1)))
	if d < 0 {
		// Overflowed; clamp to the cap (or a large value if uncapped).
		d = math.MaxInt64
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}
