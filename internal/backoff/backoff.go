// Package backoff computes reconnect delays.
package backoff

import (
	"errors"
	"math"
	"time"
)

// Policy is an exponential backoff: Base * Multiplier^attempt, capped at Max.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// Default matches the web client: 1s, doubling, capped at 30s.
var Default = Policy{
	Base:       time.Second,
	Multiplier: 2,
	Max:        30 * time.Second,
}

// Validate reports whether the policy satisfies base > 0, multiplier > 1
// and max >= base.
func (p Policy) Validate() error {
	if p.Base <= 0 {
		return errors.New("backoff base must be positive")
	}

	if p.Multiplier <= 1 {
		return errors.New("backoff multiplier must be greater than 1")
	}

	if p.Max < p.Base {
		return errors.New("backoff max must be at least base")
	}

	return nil
}

// Delay returns the delay before reconnect attempt number attempt
// (zero-based). Negative attempts are treated as zero.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt))

	// Pow overflows to +Inf long before the attempt counter does.
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.Max) {
		return p.Max
	}

	return time.Duration(d)
}
