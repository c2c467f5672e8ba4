// Package retry computes backoff schedules for reconnects and webhook
// redelivery.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/agentmesh/mesh-go/pkg/mesherr"
)

// Type selects the delay curve.
type Type string

const (
	Exponential Type = "exponential"
	Linear      Type = "linear"
	Constant    Type = "constant"
)

// Valid reports whether t names a known curve. The empty string is not a
// curve; callers choose their own default.
func (t Type) Valid() bool {
	switch t {
	case Exponential, Linear, Constant:
		return true
	}
	return false
}

// jitterSpan is the width of the uniform jitter added on top of the
// clamped delay.
const jitterSpan = 1000 * time.Millisecond

// Policy describes one retry schedule. The zero Multiplier means 2.
type Policy struct {
	Type        Type
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      bool
	Multiplier  float64

	rand func() float64
}

// ShouldRetry reports whether the given attempt number is still within
// budget. Attempts are 1-based.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt <= p.MaxAttempts
}

// Delay returns the wait before the given attempt: the curve value clamped
// to MaxDelay, plus uniform jitter below one second when enabled, floored
// to whole milliseconds.
func (p Policy) Delay(attempt int) (time.Duration, error) {
	if attempt < 1 {
		return 0, mesherr.Newf(mesherr.CodeValidation, "retry attempt %d is not positive", attempt)
	}

	base := float64(p.BaseDelay)
	var d float64
	switch p.Type {
	case Linear:
		d = base * float64(attempt)
	case Constant:
		d = base
	default:
		mult := p.Multiplier
		if mult <= 0 {
			mult = 2
		}
		d = base * math.Pow(mult, float64(attempt-1))
	}

	maxDelay := float64(p.MaxDelay)
	if maxDelay >= base && d > maxDelay {
		d = maxDelay
	}

	if p.Jitter {
		r := p.rand
		if r == nil {
			r = rand.Float64
		}
		d += r() * float64(jitterSpan)
	}

	ms := math.Floor(d / float64(time.Millisecond))
	return time.Duration(ms) * time.Millisecond, nil
}
