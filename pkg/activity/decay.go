package activity

import (
	"fmt"
	"math"
)

// Decay maps the beats elapsed since a peak was created to a multiplicative
// factor in [0, 1]. Implementations must be non-increasing in elapsed and
// converge to zero.
type Decay interface {
	Factor(elapsed float64) float64
}

// Exponential decays as exp(-elapsed/Tau).
type Exponential struct {
	Tau float64
}

// DefaultTau is the time constant of the default exponential decay, in beats.
const DefaultTau = 4.6

// Factor implements [Decay].
func (d Exponential) Factor(elapsed float64) float64 {
	if elapsed <= 0 {
		return 1
	}
	return math.Exp(-elapsed / d.Tau)
}

// Linear decays from 1 to 0 over Span beats.
type Linear struct {
	Span float64
}

// Factor implements [Decay].
func (d Linear) Factor(elapsed float64) float64 {
	if elapsed <= 0 {
		return 1
	}
	return max(0, 1-elapsed/d.Span)
}

// NewDecay builds a decay by name. The parameter is the time constant for
// "exponential" and the span for "linear"; zero selects [DefaultTau].
func NewDecay(name string, param float64) (Decay, error) {
	if param < 0 {
		return nil, fmt.Errorf("activity: decay parameter %v must not be negative", param)
	}
	if param == 0 {
		param = DefaultTau
	}
	switch name {
	case "", "exponential":
		return Exponential{Tau: param}, nil
	case "linear":
		return Linear{Span: param}, nil
	}
	return nil, fmt.Errorf("activity: unknown decay %q", name)
}
