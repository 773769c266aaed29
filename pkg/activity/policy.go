package activity

import (
	"fmt"
	"math"

	"github.com/MrWong99/cadenza/pkg/corpus"
)

// Context is the decision state visible to merge policies.
type Context struct {
	// Now is the current virtual time in beats.
	Now float64

	// Last is the most recently played corpus event, or nil.
	Last *corpus.Event
}

// Policy reshapes a merged profile. Implementations must not modify their
// input and must never produce negative values.
type Policy interface {
	Name() string
	Apply(p Profile, ctx Context) Profile
}

// DefaultWidth is the fusion window of [DistanceMerge] in beats.
const DefaultWidth = 0.1

// DistanceMerge fuses peaks of the same transform that lie within Width beats
// of each other into a single peak at the position of the strongest, carrying
// the summed value.
type DistanceMerge struct {
	Width float64
}

// Name implements [Policy].
func (DistanceMerge) Name() string { return "distance" }

// Apply implements [Policy].
func (d DistanceMerge) Apply(p Profile, _ Context) Profile {
	out := make(Profile, 0, len(p))
	// open holds, per transform, the index in out of the group being built.
	open := make(map[int]int)
	for _, pk := range p {
		key := pk.Transform.Semitones()
		if i, ok := open[key]; ok && pk.Time-out[i].Time <= d.Width {
			if pk.Value > out[i].Value {
				out[i].Time = pk.Time
			}
			out[i].Value += pk.Value
			continue
		}
		open[key] = len(out)
		out = append(out, pk)
	}
	return fold(out)
}

// DefaultSelectivity is the selectivity of [PhaseModulation].
const DefaultSelectivity = 1.0

// PhaseModulation favours peaks whose beat phase agrees with the current
// beat phase, multiplying each value by exp(s*(cos(2π(t-now))-1)).
type PhaseModulation struct {
	Selectivity float64
}

// Name implements [Policy].
func (PhaseModulation) Name() string { return "phase" }

// Apply implements [Policy].
func (m PhaseModulation) Apply(p Profile, ctx Context) Profile {
	out := p.Scale(1)
	for i := range out {
		out[i].Value *= math.Exp(m.Selectivity * (math.Cos(2*math.Pi*(out[i].Time-ctx.Now)) - 1))
	}
	return out
}

// DefaultFactor is the demotion factor of [RepetitionDemotion].
const DefaultFactor = 0.5

// RepetitionDemotion scales down peaks pointing inside the event that was
// just played, discouraging immediate repetition.
type RepetitionDemotion struct {
	Factor float64
}

// Name implements [Policy].
func (RepetitionDemotion) Name() string { return "repetition" }

// Apply implements [Policy].
func (r RepetitionDemotion) Apply(p Profile, ctx Context) Profile {
	out := p.Scale(1)
	if ctx.Last == nil {
		return out
	}
	lo, hi := ctx.Last.Onset, ctx.Last.Onset+ctx.Last.Duration
	for i := range out {
		if out[i].Time >= lo && out[i].Time < hi {
			out[i].Value *= r.Factor
		}
	}
	return out
}

// NewPolicy builds a policy by name with its default parameter, or with param
// when it is non-zero.
func NewPolicy(name string, param float64) (Policy, error) {
	if param < 0 {
		return nil, fmt.Errorf("activity: policy parameter %v must not be negative", param)
	}
	pick := func(def float64) float64 {
		if param == 0 {
			return def
		}
		return param
	}
	switch name {
	case "distance":
		return DistanceMerge{Width: pick(DefaultWidth)}, nil
	case "phase":
		return PhaseModulation{Selectivity: pick(DefaultSelectivity)}, nil
	case "repetition":
		return RepetitionDemotion{Factor: pick(DefaultFactor)}, nil
	}
	return nil, fmt.Errorf("activity: unknown merge policy %q", name)
}

// DefaultPolicies returns the policies a player applies to its global
// activity unless configured otherwise.
func DefaultPolicies() []Policy {
	return []Policy{DistanceMerge{Width: DefaultWidth}, PhaseModulation{Selectivity: DefaultSelectivity}}
}
