// Package activity turns memory matches into time-decaying activity signals
// and merges them.
//
// A [Pattern] accumulates peaks as matches arrive. Every peak starts at a
// corpus time with a fixed strength; as virtual time passes its value decays
// under a [Decay] policy and its corpus time advances by the same elapsed
// beats, so the peak keeps pointing at the continuation of the matched
// material. [Pattern.Profile] samples the pattern at a given beat, [Merge]
// combines weighted profiles, and [Policy] implementations reshape a merged
// profile before a decision is made.
package activity

import (
	"cmp"
	"math"
	"slices"

	"github.com/MrWong99/cadenza/pkg/transform"
)

// timeEpsilon is the tolerance under which two peak times share a merge key.
const timeEpsilon = 1e-9

// Peak is one sample of an activity profile.
type Peak struct {
	// Time is the corpus time (beats) the peak points at.
	Time float64

	// Value is the current strength, never negative.
	Value float64

	// Transform is the transform of the match that created the peak.
	Transform transform.Transform
}

// Profile is a sparse activity signal ordered by time.
type Profile []Peak

// Empty reports whether p carries no positive activity.
func (p Profile) Empty() bool {
	for _, pk := range p {
		if pk.Value > 0 {
			return false
		}
	}
	return true
}

// Scale returns a copy of p with every value multiplied by w.
func (p Profile) Scale(w float64) Profile {
	out := slices.Clone(p)
	for i := range out {
		out[i].Value *= w
	}
	return out
}

// Without returns a copy of p without the peaks for which drop returns true.
func (p Profile) Without(drop func(Peak) bool) Profile {
	out := make(Profile, 0, len(p))
	for _, pk := range p {
		if !drop(pk) {
			out = append(out, pk)
		}
	}
	return out
}

// Max returns the largest value in p, or 0 for an empty profile.
func (p Profile) Max() float64 {
	m := 0.0
	for _, pk := range p {
		m = max(m, pk.Value)
	}
	return m
}

// Merge combines profiles into one whose keys are the union of all input keys
// (time and transform). At each key the result is sum(value*weight)/sum(weight),
// a profile missing a key contributing zero. The result does not depend on the
// order of the inputs. Weights must be non-negative; a zero total weight yields
// an empty profile. Merge panics if len(weights) != len(profiles).
func Merge(profiles []Profile, weights []float64) Profile {
	if len(profiles) != len(weights) {
		panic("activity: Merge called with mismatched profiles and weights")
	}
	total := 0.0
	n := 0
	for i, w := range weights {
		total += w
		n += len(profiles[i])
	}
	if total <= 0 {
		return nil
	}
	all := make(Profile, 0, n)
	for i, p := range profiles {
		for _, pk := range p {
			pk.Value *= weights[i] / total
			all = append(all, pk)
		}
	}
	return fold(all)
}

// fold sorts peaks by key and sums values that share a key.
func fold(all Profile) Profile {
	slices.SortStableFunc(all, comparePeaks)
	out := all[:0]
	for _, pk := range all {
		if last := len(out) - 1; last >= 0 && sameKey(out[last], pk) {
			out[last].Value += pk.Value
			continue
		}
		out = append(out, pk)
	}
	return out
}

func comparePeaks(a, b Peak) int {
	if math.Abs(a.Time-b.Time) > timeEpsilon {
		return cmp.Compare(a.Time, b.Time)
	}
	return cmp.Compare(a.Transform.Semitones(), b.Transform.Semitones())
}

func sameKey(a, b Peak) bool {
	return math.Abs(a.Time-b.Time) <= timeEpsilon && a.Transform == b.Transform
}
