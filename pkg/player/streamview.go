package player

import (
	"fmt"
	"slices"

	"github.com/MrWong99/cadenza/pkg/activity"
)

// StreamView groups atoms and child streamviews. Children are kept in
// creation order so merges are deterministic.
type StreamView struct {
	name     string
	weight   float64
	policies []activity.Policy
	views    []*StreamView
	atoms    []*Atom
}

func newStreamView(name string, weight float64, policies []activity.Policy) (*StreamView, error) {
	if weight < 0 {
		return nil, fmt.Errorf("player: streamview %q: weight %v must not be negative", name, weight)
	}
	return &StreamView{name: name, weight: weight, policies: slices.Clone(policies)}, nil
}

// Name returns the streamview name.
func (v *StreamView) Name() string { return v.name }

// Weight returns the streamview weight.
func (v *StreamView) Weight() float64 { return v.weight }

// Atoms returns the direct child atoms.
func (v *StreamView) Atoms() []*Atom { return slices.Clone(v.atoms) }

// StreamViews returns the direct child streamviews.
func (v *StreamView) StreamViews() []*StreamView { return slices.Clone(v.views) }

func (v *StreamView) child(name string) *StreamView {
	for _, c := range v.views {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (v *StreamView) atom(name string) *Atom {
	for _, a := range v.atoms {
		if a.name == name {
			return a
		}
	}
	return nil
}

func (v *StreamView) has(name string) bool {
	return v.child(name) != nil || v.atom(name) != nil
}

// streamView walks p from v. It returns false when a segment is missing.
func (v *StreamView) streamView(p Path) (*StreamView, bool) {
	cur := v
	for _, seg := range p.segs {
		if cur = cur.child(seg); cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// lookupAtom returns the atom addressed by p.
func (v *StreamView) lookupAtom(p Path) (*Atom, bool) {
	if p.IsRoot() {
		return nil, false
	}
	parent, ok := v.streamView(p.Parent())
	if !ok {
		return nil, false
	}
	a := parent.atom(p.Base())
	return a, a != nil
}

// walk calls fn for every atom in the subtree, depth first in creation order.
func (v *StreamView) walk(fn func(*Atom)) {
	for _, a := range v.atoms {
		fn(a)
	}
	for _, c := range v.views {
		c.walk(fn)
	}
}

// subtree returns the atoms addressed by p: the atom itself, or every atom
// below the streamview at p.
func (v *StreamView) subtree(p Path) ([]*Atom, bool) {
	if a, ok := v.lookupAtom(p); ok {
		return []*Atom{a}, true
	}
	sv, ok := v.streamView(p)
	if !ok {
		return nil, false
	}
	var out []*Atom
	sv.walk(func(a *Atom) { out = append(out, a) })
	return out, true
}

// Profile merges the activity of the direct atoms and child streamviews by
// their weights and applies the streamview's policies.
func (v *StreamView) Profile(ctx activity.Context) activity.Profile {
	n := len(v.atoms) + len(v.views)
	if n == 0 {
		return nil
	}
	profiles := make([]activity.Profile, 0, n)
	weights := make([]float64, 0, n)
	for _, a := range v.atoms {
		profiles = append(profiles, a.Profile(ctx.Now))
		weights = append(weights, a.weight)
	}
	for _, c := range v.views {
		profiles = append(profiles, c.Profile(ctx))
		weights = append(weights, c.weight)
	}
	merged := activity.Merge(profiles, weights)
	for _, pol := range v.policies {
		merged = pol.Apply(merged, ctx)
	}
	return merged
}
