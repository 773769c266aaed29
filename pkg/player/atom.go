package player

import (
	"fmt"

	"github.com/MrWong99/cadenza/pkg/activity"
	"github.com/MrWong99/cadenza/pkg/corpus"
	"github.com/MrWong99/cadenza/pkg/label"
	"github.com/MrWong99/cadenza/pkg/memory"
)

// Atom is a leaf matcher: one memory space, one activity pattern and a
// weight.
type Atom struct {
	name    string
	weight  float64
	active  bool
	memory  *memory.NGram
	pattern *activity.Pattern
	opts    []activity.Option
}

// NewAtom creates an atom around mem. The pattern options configure its
// activity decay.
func NewAtom(name string, weight float64, mem *memory.NGram, opts ...activity.Option) (*Atom, error) {
	if weight < 0 {
		return nil, fmt.Errorf("player: atom %q: weight %v must not be negative", name, weight)
	}
	return &Atom{
		name:    name,
		weight:  weight,
		memory:  mem,
		pattern: activity.NewPattern(opts...),
		opts:    opts,
	}, nil
}

// Name returns the atom name.
func (a *Atom) Name() string { return a.name }

// Weight returns the atom weight.
func (a *Atom) Weight() float64 { return a.weight }

// Active reports whether the atom is its player's self-influence target.
func (a *Atom) Active() bool { return a.active }

// LabelKind returns the label kind the atom classifies with.
func (a *Atom) LabelKind() label.Kind { return a.memory.LabelKind() }

// Memory returns the atom's memory space.
func (a *Atom) Memory() *memory.NGram { return a.memory }

// Corpus returns the corpus loaded into the atom, or nil.
func (a *Atom) Corpus() *corpus.Corpus { return a.memory.Corpus() }

// Influence feeds l into the memory space and inserts a peak at now for every
// match. It returns the number of matches.
func (a *Atom) Influence(l label.Label, now float64) (int, error) {
	matches, err := a.memory.Influence(l)
	if err != nil {
		return 0, err
	}
	a.pattern.Update(now)
	peaks := make([]activity.Peak, len(matches))
	for i, m := range matches {
		peaks[i] = activity.Peak{Time: m.Onset, Value: activity.DefaultStrength, Transform: m.Transform}
	}
	a.pattern.Insert(now, peaks...)
	return len(matches), nil
}

// Profile returns the unweighted activity of the atom at now.
func (a *Atom) Profile(now float64) activity.Profile {
	return a.pattern.Profile(now)
}

// Reset clears the activity and the live label history.
func (a *Atom) Reset() {
	a.pattern.Reset()
	a.memory.Clear()
}

func (a *Atom) setWeight(w float64) error {
	if w < 0 {
		return fmt.Errorf("player: atom %q: weight %v must not be negative", a.name, w)
	}
	a.weight = w
	return nil
}

// clone returns a detached copy of a named name with its own index and an
// empty activity.
func (a *Atom) clone(name string) (*Atom, error) {
	mem, err := a.memory.Clone()
	if err != nil {
		return nil, err
	}
	return NewAtom(name, a.weight, mem, a.opts...)
}
