// Package transform implements reversible, composable relabelings of labels
// and corpus events.
//
// A [Transform] is a small comparable value usable as a map key. Transforms
// that compare equal with == act identically on every label kind. The
// semitone count is kept signed: melodic labels and decoded notes move by the
// full amount, while pitch-class and harmonic labels wrap modulo 12 (see
// [Transform.Equivalent]). Octave shifts are tracked separately and only
// apply to labels that carry register information.
package transform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/cadenza/pkg/corpus"
	"github.com/MrWong99/cadenza/pkg/label"
)

// ErrIncompatible is returned when a transform cannot be used with a label
// kind or cannot be applied to a given object.
var ErrIncompatible = errors.New("transform: incompatible")

// Kind is the variant tag of a [Transform].
type Kind string

const (
	KindIdentity  Kind = "identity"
	KindTranspose Kind = "transpose"
	KindOctave    Kind = "octave"
	KindComposite Kind = "composite"
)

// maxMIDIPitch bounds note pitches produced by event transforms.
const maxMIDIPitch = 127

// Transform is a relabeling function. The zero value is the identity.
type Transform struct {
	semitones int
	octaves   int
}

// Identity is the transform that leaves everything unchanged.
var Identity = Transform{}

// Transpose returns a transposition by n semitones.
func Transpose(n int) Transform {
	return Transform{semitones: n}
}

// Octave returns a shift by n octaves.
func Octave(n int) Transform {
	return Transform{octaves: n}
}

// Compose returns the transform equivalent to applying t and then u.
func Compose(t, u Transform) Transform {
	return Transform{semitones: t.semitones + u.semitones, octaves: t.octaves + u.octaves}
}

// Kind returns the variant tag of t.
func (t Transform) Kind() Kind {
	switch {
	case t.semitones == 0 && t.octaves == 0:
		return KindIdentity
	case t.octaves == 0:
		return KindTranspose
	case t.semitones == 0:
		return KindOctave
	}
	return KindComposite
}

// Semitones returns the total pitch shift of t in semitones.
func (t Transform) Semitones() int { return t.semitones + 12*t.octaves }

// Inverse returns the transform that undoes t.
func (t Transform) Inverse() Transform {
	return Transform{semitones: -t.semitones, octaves: -t.octaves}
}

// Equivalent reports whether t and u map every label of kind to the same
// label. Pitch-class and harmonic codes only see the shift modulo 12.
func (t Transform) Equivalent(u Transform, kind label.Kind) bool {
	if kind == label.Melodic {
		return t.Semitones() == u.Semitones()
	}
	return t.octaves == u.octaves && mod12(t.semitones) == mod12(u.semitones)
}

// String implements [fmt.Stringer].
func (t Transform) String() string {
	switch t.Kind() {
	case KindIdentity:
		return "identity"
	case KindTranspose:
		return fmt.Sprintf("transpose(%+d)", t.semitones)
	case KindOctave:
		return fmt.Sprintf("octave(%+d)", t.octaves)
	}
	return fmt.Sprintf("transpose(%+d)+octave(%+d)", t.semitones, t.octaves)
}

// ValidFor reports whether t can be registered on an atom classifying with
// kind. Octave shifts are meaningless for pitch-class and harmonic labels.
func (t Transform) ValidFor(kind label.Kind) error {
	if !kind.IsValid() {
		return fmt.Errorf("%w: unknown label kind %q", ErrIncompatible, kind)
	}
	if t.octaves != 0 && kind != label.Melodic {
		return fmt.Errorf("%w: %s cannot be used with %s labels", ErrIncompatible, t, kind)
	}
	return nil
}

// Apply maps l from the corpus domain into the transformed domain.
func (t Transform) Apply(l label.Label) label.Label {
	if l.Kind() == label.Melodic {
		return l.Transposed(t.Semitones())
	}
	return l.Transposed(t.semitones)
}

// Invert maps l from the transformed domain back into the corpus domain.
// Invert(Apply(l)) == l for every label.
func (t Transform) Invert(l label.Label) label.Label {
	return t.Inverse().Apply(l)
}

// ApplyEvent returns a transformed copy of ev. Notes are shifted in pitch,
// chroma is rotated, and audio slices are transposed in cents. The original
// event is never modified.
func (t Transform) ApplyEvent(ev *corpus.Event) (*corpus.Event, error) {
	if t == Identity {
		return ev.Clone(), nil
	}
	shift := t.Semitones()
	out := ev.Clone()
	out.Pitch += shift
	for i := range out.Notes {
		p := out.Notes[i].Pitch + shift
		if p < 0 || p > maxMIDIPitch {
			return nil, fmt.Errorf("%w: %s moves note %d of event %d out of MIDI range",
				ErrIncompatible, t, out.Notes[i].Pitch, ev.Index)
		}
		out.Notes[i].Pitch = p
	}
	if len(out.Chroma) == label.ChromaSize {
		out.Chroma = roll(out.Chroma, t.semitones)
	}
	if out.Audio != nil {
		out.Audio.Transpose += 100 * float64(shift)
	}
	return out, nil
}

// InvertEvent undoes [Transform.ApplyEvent].
func (t Transform) InvertEvent(ev *corpus.Event) (*corpus.Event, error) {
	return t.Inverse().ApplyEvent(ev)
}

// Parse reads a transform specification. Accepted tags are "identity",
// "transpose:N", "transpose:A..B", "octave:N" and "octave:A..B"; ranges expand
// to one transform per step. Equivalent transforms are collapsed.
func Parse(spec string) ([]Transform, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == string(KindIdentity) {
		return []Transform{Identity}, nil
	}
	tag, arg, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("%w: malformed transform %q", ErrIncompatible, spec)
	}
	var ctor func(int) Transform
	switch Kind(tag) {
	case KindTranspose:
		ctor = Transpose
	case KindOctave:
		ctor = Octave
	default:
		return nil, fmt.Errorf("%w: unknown transform %q", ErrIncompatible, tag)
	}
	lo, hi, err := parseRange(arg)
	if err != nil {
		return nil, fmt.Errorf("%w: transform %q: %v", ErrIncompatible, spec, err)
	}
	var out []Transform
	for n := lo; n <= hi; n++ {
		out = Unique(append(out, ctor(n)))
	}
	return out, nil
}

// ParseAll parses every spec and returns the union in first-seen order.
func ParseAll(specs []string) ([]Transform, error) {
	if len(specs) == 0 {
		return []Transform{Identity}, nil
	}
	var out []Transform
	for _, s := range specs {
		ts, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ts...)
	}
	return Unique(out), nil
}

// Unique removes duplicate transforms preserving first-seen order.
func Unique(ts []Transform) []Transform {
	seen := make(map[Transform]struct{}, len(ts))
	out := ts[:0:0]
	for _, t := range ts {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func parseRange(s string) (int, int, error) {
	if a, b, ok := strings.Cut(s, ".."); ok {
		var lo, hi int
		if _, err := fmt.Sscanf(a, "%d", &lo); err != nil {
			return 0, 0, err
		}
		if _, err := fmt.Sscanf(b, "%d", &hi); err != nil {
			return 0, 0, err
		}
		if lo > hi {
			return 0, 0, fmt.Errorf("empty range %d..%d", lo, hi)
		}
		return lo, hi, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, 0, err
	}
	return n, n, nil
}

func mod12(n int) int { return ((n % 12) + 12) % 12 }

func roll(v []float64, n int) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[((i+n)%len(v)+len(v))%len(v)] = x
	}
	return out
}
