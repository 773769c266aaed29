// Package label classifies musical events into comparable labels.
//
// A [Label] is an opaque (kind, code) pair. Labels are only produced by the
// classification functions in this package ([FromPitch], [FromChroma],
// [FromEvent], [ForKeyword]) or derived from another label via
// [Label.Transposed]; there is no exported constructor for arbitrary codes.
package label

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/MrWong99/cadenza/pkg/corpus"
)

// ErrInvalidInput is returned when data cannot be classified: out-of-range
// pitch, wrong-length chroma, unsupported type, or unknown influence keyword.
var ErrInvalidInput = errors.New("label: invalid input")

// MaxPitch is the highest pitch accepted by melodic classification.
const MaxPitch = 140

// ChromaSize is the required length of a chroma vector.
const ChromaSize = 12

// Kind selects the classification scheme.
type Kind string

const (
	// Melodic labels are the raw MIDI pitch.
	Melodic Kind = "melodic"

	// PitchClass labels are the MIDI pitch modulo 12.
	PitchClass Kind = "pitchclass"

	// Harmonic labels are chroma clusters.
	Harmonic Kind = "harmonic"
)

// Kinds lists every label kind in registry order.
var Kinds = []Kind{Melodic, PitchClass, Harmonic}

// IsValid reports whether k is a recognised label kind.
func (k Kind) IsValid() bool {
	return slices.Contains(Kinds, k)
}

// ParseKind maps a stable string tag to a [Kind]. The empty string selects
// [Melodic].
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return Melodic, nil
	}
	k := Kind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("%w: unknown label kind %q", ErrInvalidInput, s)
	}
	return k, nil
}

// keywords maps influence keywords to the label kinds they classify into.
var keywords = map[string][]Kind{
	"pitch":  {Melodic, PitchClass},
	"chroma": {Harmonic},
}

// Label is a classification of one event.
type Label struct {
	kind Kind
	code int
}

// Kind returns the label kind.
func (l Label) Kind() Kind { return l.kind }

// Code returns the integer code of the label.
func (l Label) Code() int { return l.code }

// String implements [fmt.Stringer].
func (l Label) String() string { return fmt.Sprintf("%s(%d)", l.kind, l.code) }

// Transposed returns l shifted by semitones within its kind's code space.
// Melodic codes shift linearly; pitch-class and harmonic codes wrap mod 12.
func (l Label) Transposed(semitones int) Label {
	switch l.kind {
	case PitchClass, Harmonic:
		return Label{kind: l.kind, code: mod12(l.code + semitones)}
	default:
		return Label{kind: l.kind, code: l.code + semitones}
	}
}

// FromPitch classifies a MIDI pitch.
func FromPitch(kind Kind, pitch int) (Label, error) {
	if pitch < 0 || pitch > MaxPitch {
		return Label{}, fmt.Errorf("%w: pitch %d outside [0, %d]", ErrInvalidInput, pitch, MaxPitch)
	}
	switch kind {
	case Melodic:
		return Label{kind: Melodic, code: pitch}, nil
	case PitchClass:
		return Label{kind: PitchClass, code: pitch % 12}, nil
	case Harmonic:
		chroma := make([]float64, ChromaSize)
		chroma[pitch%12] = 1
		return FromChroma(Harmonic, chroma)
	}
	return Label{}, fmt.Errorf("%w: unknown label kind %q", ErrInvalidInput, kind)
}

// FromChroma classifies a 12-bin chroma vector. Only [Harmonic] accepts chroma.
// The vector is normalised to its maximum and mapped to the dominant pitch
// class cluster.
func FromChroma(kind Kind, chroma []float64) (Label, error) {
	if kind != Harmonic {
		return Label{}, fmt.Errorf("%w: label kind %q cannot classify chroma", ErrInvalidInput, kind)
	}
	if len(chroma) != ChromaSize {
		return Label{}, fmt.Errorf("%w: chroma has size %d, want %d", ErrInvalidInput, len(chroma), ChromaSize)
	}
	best, bestV := 0, math.Inf(-1)
	for i, v := range chroma {
		if math.IsNaN(v) || v < 0 {
			return Label{}, fmt.Errorf("%w: chroma bin %d is %v", ErrInvalidInput, i, v)
		}
		if v > bestV {
			best, bestV = i, v
		}
	}
	return Label{kind: Harmonic, code: best}, nil
}

// FromEvent classifies a corpus event. Harmonic classification uses the event
// chroma when present and falls back to its pitch.
func FromEvent(kind Kind, ev *corpus.Event) (Label, error) {
	if kind == Harmonic && len(ev.Chroma) > 0 {
		return FromChroma(kind, ev.Chroma)
	}
	return FromPitch(kind, ev.Pitch)
}

// ForKeyword classifies an influence value for every label kind registered
// under keyword. The value may be an int, a whole float64, a []float64 or a
// []any of numbers (as decoded from JSON).
func ForKeyword(keyword string, value any) ([]Label, error) {
	kinds, ok := keywords[keyword]
	if !ok {
		return nil, fmt.Errorf("%w: no label kind matches influence keyword %q", ErrInvalidInput, keyword)
	}
	labels := make([]Label, 0, len(kinds))
	for _, k := range kinds {
		l, err := classifyValue(k, value)
		if err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	return labels, nil
}

func classifyValue(kind Kind, value any) (Label, error) {
	switch v := value.(type) {
	case int:
		return FromPitch(kind, v)
	case int64:
		return FromPitch(kind, int(v))
	case float64:
		if v != math.Trunc(v) {
			return Label{}, fmt.Errorf("%w: pitch %v is not an integer", ErrInvalidInput, v)
		}
		return FromPitch(kind, int(v))
	case []float64:
		return FromChroma(kind, v)
	case []any:
		chroma := make([]float64, len(v))
		for i, x := range v {
			f, ok := x.(float64)
			if !ok {
				return Label{}, fmt.Errorf("%w: chroma bin %d has type %T", ErrInvalidInput, i, x)
			}
			chroma[i] = f
		}
		return FromChroma(kind, chroma)
	}
	return Label{}, fmt.Errorf("%w: cannot classify value of type %T", ErrInvalidInput, value)
}

func mod12(x int) int {
	return ((x % 12) + 12) % 12
}
