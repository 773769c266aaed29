package label_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/cadenza/pkg/corpus"
	"github.com/MrWong99/cadenza/pkg/label"
)

func TestFromPitch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind  label.Kind
		pitch int
		want  int
	}{
		{label.Melodic, 60, 60},
		{label.Melodic, 140, 140},
		{label.PitchClass, 61, 1},
		{label.Harmonic, 64, 4},
	}
	for _, tt := range tests {
		l, err := label.FromPitch(tt.kind, tt.pitch)
		if err != nil {
			t.Fatalf("FromPitch(%s, %d): %v", tt.kind, tt.pitch, err)
		}
		if l.Code() != tt.want || l.Kind() != tt.kind {
			t.Errorf("FromPitch(%s, %d) = %v, want code %d", tt.kind, tt.pitch, l, tt.want)
		}
	}
}

func TestFromPitch_OutOfRange(t *testing.T) {
	t.Parallel()
	for _, p := range []int{-1, 141} {
		if _, err := label.FromPitch(label.Melodic, p); !errors.Is(err, label.ErrInvalidInput) {
			t.Errorf("FromPitch(%d) error = %v, want ErrInvalidInput", p, err)
		}
	}
}

func TestFromChroma(t *testing.T) {
	t.Parallel()
	chroma := make([]float64, 12)
	chroma[7] = 0.9
	chroma[2] = 0.4
	l, err := label.FromChroma(label.Harmonic, chroma)
	if err != nil {
		t.Fatalf("FromChroma: %v", err)
	}
	if l.Code() != 7 {
		t.Errorf("Code() = %d, want 7", l.Code())
	}

	if _, err := label.FromChroma(label.Harmonic, chroma[:11]); !errors.Is(err, label.ErrInvalidInput) {
		t.Errorf("short chroma error = %v, want ErrInvalidInput", err)
	}
	if _, err := label.FromChroma(label.Melodic, chroma); !errors.Is(err, label.ErrInvalidInput) {
		t.Errorf("melodic chroma error = %v, want ErrInvalidInput", err)
	}
}

func TestForKeyword(t *testing.T) {
	t.Parallel()
	labels, err := label.ForKeyword("pitch", float64(62))
	if err != nil {
		t.Fatalf("ForKeyword: %v", err)
	}
	if len(labels) != 2 {
		t.Fatalf("len(labels) = %d, want 2", len(labels))
	}
	if labels[0].Kind() != label.Melodic || labels[0].Code() != 62 {
		t.Errorf("labels[0] = %v, want melodic(62)", labels[0])
	}
	if labels[1].Kind() != label.PitchClass || labels[1].Code() != 2 {
		t.Errorf("labels[1] = %v, want pitchclass(2)", labels[1])
	}

	chroma := []any{0.0, 0.0, 0.0, 1.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0}
	labels, err = label.ForKeyword("chroma", chroma)
	if err != nil {
		t.Fatalf("ForKeyword(chroma): %v", err)
	}
	if len(labels) != 1 || labels[0].Code() != 3 {
		t.Errorf("chroma labels = %v, want [harmonic(3)]", labels)
	}
}

func TestForKeyword_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		keyword string
		value   any
	}{
		{"unknown keyword", "loudness", 1.0},
		{"fractional pitch", "pitch", 60.5},
		{"string value", "pitch", "C4"},
		{"bad chroma", "chroma", []any{1.0, "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := label.ForKeyword(tt.keyword, tt.value); !errors.Is(err, label.ErrInvalidInput) {
				t.Errorf("error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestTransposed_WrapsPitchClass(t *testing.T) {
	t.Parallel()
	l, _ := label.FromPitch(label.PitchClass, 11)
	if got := l.Transposed(2).Code(); got != 1 {
		t.Errorf("Transposed(2).Code() = %d, want 1", got)
	}
	m, _ := label.FromPitch(label.Melodic, 11)
	if got := m.Transposed(2).Code(); got != 13 {
		t.Errorf("melodic Transposed(2).Code() = %d, want 13", got)
	}
}

func TestFromEvent_HarmonicFallsBackToPitch(t *testing.T) {
	t.Parallel()
	l, err := label.FromEvent(label.Harmonic, &corpus.Event{Pitch: 65})
	if err != nil {
		t.Fatalf("FromEvent: %v", err)
	}
	if l.Code() != 5 {
		t.Errorf("Code() = %d, want 5", l.Code())
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	if k, err := label.ParseKind(""); err != nil || k != label.Melodic {
		t.Errorf(`ParseKind("") = %q, %v; want melodic`, k, err)
	}
	if _, err := label.ParseKind("timbre"); !errors.Is(err, label.ErrInvalidInput) {
		t.Errorf("ParseKind(timbre) error = %v, want ErrInvalidInput", err)
	}
}
