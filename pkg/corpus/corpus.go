// Package corpus defines the recorded material a player draws generated output
// from: an ordered, immutable sequence of [Event] slices, each carrying timing
// and either MIDI notes or an audio descriptor.
//
// A [Corpus] is read-only after [New] returns and may be shared by reference
// between any number of atoms and players.
package corpus

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// ErrEmpty is returned by [New] when no events are supplied.
var ErrEmpty = errors.New("corpus: no events")

// ContentKind selects how the scheduler renders events of a corpus.
type ContentKind string

const (
	// KindMIDI corpora carry note lists rendered as note-on/off messages.
	KindMIDI ContentKind = "midi"

	// KindAudio corpora carry slice descriptors rendered as audio triggers.
	KindAudio ContentKind = "audio"
)

// IsValid reports whether k is a recognised content kind.
func (k ContentKind) IsValid() bool {
	return k == KindMIDI || k == KindAudio
}

// Note is a single MIDI note inside an [Event]. Onset and Duration are in
// beats relative to the start of the owning event; a negative Onset marks a
// note that started in a previous event and is held into this one.
type Note struct {
	Pitch    int     `json:"pitch" yaml:"pitch" msgpack:"pitch"`
	Velocity int     `json:"velocity" yaml:"velocity" msgpack:"velocity"`
	Channel  int     `json:"channel" yaml:"channel" msgpack:"channel"`
	Onset    float64 `json:"onset" yaml:"onset" msgpack:"onset"`
	Duration float64 `json:"duration" yaml:"duration" msgpack:"duration"`
}

// Key identifies a sounding note for held-note bookkeeping.
type Key struct {
	Pitch   int
	Channel int
}

// Key returns the identity of n used for held-note comparisons.
func (n Note) Key() Key { return Key{Pitch: n.Pitch, Channel: n.Channel} }

// End returns the offset of the note end relative to the owning event start.
func (n Note) End() float64 { return n.Onset + n.Duration }

// Audio describes an audio slice by its position in the source recording.
type Audio struct {
	// Onset is the slice start in seconds within the source file.
	Onset float64 `json:"onset" yaml:"onset" msgpack:"onset"`

	// Duration is the slice length in seconds.
	Duration float64 `json:"duration" yaml:"duration" msgpack:"duration"`

	// Transpose is a playback transposition in cents.
	Transpose float64 `json:"transpose" yaml:"transpose" msgpack:"transpose"`
}

// Event is one slice of recorded material.
type Event struct {
	// Index is the dense position of the event within its corpus (0..N-1).
	Index int `json:"index" yaml:"index" msgpack:"index"`

	// Onset and Duration are in beats, relative to the corpus start.
	Onset    float64 `json:"onset" yaml:"onset" msgpack:"onset"`
	Duration float64 `json:"duration" yaml:"duration" msgpack:"duration"`

	// Tempo is the tempo (BPM) of the recording at this event.
	Tempo float64 `json:"tempo" yaml:"tempo" msgpack:"tempo"`

	// Pitch is the melodic pitch used for classification (MIDI note number).
	Pitch int `json:"pitch" yaml:"pitch" msgpack:"pitch"`

	// Chroma is a 12-bin pitch-class energy vector used for harmonic labels.
	Chroma []float64 `json:"chroma,omitempty" yaml:"chroma,omitempty" msgpack:"chroma,omitempty"`

	// Notes is the MIDI payload; empty for audio corpora.
	Notes []Note `json:"notes,omitempty" yaml:"notes,omitempty" msgpack:"notes,omitempty"`

	// Audio is the audio payload; nil for MIDI corpora.
	Audio *Audio `json:"audio,omitempty" yaml:"audio,omitempty" msgpack:"audio,omitempty"`
}

// HeldTo returns the notes that started before this event and are still
// sounding when it begins.
func (e *Event) HeldTo() []Note {
	var out []Note
	for _, n := range e.Notes {
		if n.Onset < 0 {
			out = append(out, n)
		}
	}
	return out
}

// HeldFrom returns the notes that are still sounding when this event ends and
// continue into the next one.
func (e *Event) HeldFrom() []Note {
	var out []Note
	for _, n := range e.Notes {
		if n.End() > e.Duration {
			out = append(out, n)
		}
	}
	return out
}

// Clone returns a deep copy of e. Transforms operate on clones so corpus
// events are never mutated.
func (e *Event) Clone() *Event {
	c := *e
	c.Chroma = slices.Clone(e.Chroma)
	c.Notes = slices.Clone(e.Notes)
	if e.Audio != nil {
		a := *e.Audio
		c.Audio = &a
	}
	return &c
}

// Corpus is an ordered recording.
type Corpus struct {
	name   string
	kind   ContentKind
	events []Event
}

// New builds a corpus from events, which must be sorted by onset. Event
// indices are rewritten to be dense in the given order.
func New(name string, kind ContentKind, events []Event) (*Corpus, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("corpus %q: invalid content kind %q", name, kind)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("corpus %q: %w", name, ErrEmpty)
	}
	evs := make([]Event, len(events))
	for i := range events {
		if i > 0 && events[i].Onset < events[i-1].Onset {
			return nil, fmt.Errorf("corpus %q: event %d onset %.3f precedes event %d onset %.3f",
				name, i, events[i].Onset, i-1, events[i-1].Onset)
		}
		if events[i].Duration < 0 {
			return nil, fmt.Errorf("corpus %q: event %d has negative duration", name, i)
		}
		evs[i] = *events[i].Clone()
		evs[i].Index = i
	}
	return &Corpus{name: name, kind: kind, events: evs}, nil
}

// Name returns the corpus name.
func (c *Corpus) Name() string { return c.name }

// Kind returns the content kind of the corpus.
func (c *Corpus) Kind() ContentKind { return c.kind }

// Len returns the number of events.
func (c *Corpus) Len() int { return len(c.events) }

// Event returns the event at position i. The returned pointer must be treated
// as read-only.
func (c *Corpus) Event(i int) (*Event, bool) {
	if i < 0 || i >= len(c.events) {
		return nil, false
	}
	return &c.events[i], true
}

// Events returns the events in order. The returned slice must not be modified.
func (c *Corpus) Events() []Event { return c.events }

// Length returns the corpus length in beats.
func (c *Corpus) Length() float64 {
	last := c.events[len(c.events)-1]
	return last.Onset + last.Duration
}

// EventAt returns the event sounding at corpus time t: the last event whose
// onset is at or before t. Times before the first onset or at/after the end of
// the corpus return false.
func (c *Corpus) EventAt(t float64) (*Event, bool) {
	if t < c.events[0].Onset || t >= c.Length() {
		return nil, false
	}
	i := sort.Search(len(c.events), func(i int) bool { return c.events[i].Onset > t })
	return &c.events[i-1], true
}
