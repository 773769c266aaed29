package scheduler

import (
	"fmt"
)

// Event is a queued scheduler action. The set of variants is closed: every
// implementation lives in this package.
type Event interface {
	// Kind returns a stable tag used for logging and metrics.
	Kind() string
	isEvent()
}

// TempoEvent changes the global tempo when dispatched.
type TempoEvent struct {
	Tempo float64
}

// MIDIEvent is a note-on (Velocity > 0) or note-off (Velocity == 0) forwarded
// to the output boundary.
type MIDIEvent struct {
	Player   string
	Note     int
	Velocity int
	Channel  int
}

// AudioEvent asks the output boundary to render one audio slice.
type AudioEvent struct {
	Player   string
	Onset    float64
	Duration float64
	Position int
}

// AutomaticTriggerEvent asks a player for the event that starts at Target.
// It is queued ahead of Target by the trigger pre-time.
type AutomaticTriggerEvent struct {
	Player string
	Target float64
}

// ManualTriggerEvent asks a player for an event starting at the beat the
// trigger is dispatched.
type ManualTriggerEvent struct {
	Player string
}

// GotoEvent makes a player play a specific corpus position immediately.
type GotoEvent struct {
	Player string
	State  int
}

func (TempoEvent) Kind() string            { return "tempo" }
func (MIDIEvent) Kind() string             { return "midi" }
func (AudioEvent) Kind() string            { return "audio" }
func (AutomaticTriggerEvent) Kind() string { return "automatic_trigger" }
func (ManualTriggerEvent) Kind() string    { return "manual_trigger" }
func (GotoEvent) Kind() string             { return "goto" }

func (TempoEvent) isEvent()            {}
func (MIDIEvent) isEvent()             {}
func (AudioEvent) isEvent()            {}
func (AutomaticTriggerEvent) isEvent() {}
func (ManualTriggerEvent) isEvent()    {}
func (GotoEvent) isEvent()             {}

// IsNoteOff reports whether e is a zero-velocity MIDI event.
func IsNoteOff(e Event) bool {
	m, ok := e.(MIDIEvent)
	return ok && m.Velocity == 0
}

// TriggerMode selects how a player is asked for new events.
type TriggerMode string

const (
	// Manual players only generate on explicit onsets.
	Manual TriggerMode = "manual"

	// Automatic players chain a new trigger at the end of every event.
	Automatic TriggerMode = "automatic"
)

// ParseTriggerMode maps a stable string tag to a [TriggerMode]. The empty
// string selects [Automatic].
func ParseTriggerMode(s string) (TriggerMode, error) {
	switch TriggerMode(s) {
	case "", Automatic:
		return Automatic, nil
	case Manual:
		return Manual, nil
	}
	return "", fmt.Errorf("scheduler: unknown trigger mode %q", s)
}
