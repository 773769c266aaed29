package output

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/gomidi/midi/v2"
)

// FrameType identifies the payload of a [Frame].
type FrameType string

const (
	FrameMIDI  FrameType = "midi"
	FrameState FrameType = "state"
	FrameAudio FrameType = "audio"
)

// Frame is one output event as sent to websocket clients, encoded with
// msgpack. Seq increases by one per frame across all players.
type Frame struct {
	Type   FrameType `msgpack:"type"`
	Seq    uint64    `msgpack:"seq"`
	Player string    `msgpack:"player"`

	// MIDI frames.
	Note     int    `msgpack:"note,omitempty"`
	Velocity int    `msgpack:"velocity,omitempty"`
	Channel  int    `msgpack:"channel,omitempty"`
	MIDI     []byte `msgpack:"midi,omitempty"`

	// State frames carry the corpus index; audio frames the corpus position.
	Index int `msgpack:"index,omitempty"`

	// Audio frames.
	Onset    float64 `msgpack:"onset,omitempty"`
	Duration float64 `msgpack:"duration,omitempty"`
}

// Encode serialises f.
func Encode(f Frame) ([]byte, error) {
	b, err := msgpack.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("output: encode %s frame: %w", f.Type, err)
	}
	return b, nil
}

// Decode parses a frame produced by [Encode].
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("output: decode frame: %w", err)
	}
	return f, nil
}

// midiBytes renders a channel voice message. Velocity 0 is a note-off.
// Out-of-range values yield nil.
func midiBytes(note, velocity, channel int) []byte {
	if note < 0 || note > 127 || velocity < 0 || velocity > 127 || channel < 0 || channel > 15 {
		return nil
	}
	if velocity == 0 {
		return midi.NoteOff(uint8(channel), uint8(note)).Bytes()
	}
	return midi.NoteOn(uint8(channel), uint8(note), uint8(velocity)).Bytes()
}
