// Package output implements the scheduler's output boundary: sinks that
// receive MIDI notes, state changes and audio triggers in tick order.
//
// Every sink returns without blocking the tick. [Broadcaster] queues frames
// per websocket client and drops them for clients that fall behind.
package output

import (
	"log/slog"

	"github.com/MrWong99/cadenza/pkg/scheduler"
)

// Compile-time interface assertions.
var (
	_ scheduler.Output = Fanout(nil)
	_ scheduler.Output = (*Log)(nil)
	_ scheduler.Output = (*Broadcaster)(nil)
)

// Fanout forwards every call to each of its outputs in order.
type Fanout []scheduler.Output

// SendMIDI implements [scheduler.Output].
func (f Fanout) SendMIDI(player string, note, velocity, channel int) {
	for _, o := range f {
		o.SendMIDI(player, note, velocity, channel)
	}
}

// SendState implements [scheduler.Output].
func (f Fanout) SendState(player string, index int) {
	for _, o := range f {
		o.SendState(player, index)
	}
}

// SendAudioTrigger implements [scheduler.Output].
func (f Fanout) SendAudioTrigger(player string, onset, duration float64, position int) {
	for _, o := range f {
		o.SendAudioTrigger(player, onset, duration, position)
	}
}

// Log writes every output call to a structured logger at debug level.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a sink writing to logger, or to [slog.Default] when nil.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "output")}
}

// SendMIDI implements [scheduler.Output].
func (l *Log) SendMIDI(player string, note, velocity, channel int) {
	l.logger.Debug("midi", "player", player, "note", note, "velocity", velocity, "channel", channel)
}

// SendState implements [scheduler.Output].
func (l *Log) SendState(player string, index int) {
	l.logger.Debug("state", "player", player, "index", index)
}

// SendAudioTrigger implements [scheduler.Output].
func (l *Log) SendAudioTrigger(player string, onset, duration float64, position int) {
	l.logger.Debug("audio", "player", player, "onset", onset, "duration", duration, "position", position)
}
