// Package scheduler implements the discrete-event engine that drives players.
//
// A [Scheduler] owns a virtual clock measured in beats, a time-ordered event
// queue and the set of notes each player currently holds. It is advanced by
// calling [Scheduler.Tick] from any timer source. Triggers ask a [Performer]
// for its next corpus event, which is expanded into timed MIDI or audio
// sub-events with correct note lifetimes and forwarded to an [Output].
//
// A Scheduler is not safe for concurrent use. All calls must be funnelled
// through one goroutine (see internal/engine).
package scheduler

import (
	"cmp"
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/MrWong99/cadenza/pkg/corpus"
)

// ErrUnknownPlayer is returned when an operation names a player that is not
// registered with the scheduler.
var ErrUnknownPlayer = errors.New("scheduler: unknown player")

const (
	// DefaultTickInterval is the wall-clock period between ticks.
	DefaultTickInterval = time.Millisecond

	// DefaultPretime is how far ahead of its target an automatic trigger fires.
	DefaultPretime = 100 * time.Millisecond

	// DefaultTempo is the initial tempo in beats per minute.
	DefaultTempo = 120.0

	// MinEventDuration is the shortest gap, in beats, between chained
	// automatic triggers. Events with a shorter duration are clamped.
	MinEventDuration = 0.01
)

// Performer is a player as seen by the scheduler.
type Performer interface {
	Name() string
	Mode() TriggerMode

	// NewEvent decides the corpus event that starts at target (beats). The
	// returned event is already decoded into the live domain.
	NewEvent(target float64) (*corpus.Event, error)

	// Goto returns the corpus event at position state, played at target.
	Goto(state int, target float64) (*corpus.Event, error)
}

// Output is the boundary receiving rendered events. Implementations must not
// block the calling tick.
type Output interface {
	SendMIDI(player string, note, velocity, channel int)
	SendState(player string, index int)
	SendAudioTrigger(player string, onset, duration float64, position int)
}

// Stats summarises one call to [Scheduler.Tick].
type Stats struct {
	// Dispatched counts dispatched events by [Event.Kind].
	Dispatched map[string]int

	// TriggerErrors counts triggers dropped because the player failed.
	TriggerErrors int

	// QueueDepth is the number of queued events after the tick.
	QueueDepth int
}

// Scheduled is a queued event as reported by [Scheduler.Pending].
type Scheduled struct {
	Time  float64
	Event Event
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithTempo sets the initial tempo. Non-positive values are ignored.
func WithTempo(bpm float64) Option {
	return func(s *Scheduler) {
		if bpm > 0 {
			s.tempo = bpm
		}
	}
}

// WithPretime sets how far ahead of its target an automatic trigger fires.
func WithPretime(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.pretime = d
		}
	}
}

// Scheduler is the virtual clock and event queue.
type Scheduler struct {
	out        Output
	performers map[string]Performer

	queue eventHeap
	seq   uint64

	beat    float64
	tempo   float64
	pretime time.Duration
	running bool
	last    time.Time

	tempoMaster string
	held        map[string]map[corpus.Key]struct{}
}

// New creates a stopped scheduler at beat 0 that renders into out.
func New(out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:        out,
		performers: make(map[string]Performer),
		tempo:      DefaultTempo,
		pretime:    DefaultPretime,
		held:       make(map[string]map[corpus.Key]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	heap.Init(&s.queue)
	return s
}

// ── Clock ────────────────────────────────────────────────────────────────

// Start resets the wall-clock reference to now and resumes advancement.
func (s *Scheduler) Start(now time.Time) {
	s.last = now
	s.running = true
}

// Pause halts advancement without touching the beat or the queue.
func (s *Scheduler) Pause() {
	s.running = false
}

// Stop halts advancement, flushes every pending note-off and every held note
// to the output, clears the queue, resets the beat to 0 and re-arms an
// automatic trigger for every player that had one pending.
func (s *Scheduler) Stop() {
	s.running = false

	type noteKey struct {
		player string
		key    corpus.Key
	}
	sent := make(map[noteKey]struct{})
	rearm := make(map[string]struct{})
	for _, e := range s.sortedQueue() {
		switch ev := e.event.(type) {
		case MIDIEvent:
			if !IsNoteOff(ev) {
				continue
			}
			k := noteKey{ev.Player, corpus.Key{Pitch: ev.Note, Channel: ev.Channel}}
			if _, dup := sent[k]; dup {
				continue
			}
			sent[k] = struct{}{}
			s.out.SendMIDI(ev.Player, ev.Note, 0, ev.Channel)
		case AutomaticTriggerEvent:
			rearm[ev.Player] = struct{}{}
		}
	}
	for _, player := range slices.Sorted(maps.Keys(s.held)) {
		for _, key := range sortedKeys(s.held[player]) {
			if _, dup := sent[noteKey{player, key}]; dup {
				continue
			}
			s.out.SendMIDI(player, key.Pitch, 0, key.Channel)
		}
	}

	s.queue = s.queue[:0]
	s.beat = 0
	clear(s.held)
	for _, player := range slices.Sorted(maps.Keys(rearm)) {
		s.pushTrigger(player, 0)
	}
}

// Running reports whether the clock is advancing.
func (s *Scheduler) Running() bool { return s.running }

// Beat returns the current virtual time.
func (s *Scheduler) Beat() float64 { return s.beat }

// Tempo returns the current tempo in beats per minute.
func (s *Scheduler) Tempo() float64 { return s.tempo }

// SetTempo changes the tempo immediately.
func (s *Scheduler) SetTempo(bpm float64) error {
	if bpm <= 0 {
		return fmt.Errorf("scheduler: tempo %v must be positive", bpm)
	}
	s.tempo = bpm
	return nil
}

// TempoMaster returns the name of the tempo master, or "".
func (s *Scheduler) TempoMaster() string { return s.tempoMaster }

// SetTempoMaster designates the player whose events drive the tempo. The
// empty string clears the master.
func (s *Scheduler) SetTempoMaster(player string) error {
	if player != "" {
		if _, ok := s.performers[player]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPlayer, player)
		}
	}
	s.tempoMaster = player
	return nil
}

// pretimeBeats converts the trigger pre-time to beats at the current tempo.
func (s *Scheduler) pretimeBeats() float64 {
	return s.pretime.Seconds() * s.tempo / 60
}

// ── Tick ─────────────────────────────────────────────────────────────────

// Tick advances the virtual clock to the wall-clock time now and dispatches
// every event due at the new beat in trigger-time order. Events queued while
// dispatching wait for a later tick. A failing player drops only its own
// trigger.
func (s *Scheduler) Tick(now time.Time) Stats {
	st := Stats{Dispatched: make(map[string]int)}
	if !s.running {
		st.QueueDepth = s.queue.Len()
		return st
	}
	if elapsed := now.Sub(s.last).Seconds(); elapsed > 0 {
		s.beat += elapsed * s.tempo / 60
	}
	s.last = now

	var due []entry
	for s.queue.Len() > 0 && s.queue[0].time <= s.beat {
		due = append(due, heap.Pop(&s.queue).(entry))
	}
	for _, e := range due {
		if err := s.dispatch(e); err != nil {
			st.TriggerErrors++
			slog.Error("scheduler: dropped trigger", "kind", e.event.Kind(), "beat", s.beat, "err", err)
			continue
		}
		st.Dispatched[e.event.Kind()]++
	}
	st.QueueDepth = s.queue.Len()
	return st
}

func (s *Scheduler) dispatch(e entry) error {
	switch ev := e.event.(type) {
	case TempoEvent:
		if ev.Tempo > 0 {
			s.tempo = ev.Tempo
		}
	case MIDIEvent:
		s.out.SendMIDI(ev.Player, ev.Note, ev.Velocity, ev.Channel)
	case AudioEvent:
		s.out.SendAudioTrigger(ev.Player, ev.Onset, ev.Duration, ev.Position)
	case AutomaticTriggerEvent:
		p, ok := s.performers[ev.Player]
		if !ok || p.Mode() != Automatic {
			return nil
		}
		cev, err := p.NewEvent(ev.Target)
		if err != nil {
			return fmt.Errorf("player %q: %w", ev.Player, err)
		}
		s.addCorpusEvent(ev.Player, ev.Target, cev)
		if p.Mode() == Automatic {
			s.pushTrigger(ev.Player, ev.Target+max(cev.Duration, MinEventDuration))
		}
	case ManualTriggerEvent:
		p, ok := s.performers[ev.Player]
		if !ok {
			return nil
		}
		cev, err := p.NewEvent(s.beat)
		if err != nil {
			return fmt.Errorf("player %q: %w", ev.Player, err)
		}
		s.addCorpusEvent(ev.Player, s.beat, cev)
	case GotoEvent:
		p, ok := s.performers[ev.Player]
		if !ok {
			return nil
		}
		cev, err := p.Goto(ev.State, s.beat)
		if err != nil {
			return fmt.Errorf("player %q: %w", ev.Player, err)
		}
		s.addCorpusEvent(ev.Player, s.beat, cev)
	}
	return nil
}

// addCorpusEvent expands ev, starting at beat at, into timed sub-events.
func (s *Scheduler) addCorpusEvent(player string, at float64, ev *corpus.Event) {
	s.out.SendState(player, ev.Index)
	if player == s.tempoMaster && ev.Tempo > 0 {
		s.push(at, TempoEvent{Tempo: ev.Tempo})
	}
	if ev.Audio != nil {
		s.push(at, AudioEvent{Player: player, Onset: ev.Audio.Onset, Duration: ev.Audio.Duration, Position: ev.Index})
		return
	}

	held := s.held[player]
	continued := make(map[corpus.Key]struct{})
	for _, n := range ev.HeldTo() {
		if _, ok := held[n.Key()]; ok {
			continued[n.Key()] = struct{}{}
		}
	}
	for _, k := range sortedKeys(held) {
		if _, ok := continued[k]; !ok {
			s.push(at, MIDIEvent{Player: player, Note: k.Pitch, Velocity: 0, Channel: k.Channel})
		}
	}
	next := make(map[corpus.Key]struct{})
	for _, n := range ev.Notes {
		if _, ok := continued[n.Key()]; !ok {
			s.push(at+max(n.Onset, 0), MIDIEvent{Player: player, Note: n.Pitch, Velocity: n.Velocity, Channel: n.Channel})
		}
		if n.End() > ev.Duration {
			next[n.Key()] = struct{}{}
			continue
		}
		s.push(at+max(n.End(), 0), MIDIEvent{Player: player, Note: n.Pitch, Velocity: 0, Channel: n.Channel})
	}
	s.held[player] = next
}

// ── Players and triggers ─────────────────────────────────────────────────

// AddPlayer registers p. Automatic players get a trigger at the current beat.
func (s *Scheduler) AddPlayer(p Performer) {
	s.performers[p.Name()] = p
	if p.Mode() == Automatic {
		s.armTrigger(p.Name())
	}
}

// RemovePlayer unregisters a player, deletes its automatic triggers and
// releases the notes it holds.
func (s *Scheduler) RemovePlayer(name string) {
	s.DeleteTrigger(name)
	for _, k := range sortedKeys(s.held[name]) {
		s.out.SendMIDI(name, k.Pitch, 0, k.Channel)
	}
	delete(s.held, name)
	delete(s.performers, name)
	if s.tempoMaster == name {
		s.tempoMaster = ""
	}
}

// AddTrigger arms an automatic trigger for player at the current beat unless
// one is already pending.
func (s *Scheduler) AddTrigger(player string) error {
	if _, ok := s.performers[player]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlayer, player)
	}
	s.armTrigger(player)
	return nil
}

func (s *Scheduler) armTrigger(player string) {
	if s.hasTrigger(player) {
		return
	}
	s.pushTrigger(player, s.beat+s.pretimeBeats())
}

// DeleteTrigger removes every pending automatic trigger of player and leaves
// all other queued events untouched.
func (s *Scheduler) DeleteTrigger(player string) {
	kept := s.queue[:0]
	for _, e := range s.queue {
		if t, ok := e.event.(AutomaticTriggerEvent); ok && t.Player == player {
			continue
		}
		kept = append(kept, e)
	}
	clear(s.queue[len(kept):])
	s.queue = kept
	heap.Init(&s.queue)
}

// Onset queues a manual trigger for player at the current beat.
func (s *Scheduler) Onset(player string) error {
	if _, ok := s.performers[player]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlayer, player)
	}
	s.push(s.beat, ManualTriggerEvent{Player: player})
	return nil
}

// Goto queues an immediate jump of player to corpus position state.
func (s *Scheduler) Goto(player string, state int) error {
	if _, ok := s.performers[player]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlayer, player)
	}
	s.push(s.beat, GotoEvent{Player: player, State: state})
	return nil
}

// Held returns the notes player currently holds across event boundaries.
func (s *Scheduler) Held(player string) []corpus.Key {
	return sortedKeys(s.held[player])
}

// Pending returns the queued events in dispatch order.
func (s *Scheduler) Pending() []Scheduled {
	q := s.sortedQueue()
	out := make([]Scheduled, len(q))
	for i, e := range q {
		out[i] = Scheduled{Time: e.time, Event: e.event}
	}
	return out
}

// Schedule queues an arbitrary event at beat t.
func (s *Scheduler) Schedule(t float64, e Event) {
	s.push(t, e)
}

func (s *Scheduler) hasTrigger(player string) bool {
	for _, e := range s.queue {
		if t, ok := e.event.(AutomaticTriggerEvent); ok && t.Player == player {
			return true
		}
	}
	return false
}

// pushTrigger queues an automatic trigger targeting beat target, firing the
// pre-time ahead of it.
func (s *Scheduler) pushTrigger(player string, target float64) {
	s.push(target-s.pretimeBeats(), AutomaticTriggerEvent{Player: player, Target: target})
}

func (s *Scheduler) push(t float64, e Event) {
	s.seq++
	heap.Push(&s.queue, entry{time: t, seq: s.seq, event: e})
}

func (s *Scheduler) sortedQueue() []entry {
	q := slices.Clone(s.queue)
	slices.SortFunc(q, func(a, b entry) int {
		if c := cmp.Compare(a.time, b.time); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return q
}

func sortedKeys(set map[corpus.Key]struct{}) []corpus.Key {
	keys := slices.Collect(maps.Keys(set))
	slices.SortFunc(keys, func(a, b corpus.Key) int {
		if c := cmp.Compare(a.Pitch, b.Pitch); c != 0 {
			return c
		}
		return cmp.Compare(a.Channel, b.Channel)
	})
	return keys
}
