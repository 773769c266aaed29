package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/cadenza/internal/engine"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/pkg/corpus"
	"github.com/MrWong99/cadenza/pkg/label"
	"github.com/MrWong99/cadenza/pkg/player"
	"github.com/MrWong99/cadenza/pkg/scheduler"
)

// ── Test doubles ─────────────────────────────────────────────────────────

type midiMsg struct {
	player         string
	note, velocity int
}

type recorder struct {
	mu     sync.Mutex
	states []int
	midi   []midiMsg
}

func (r *recorder) SendMIDI(player string, note, velocity, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.midi = append(r.midi, midiMsg{player, note, velocity})
}

func (r *recorder) SendState(_ string, index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, index)
}

func (r *recorder) SendAudioTrigger(string, float64, float64, int) {}

func (r *recorder) stateLog() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.states...)
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// scale returns a MIDI corpus of one-beat events with the given pitches.
// A negative pitch marks a note held into the next event.
func scale(t *testing.T, pitches ...int) *corpus.Corpus {
	t.Helper()
	evs := make([]corpus.Event, len(pitches))
	for i, p := range pitches {
		dur := 1.0
		if p < 0 {
			p, dur = -p, 2
		}
		evs[i] = corpus.Event{
			Onset:    float64(i),
			Duration: 1,
			Tempo:    60,
			Pitch:    p,
			Notes:    []corpus.Note{{Pitch: p, Velocity: 100, Onset: 0, Duration: dur}},
		}
	}
	c, err := corpus.New("scale", corpus.KindMIDI, evs)
	if err != nil {
		t.Fatalf("corpus.New: %v", err)
	}
	return c
}

func newEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]engine.Option{
		engine.WithTempo(60),
		engine.WithTriggerPretime(0),
		engine.WithClock(func() time.Time { return t0 }),
		engine.WithSeed(1),
	}, opts...)
	return engine.New(rec, opts...), rec
}

// withLead adds a corpus and an automatic player "lead" reading it through a
// melodic atom at "melody".
func withLead(t *testing.T, e *engine.Engine, c *corpus.Corpus, mode scheduler.TriggerMode) {
	t.Helper()
	e.AddCorpus(c)
	if err := e.CreatePlayer("lead", engine.PlayerSpec{Mode: mode, DisableSelfInfluence: true}); err != nil {
		t.Fatalf("CreatePlayer: %v", err)
	}
	if err := e.CreateAtom("lead", "melody", engine.AtomSpec{Weight: 1, Label: label.Melodic, Corpus: c.Name()}); err != nil {
		t.Fatalf("CreateAtom: %v", err)
	}
}

func tickSeconds(e *engine.Engine, secs ...float64) {
	for _, s := range secs {
		e.Tick(t0.Add(time.Duration(s * float64(time.Second))))
	}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestEngine_PlaysCorpusInOrder(t *testing.T) {
	t.Parallel()
	e, rec := newEngine(t)
	withLead(t, e, scale(t, 60, 62, 64, 65), scheduler.Automatic)

	e.Start()
	tickSeconds(e, 0, 0.5, 1, 1.5, 2, 2.5, 3, 3.5, 4)

	want := []int{0, 1, 2, 3, 0}
	got := rec.stateLog()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
	hist, err := e.History("lead")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 5 || hist[0].Policy != player.PolicyDefault {
		t.Errorf("history = %+v", hist)
	}
	if got := e.Time(); got != 4 {
		t.Errorf("Time() = %v, want 4", got)
	}
}

func TestEngine_Errors(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)
	withLead(t, e, scale(t, 60, 62), scheduler.Automatic)

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"duplicate player", e.CreatePlayer("lead", engine.PlayerSpec{}), player.ErrDuplicateKey},
		{"unknown player", e.Jump("ghost"), engine.ErrUnknownPlayer},
		{"bad path", func() error { _, err := e.Influence("lead", "nowhere", "pitch", 60); return err }(), player.ErrInvalidPath},
		{"no harmonic atom", func() error { _, err := e.Influence("lead", "", "chroma", make([]float64, 12)); return err }(), label.ErrInvalidInput},
		{"unknown corpus", e.ReadCorpus("lead", "", "missing"), engine.ErrUnknownCorpus},
		{"duplicate atom", e.CreateAtom("lead", "melody", engine.AtomSpec{Label: label.Melodic}), player.ErrDuplicateKey},
		{"onset in automatic mode", e.InfluenceOnset("lead"), engine.ErrTriggerMode},
		{"tempo master unknown", e.SetTempoMaster("ghost"), engine.ErrUnknownPlayer},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, tt.err, tt.want)
		}
	}
	if err := e.SetTempoMaster(""); err != nil {
		t.Errorf("SetTempoMaster(\"\") = %v, want nil", err)
	}
}

func TestEngine_InfluenceCountsMatches(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)
	withLead(t, e, scale(t, 60, 62, 64, 65), scheduler.Manual)

	total := 0
	for _, p := range []int{60, 62, 64} {
		n, err := e.Influence("lead", "", "pitch", p)
		if err != nil {
			t.Fatalf("Influence(%d): %v", p, err)
		}
		total += n
	}
	if total != 1 {
		t.Errorf("matches = %d, want 1", total)
	}
	peaks, err := e.Peaks("lead")
	if err != nil {
		t.Fatalf("Peaks: %v", err)
	}
	if peaks.Empty() {
		t.Error("Peaks() is empty after a match")
	}
}

func TestEngine_ManualOnset(t *testing.T) {
	t.Parallel()
	e, rec := newEngine(t)
	withLead(t, e, scale(t, 60, 62), scheduler.Manual)

	e.Start()
	tickSeconds(e, 0, 1, 2)
	if got := rec.stateLog(); len(got) != 0 {
		t.Fatalf("manual player played without onset: %v", got)
	}
	if err := e.InfluenceOnset("lead"); err != nil {
		t.Fatalf("InfluenceOnset: %v", err)
	}
	tickSeconds(e, 2.1)
	if got := rec.stateLog(); len(got) != 1 || got[0] != 0 {
		t.Errorf("states = %v, want [0]", got)
	}
}

func TestEngine_SetTriggerMode(t *testing.T) {
	t.Parallel()
	e, rec := newEngine(t)
	withLead(t, e, scale(t, 60, 62), scheduler.Manual)
	e.Start()

	if err := e.SetTriggerMode("lead", scheduler.Automatic); err != nil {
		t.Fatalf("SetTriggerMode: %v", err)
	}
	tickSeconds(e, 0)
	if got := rec.stateLog(); len(got) != 1 {
		t.Fatalf("states after switching to automatic = %v, want one event", got)
	}
	if err := e.SetTriggerMode("lead", scheduler.Manual); err != nil {
		t.Fatalf("SetTriggerMode: %v", err)
	}
	tickSeconds(e, 1, 2, 3)
	if got := rec.stateLog(); len(got) != 1 {
		t.Errorf("states after switching to manual = %v, want no new events", got)
	}
}

func TestEngine_StopFlushesAndResets(t *testing.T) {
	t.Parallel()
	e, rec := newEngine(t)
	withLead(t, e, scale(t, -60, 62), scheduler.Automatic)

	e.Start()
	tickSeconds(e, 0, 0.5)
	e.Stop()

	var off bool
	for _, m := range rec.midi {
		if m.note == 60 && m.velocity == 0 {
			off = true
		}
	}
	if !off {
		t.Errorf("midi = %+v, want a note-off for held 60", rec.midi)
	}
	if e.Running() || e.Time() != 0 {
		t.Errorf("after Stop: running=%v time=%v, want false 0", e.Running(), e.Time())
	}
	hist, _ := e.History("lead")
	if len(hist) != 0 {
		t.Errorf("history after Stop = %v, want empty", hist)
	}
	info, err := e.Info("lead")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Held != 0 || info.ActiveAtom != "melody" || info.Corpus != "scale" {
		t.Errorf("Info() = %+v", info)
	}
}

func TestEngine_PlayStateAndTempoMaster(t *testing.T) {
	t.Parallel()
	e, rec := newEngine(t, engine.WithTempo(120))
	c := scale(t, 60, 62, 64)
	withLead(t, e, c, scheduler.Manual)
	if err := e.SetTempoMaster("lead"); err != nil {
		t.Fatalf("SetTempoMaster: %v", err)
	}
	e.Start()
	if err := e.PlayState("lead", 2); err != nil {
		t.Fatalf("PlayState: %v", err)
	}
	tickSeconds(e, 0, 0.1)
	if got := rec.stateLog(); len(got) != 1 || got[0] != 2 {
		t.Errorf("states = %v, want [2]", got)
	}
	if got := e.Tempo(); got != 60 {
		t.Errorf("Tempo() = %v, want 60 from the corpus tempo", got)
	}
}

func TestEngine_DeletePlayer(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)
	withLead(t, e, scale(t, 60), scheduler.Automatic)
	if err := e.DeletePlayer("lead"); err != nil {
		t.Fatalf("DeletePlayer: %v", err)
	}
	if got := e.Players(); len(got) != 0 {
		t.Errorf("Players() = %v, want empty", got)
	}
	if err := e.DeletePlayer("lead"); !errors.Is(err, engine.ErrUnknownPlayer) {
		t.Errorf("second DeletePlayer err = %v, want ErrUnknownPlayer", err)
	}
}

func TestEngine_MetricsAndHook(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	var decisions []player.Decision
	e, _ := newEngine(t, engine.WithMetrics(m), engine.WithDecisionHook(func(d player.Decision) {
		decisions = append(decisions, d)
	}))
	withLead(t, e, scale(t, 60, 62), scheduler.Automatic)
	e.Start()
	tickSeconds(e, 0, 1)

	if len(decisions) != 2 {
		t.Fatalf("hook saw %d decisions, want 2", len(decisions))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := counter(rm, "cadenza.player.decisions", attribute.String("player", "lead")); got != 2 {
		t.Errorf("decisions metric = %d, want 2", got)
	}
	if got := counter(rm, "cadenza.scheduler.ticks"); got != 2 {
		t.Errorf("ticks metric = %d, want 2", got)
	}
	if got := counter(rm, "cadenza.players.active"); got != 1 {
		t.Errorf("active players = %d, want 1", got)
	}
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, engine.WithTickInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// counter sums the int64 data points of name that carry every given
// attribute.
func counter(rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
		points:
			for _, dp := range sum.DataPoints {
				for _, a := range attrs {
					if v, ok := dp.Attributes.Value(a.Key); !ok || v.Emit() != a.Value.Emit() {
						continue points
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}
