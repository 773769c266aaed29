// Package engine holds the single [Engine] aggregate that owns every player,
// the loaded corpora and the scheduler.
//
// The engine is constructed once at startup and passed by reference to the
// control surface and the tick loop. Every exported method takes the same
// mutex as [Engine.Tick], so structural changes coming from control clients
// never interleave with a scheduler tick.
//
// This package lives under internal/ because it is application wiring, not
// a reusable library; the musical core lives under pkg/.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/pkg/activity"
	"github.com/MrWong99/cadenza/pkg/corpus"
	"github.com/MrWong99/cadenza/pkg/label"
	"github.com/MrWong99/cadenza/pkg/memory"
	"github.com/MrWong99/cadenza/pkg/player"
	"github.com/MrWong99/cadenza/pkg/scheduler"
	"github.com/MrWong99/cadenza/pkg/transform"
)

var (
	// ErrUnknownPlayer is returned when an operation names a player that
	// does not exist.
	ErrUnknownPlayer = errors.New("engine: unknown player")

	// ErrUnknownCorpus is returned when an operation names a corpus that has
	// not been registered with [Engine.AddCorpus].
	ErrUnknownCorpus = errors.New("engine: unknown corpus")

	// ErrTriggerMode is returned by [Engine.InfluenceOnset] for players that
	// are not in manual trigger mode.
	ErrTriggerMode = errors.New("engine: wrong trigger mode")
)

// PlayerSpec describes a player to create.
type PlayerSpec struct {
	Mode        scheduler.TriggerMode
	TempoMaster bool

	// Continuity overrides the engine default when >= 1.
	Continuity float64

	// DisableSelfInfluence turns off feeding played events back into the
	// player's self atom.
	DisableSelfInfluence bool

	// Policies reshape the player's global profile. Nil means
	// [activity.DefaultPolicies].
	Policies []activity.Policy
}

// AtomSpec describes an atom to create. Corpus names a corpus registered
// with [Engine.AddCorpus]; empty leaves the atom without material.
type AtomSpec struct {
	Weight     float64
	Label      label.Kind
	Memory     memory.Kind
	HistoryLen int
	Transforms []transform.Transform
	Corpus     string
	Active     bool
}

// PlayerInfo is a read-only snapshot of a player.
type PlayerInfo struct {
	Name          string                `json:"name"`
	Mode          scheduler.TriggerMode `json:"trigger_mode"`
	ActiveAtom    string                `json:"active_atom"`
	Corpus        string                `json:"corpus"`
	Continuity    float64               `json:"continuity"`
	SelfInfluence bool                  `json:"self_influence"`
	Decisions     int                   `json:"decisions"`
	Held          int                   `json:"held"`
}

// Option configures an [Engine] during construction.
type Option func(*Engine)

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the wall clock used by [Engine.Run] and [Engine.Start].
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTickInterval sets the period of [Engine.Run].
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tickInterval = d
		}
	}
}

// WithTempo sets the initial tempo in BPM.
func WithTempo(bpm float64) Option {
	return func(e *Engine) { e.schedOpts = append(e.schedOpts, scheduler.WithTempo(bpm)) }
}

// WithTriggerPretime sets how early automatic triggers fire.
func WithTriggerPretime(d time.Duration) Option {
	return func(e *Engine) { e.schedOpts = append(e.schedOpts, scheduler.WithPretime(d)) }
}

// WithSeed makes every player's tie-break deterministic. Each player derives
// its own stream from seed and its name.
func WithSeed(seed uint64) Option {
	return func(e *Engine) {
		e.seed = seed
		e.seeded = true
	}
}

// WithHistoryCap bounds each player's decision history.
func WithHistoryCap(n int) Option {
	return func(e *Engine) { e.historyCap = n }
}

// WithContinuity sets the default continuation boost for new players.
func WithContinuity(c float64) Option {
	return func(e *Engine) { e.continuity = c }
}

// WithDecay sets the activity decay used by every atom.
func WithDecay(d activity.Decay) Option {
	return func(e *Engine) { e.patternOpts = append(e.patternOpts, activity.WithDecay(d)) }
}

// WithDecisionHook registers fn to observe every decision of every player.
// fn runs while the engine lock is held and must not block or call back
// into the engine.
func WithDecisionHook(fn func(player.Decision)) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, fn) }
}

// Engine is the aggregate root of a running cadenza instance.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	sched   *scheduler.Scheduler
	players map[string]*player.Player
	corpora map[string]*corpus.Corpus

	metrics      *observe.Metrics
	now          func() time.Time
	tickInterval time.Duration
	schedOpts    []scheduler.Option
	patternOpts  []activity.Option
	hooks        []func(player.Decision)

	seed       uint64
	seeded     bool
	historyCap int
	continuity float64
	queueDepth int
}

// New creates an engine rendering into out.
func New(out scheduler.Output, opts ...Option) *Engine {
	e := &Engine{
		players:      make(map[string]*player.Player),
		corpora:      make(map[string]*corpus.Corpus),
		now:          time.Now,
		tickInterval: scheduler.DefaultTickInterval,
		historyCap:   player.DefaultHistoryCap,
		continuity:   player.DefaultContinuity,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.sched = scheduler.New(out, e.schedOpts...)
	return e
}

// ── Players ──────────────────────────────────────────────────────────────

// CreatePlayer adds a player. Names must be unique.
func (e *Engine) CreatePlayer(name string, spec PlayerSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if name == "" {
		return fmt.Errorf("%w: empty player name", player.ErrInvalidPath)
	}
	if _, ok := e.players[name]; ok {
		return fmt.Errorf("%w: player %q", player.ErrDuplicateKey, name)
	}
	mode := spec.Mode
	if mode == "" {
		mode = scheduler.Automatic
	}
	continuity := e.continuity
	if spec.Continuity >= 1 {
		continuity = spec.Continuity
	}
	opts := []player.Option{
		player.WithContinuity(continuity),
		player.WithHistoryCap(e.historyCap),
		player.WithSelfInfluence(!spec.DisableSelfInfluence),
		player.WithPatternOptions(e.patternOpts...),
		player.WithDecisionHook(e.decided),
	}
	if spec.Policies != nil {
		opts = append(opts, player.WithPolicies(spec.Policies...))
	}
	if e.seeded {
		opts = append(opts, player.WithSeed(e.seed^nameHash(name)))
	}

	p := player.New(name, mode, opts...)
	e.players[name] = p
	e.sched.AddPlayer(p)
	if spec.TempoMaster {
		if err := e.sched.SetTempoMaster(name); err != nil {
			return err
		}
	}
	e.metrics.ActivePlayers.Add(context.Background(), 1)
	slog.Info("player created", "player", name, "mode", string(mode))
	return nil
}

// DeletePlayer removes a player, its pending triggers and its held notes.
func (e *Engine) DeletePlayer(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.player(name); err != nil {
		return err
	}
	e.sched.RemovePlayer(name)
	delete(e.players, name)
	e.metrics.ActivePlayers.Add(context.Background(), -1)
	slog.Info("player deleted", "player", name)
	return nil
}

// Players returns the player names, sorted.
func (e *Engine) Players() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.players))
	for n := range e.players {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Info returns a snapshot of one player.
func (e *Engine) Info(name string) (PlayerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.player(name)
	if err != nil {
		return PlayerInfo{}, err
	}
	info := PlayerInfo{
		Name:          name,
		Mode:          p.Mode(),
		ActiveAtom:    p.ActivePath().String(),
		Continuity:    p.Continuity(),
		SelfInfluence: p.SelfInfluence(),
		Decisions:     len(p.History()),
		Held:          len(e.sched.Held(name)),
	}
	if self := p.SelfAtom(); self != nil && self.Corpus() != nil {
		info.Corpus = self.Corpus().Name()
	}
	return info, nil
}

// SetTriggerMode switches a player between manual and automatic triggering.
// Switching to automatic arms a trigger; switching to manual removes the
// pending ones.
func (e *Engine) SetTriggerMode(name string, mode scheduler.TriggerMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.player(name)
	if err != nil {
		return err
	}
	p.SetMode(mode)
	if mode == scheduler.Automatic {
		return e.sched.AddTrigger(name)
	}
	e.sched.DeleteTrigger(name)
	return nil
}

// SetContinuity changes a player's continuation boost.
func (e *Engine) SetContinuity(name string, c float64) error {
	return e.withPlayer(name, func(p *player.Player) error { return p.SetContinuity(c) })
}

// SetSelfInfluence toggles a player's self influence.
func (e *Engine) SetSelfInfluence(name string, on bool) error {
	return e.withPlayer(name, func(p *player.Player) error {
		p.SetSelfInfluence(on)
		return nil
	})
}

// Jump forces the next decision of a player away from the continuation.
func (e *Engine) Jump(name string) error {
	return e.withPlayer(name, func(p *player.Player) error {
		p.Jump()
		return nil
	})
}

// History returns a player's decisions, oldest first.
func (e *Engine) History(name string) ([]player.Decision, error) {
	var out []player.Decision
	err := e.withPlayer(name, func(p *player.Player) error {
		out = p.History()
		return nil
	})
	return out, err
}

// ── Tree ─────────────────────────────────────────────────────────────────

// CreateStreamView adds a streamview at path in a player's tree.
func (e *Engine) CreateStreamView(name, path string, weight float64, policies []activity.Policy) error {
	return e.withPath(name, path, func(p *player.Player, pp player.Path) error {
		return p.CreateStreamView(pp, weight, policies)
	})
}

// CreateAtom adds an atom at path in a player's tree. When the atom brings
// a corpus to an automatic player, a trigger is armed.
func (e *Engine) CreateAtom(name, path string, spec AtomSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, pp, err := e.resolve(name, path)
	if err != nil {
		return err
	}
	var c *corpus.Corpus
	if spec.Corpus != "" {
		if c, err = e.corpus(spec.Corpus); err != nil {
			return err
		}
	}
	err = p.CreateAtom(pp, player.AtomSpec{
		Weight:     spec.Weight,
		Label:      spec.Label,
		Memory:     spec.Memory,
		Params:     memory.Params{HistoryLen: spec.HistoryLen},
		Transforms: spec.Transforms,
		Corpus:     c,
	})
	if err != nil {
		return err
	}
	if spec.Active {
		if err := p.SetActiveAtom(pp); err != nil {
			return err
		}
	}
	if c != nil {
		e.rearm(p)
	}
	return nil
}

// Delete removes the atom or streamview at path.
func (e *Engine) Delete(name, path string) error {
	return e.withPath(name, path, func(p *player.Player, pp player.Path) error {
		return p.Delete(pp)
	})
}

// SetActiveAtom makes the atom at path the player's self-influence target.
func (e *Engine) SetActiveAtom(name, path string) error {
	return e.withPath(name, path, func(p *player.Player, pp player.Path) error {
		if err := p.SetActiveAtom(pp); err != nil {
			return err
		}
		e.rearm(p)
		return nil
	})
}

// SetWeight sets the weight of the atom or streamview at path, or of the
// self streamview for [player.SelfName].
func (e *Engine) SetWeight(name, path string, w float64) error {
	return e.withPath(name, path, func(p *player.Player, pp player.Path) error {
		return p.SetWeight(pp, w)
	})
}

// AddTransforms registers ts on every atom under path.
func (e *Engine) AddTransforms(name, path string, ts []transform.Transform) error {
	return e.withPath(name, path, func(p *player.Player, pp player.Path) error {
		return p.AddTransforms(pp, ts)
	})
}

// SetHistoryLen changes the n-gram size of every atom under path.
func (e *Engine) SetHistoryLen(name, path string, n int) error {
	return e.withPath(name, path, func(p *player.Player, pp player.Path) error {
		return p.SetHistoryLen(pp, n)
	})
}

// ── Corpora ──────────────────────────────────────────────────────────────

// AddCorpus registers c under its name, replacing a previous corpus of the
// same name. Atoms already reading the old corpus keep it until
// [Engine.ReadCorpus] is called again.
func (e *Engine) AddCorpus(c *corpus.Corpus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registerCorpus(c)
}

func (e *Engine) registerCorpus(c *corpus.Corpus) {
	e.corpora[c.Name()] = c
	slog.Info("corpus registered", "corpus", c.Name(), "events", c.Len(), "kind", string(c.Kind()))
}

// Corpora returns the registered corpus names, sorted.
func (e *Engine) Corpora() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.corpora))
	for n := range e.corpora {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Corpus returns the corpus registered under name.
func (e *Engine) Corpus(name string) (*corpus.Corpus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.corpus(name)
}

// ReadCorpus loads a registered corpus into every atom under path.
func (e *Engine) ReadCorpus(name, path, corpusName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, pp, err := e.resolve(name, path)
	if err != nil {
		return err
	}
	c, err := e.corpus(corpusName)
	if err != nil {
		return err
	}
	if err := p.ReadCorpus(pp, c); err != nil {
		return err
	}
	e.rearm(p)
	return nil
}

// LoadCorpus loads c into every atom under path and registers it under its
// name. Nothing is registered when the player, path or load is rejected.
func (e *Engine) LoadCorpus(name, path string, c *corpus.Corpus) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, pp, err := e.resolve(name, path)
	if err != nil {
		return err
	}
	if err := p.ReadCorpus(pp, c); err != nil {
		return err
	}
	e.registerCorpus(c)
	e.rearm(p)
	return nil
}

// ── Influence ────────────────────────────────────────────────────────────

// Influence feeds a live value into the atoms under path at the current
// beat and returns the number of matches.
func (e *Engine) Influence(name, path, keyword string, value any) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.influenceAt(name, path, keyword, value, e.sched.Beat())
}

// InfluenceAt is [Engine.Influence] at an explicit beat.
func (e *Engine) InfluenceAt(name, path, keyword string, value any, beat float64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.influenceAt(name, path, keyword, value, beat)
}

func (e *Engine) influenceAt(name, path, keyword string, value any, beat float64) (int, error) {
	p, pp, err := e.resolve(name, path)
	if err != nil {
		return 0, err
	}
	return p.Influence(pp, keyword, value, beat)
}

// InfluenceOnset queues a manual trigger for a manual-mode player.
func (e *Engine) InfluenceOnset(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.player(name)
	if err != nil {
		return err
	}
	if p.Mode() != scheduler.Manual {
		return fmt.Errorf("%w: player %q is %s", ErrTriggerMode, name, p.Mode())
	}
	return e.sched.Onset(name)
}

// PlayState schedules corpus event index of a player immediately.
func (e *Engine) PlayState(name string, index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.player(name); err != nil {
		return err
	}
	return e.sched.Goto(name, index)
}

// Peaks returns a player's global activity at the current beat.
func (e *Engine) Peaks(name string) (activity.Profile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.player(name)
	if err != nil {
		return nil, err
	}
	return p.Peaks(e.sched.Beat()), nil
}

// ── Clock ────────────────────────────────────────────────────────────────

// Start clears every player's history and activity and starts the clock.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.players {
		p.Reset()
	}
	e.sched.Start(e.now())
	slog.Info("engine started", "beat", e.sched.Beat(), "tempo", e.sched.Tempo())
}

// Stop flushes all pending and held notes, resets the clock to beat 0 and
// clears every player's history and activity.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sched.Stop()
	for _, p := range e.players {
		p.Reset()
	}
	e.recordDepth(context.Background(), len(e.sched.Pending()))
	slog.Info("engine stopped")
}

// Pause halts the clock without clearing anything.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sched.Pause()
}

// Running reports whether the clock advances.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sched.Running()
}

// Time returns the current beat.
func (e *Engine) Time() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sched.Beat()
}

// Tempo returns the current tempo in BPM.
func (e *Engine) Tempo() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sched.Tempo()
}

// SetTempo changes the tempo.
func (e *Engine) SetTempo(bpm float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sched.SetTempo(bpm)
}

// TempoMaster returns the tempo master, or "" for none.
func (e *Engine) TempoMaster() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sched.TempoMaster()
}

// SetTempoMaster makes a player drive the tempo from its corpus; "" clears
// the master.
func (e *Engine) SetTempoMaster(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if name != "" {
		if _, err := e.player(name); err != nil {
			return err
		}
	}
	return e.sched.SetTempoMaster(name)
}

// Tick advances the scheduler to now and records tick metrics.
func (e *Engine) Tick(now time.Time) scheduler.Stats {
	start := time.Now()
	e.mu.Lock()
	st := e.sched.Tick(now)
	ctx := context.Background()
	e.recordDepth(ctx, st.QueueDepth)
	e.mu.Unlock()

	e.metrics.Ticks.Add(ctx, 1)
	for kind, n := range st.Dispatched {
		for range n {
			e.metrics.RecordEvent(ctx, kind)
		}
	}
	if st.TriggerErrors > 0 {
		e.metrics.TriggerErrors.Add(ctx, int64(st.TriggerErrors))
	}
	e.metrics.TickDuration.Record(ctx, time.Since(start).Seconds())
	return st
}

// Run ticks the engine every tick interval until ctx is cancelled. It always
// returns nil.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	slog.Info("engine loop running", "tick_interval", e.tickInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Tick(e.now())
		}
	}
}

// ── Internals ────────────────────────────────────────────────────────────

func (e *Engine) player(name string) (*player.Player, error) {
	p, ok := e.players[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlayer, name)
	}
	return p, nil
}

func (e *Engine) corpus(name string) (*corpus.Corpus, error) {
	c, ok := e.corpora[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCorpus, name)
	}
	return c, nil
}

func (e *Engine) resolve(name, path string) (*player.Player, player.Path, error) {
	p, err := e.player(name)
	if err != nil {
		return nil, player.Path{}, err
	}
	pp, err := player.ParsePath(path)
	if err != nil {
		return nil, player.Path{}, err
	}
	return p, pp, nil
}

func (e *Engine) withPlayer(name string, fn func(*player.Player) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.player(name)
	if err != nil {
		return err
	}
	return fn(p)
}

func (e *Engine) withPath(name, path string, fn func(*player.Player, player.Path) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, pp, err := e.resolve(name, path)
	if err != nil {
		return err
	}
	return fn(p, pp)
}

// rearm restarts the automatic trigger chain of p, which stops whenever a
// trigger fails for lack of material.
func (e *Engine) rearm(p *player.Player) {
	if p.Mode() != scheduler.Automatic {
		return
	}
	if err := e.sched.AddTrigger(p.Name()); err != nil {
		slog.Warn("cannot arm trigger", "player", p.Name(), "err", err)
	}
}

// decided runs inside Tick, under the engine lock.
func (e *Engine) decided(d player.Decision) {
	e.metrics.RecordDecision(context.Background(), d.Player, d.Policy)
	for _, h := range e.hooks {
		h(d)
	}
}

func (e *Engine) recordDepth(ctx context.Context, depth int) {
	if delta := depth - e.queueDepth; delta != 0 {
		e.metrics.QueueDepth.Add(ctx, int64(delta))
	}
	e.queueDepth = depth
}

func nameHash(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}
