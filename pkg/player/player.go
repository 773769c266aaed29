// Package player implements the decision-making agents of the engine.
//
// A [Player] owns a tree of [StreamView] nodes whose leaves are [Atom]
// matchers. Live input influences atoms, atoms accumulate decaying activity,
// and the tree merges that activity bottom-up into one global profile from
// which the player picks its next corpus event. The player also keeps a
// private self streamview holding a copy of its active atom, fed with the
// player's own output.
//
// A Player is not safe for concurrent use.
package player

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"

	"github.com/MrWong99/cadenza/pkg/activity"
	"github.com/MrWong99/cadenza/pkg/corpus"
	"github.com/MrWong99/cadenza/pkg/label"
	"github.com/MrWong99/cadenza/pkg/memory"
	"github.com/MrWong99/cadenza/pkg/scheduler"
	"github.com/MrWong99/cadenza/pkg/transform"
)

// Compile-time interface assertion.
var _ scheduler.Performer = (*Player)(nil)

const (
	// DefaultHistoryCap bounds the decision history.
	DefaultHistoryCap = 100

	// DefaultContinuity is the boost applied to the continuation of the last
	// played event.
	DefaultContinuity = 1.5

	// SelfName is the name of the self atom and of its path in weight updates.
	SelfName = "_self"
)

// Policy names reported in [Decision].
const (
	PolicyMax     = "max"
	PolicyDefault = "default"
	PolicyGoto    = "goto"
)

// Decision is one entry of a player's decision history.
type Decision struct {
	Player    string
	Beat      float64
	Position  int
	Transform transform.Transform
	Policy    string
}

// Option configures a [Player] during construction.
type Option func(*Player)

// WithSeed seeds the tie-break random source.
func WithSeed(seed uint64) Option {
	return func(p *Player) {
		p.rng = rand.New(rand.NewPCG(seed, seed))
	}
}

// WithContinuity sets the continuation boost. Values below 1 are ignored.
func WithContinuity(c float64) Option {
	return func(p *Player) {
		if c >= 1 {
			p.continuity = c
		}
	}
}

// WithPolicies sets the merge policies applied to the global profile.
func WithPolicies(ps ...activity.Policy) Option {
	return func(p *Player) {
		p.policies = ps
	}
}

// WithHistoryCap bounds the decision history.
func WithHistoryCap(n int) Option {
	return func(p *Player) {
		if n > 0 {
			p.historyCap = n
		}
	}
}

// WithSelfInfluence enables or disables feeding played events back into the
// self atom.
func WithSelfInfluence(on bool) Option {
	return func(p *Player) {
		p.selfInfluence = on
	}
}

// WithDecisionHook registers fn to be called after every decision.
func WithDecisionHook(fn func(Decision)) Option {
	return func(p *Player) {
		p.onDecision = fn
	}
}

// WithPatternOptions configures the activity patterns of atoms created by
// the player.
func WithPatternOptions(opts ...activity.Option) Option {
	return func(p *Player) {
		p.patternOpts = opts
	}
}

// Player is a generative agent.
type Player struct {
	name string
	mode scheduler.TriggerMode

	root       *StreamView
	self       *Atom // copy of the active atom, nil until one exists
	selfWeight float64
	activePath Path

	policies      []activity.Policy
	patternOpts   []activity.Option
	continuity    float64
	selfInfluence bool
	jump          bool

	history    []Decision
	historyCap int
	rng        *rand.Rand
	onDecision func(Decision)
}

// New creates a player with an empty streamview tree.
func New(name string, mode scheduler.TriggerMode, opts ...Option) *Player {
	p := &Player{
		name:          name,
		mode:          mode,
		root:          &StreamView{name: name, weight: 1},
		selfWeight:    1,
		policies:      activity.DefaultPolicies(),
		continuity:    DefaultContinuity,
		selfInfluence: true,
		historyCap:    DefaultHistoryCap,
		rng:           rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements [scheduler.Performer].
func (p *Player) Name() string { return p.name }

// Mode implements [scheduler.Performer].
func (p *Player) Mode() scheduler.TriggerMode { return p.mode }

// SetMode changes the trigger mode.
func (p *Player) SetMode(m scheduler.TriggerMode) { p.mode = m }

// Root returns the root streamview.
func (p *Player) Root() *StreamView { return p.root }

// ── Tree construction ────────────────────────────────────────────────────

// CreateStreamView adds a streamview at path. The parent must exist and the
// name must be free among its siblings.
func (p *Player) CreateStreamView(path Path, weight float64, policies []activity.Policy) error {
	parent, err := p.parentFor(path)
	if err != nil {
		return err
	}
	sv, err := newStreamView(path.Base(), weight, policies)
	if err != nil {
		return err
	}
	parent.views = append(parent.views, sv)
	slog.Debug("streamview created", "player", p.name, "path", path.String(), "weight", weight)
	return nil
}

// AtomSpec describes an atom to create.
type AtomSpec struct {
	Weight     float64
	Label      label.Kind
	Memory     memory.Kind
	Params     memory.Params
	Transforms []transform.Transform
	Corpus     *corpus.Corpus
}

// CreateAtom adds an atom at path. The atom is fully built (memory, index,
// transforms) before it is attached, so a failure leaves the tree unchanged.
// The first atom of a player becomes its active atom.
func (p *Player) CreateAtom(path Path, spec AtomSpec) error {
	parent, err := p.parentFor(path)
	if err != nil {
		return err
	}
	mem, err := memory.New(spec.Memory, spec.Label, spec.Params, spec.Transforms)
	if err != nil {
		return err
	}
	if spec.Corpus != nil {
		if err := mem.Read(spec.Corpus); err != nil {
			return err
		}
	}
	a, err := NewAtom(path.Base(), spec.Weight, mem, p.patternOpts...)
	if err != nil {
		return err
	}
	var self *Atom
	if p.self == nil {
		if self, err = a.clone(SelfName); err != nil {
			return err
		}
	}
	parent.atoms = append(parent.atoms, a)
	if self != nil {
		a.active = true
		p.self = self
		p.activePath = path
	}
	slog.Debug("atom created", "player", p.name, "path", path.String(), "label", string(spec.Label), "active", a.active)
	return nil
}

// Delete removes the atom or streamview at path. Deleting the active atom
// (or a streamview containing it) also drops the self atom.
func (p *Player) Delete(path Path) error {
	if path.IsRoot() {
		return fmt.Errorf("%w: cannot delete the root of player %q", ErrInvalidPath, p.name)
	}
	parent, ok := p.root.streamView(path.Parent())
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	removedActive := false
	if a := parent.atom(path.Base()); a != nil {
		removedActive = a.active
		parent.atoms = slices.DeleteFunc(parent.atoms, func(x *Atom) bool { return x == a })
	} else if sv := parent.child(path.Base()); sv != nil {
		sv.walk(func(a *Atom) { removedActive = removedActive || a.active })
		parent.views = slices.DeleteFunc(parent.views, func(x *StreamView) bool { return x == sv })
	} else {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	if removedActive {
		p.self = nil
		p.activePath = Path{}
	}
	return nil
}

func (p *Player) parentFor(path Path) (*StreamView, error) {
	if path.IsRoot() {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	parent, ok := p.root.streamView(path.Parent())
	if !ok {
		return nil, fmt.Errorf("%w: %q in player %q", ErrInvalidPath, path.Parent(), p.name)
	}
	if parent.has(path.Base()) {
		return nil, fmt.Errorf("%w: %q in player %q", ErrDuplicateKey, path, p.name)
	}
	return parent, nil
}

// Atom returns the atom at path.
func (p *Player) Atom(path Path) (*Atom, error) {
	a, ok := p.root.lookupAtom(path)
	if !ok {
		return nil, fmt.Errorf("%w: no atom %q in player %q", ErrInvalidPath, path, p.name)
	}
	return a, nil
}

// SelfAtom returns the private copy of the active atom, or nil.
func (p *Player) SelfAtom() *Atom { return p.self }

// ActivePath returns the path of the active atom.
func (p *Player) ActivePath() Path { return p.activePath }

// SetActiveAtom makes the atom at path the self-influence target, replacing
// the self atom with a fresh copy of it.
func (p *Player) SetActiveAtom(path Path) error {
	a, err := p.Atom(path)
	if err != nil {
		return err
	}
	self, err := a.clone(SelfName)
	if err != nil {
		return err
	}
	p.root.walk(func(x *Atom) { x.active = false })
	a.active = true
	p.self = self
	p.activePath = path
	return nil
}

// SetWeight sets the weight of the atom or streamview at path. The path
// "_self" addresses the self streamview.
func (p *Player) SetWeight(path Path, w float64) error {
	if w < 0 {
		return fmt.Errorf("player: weight %v must not be negative", w)
	}
	if path.String() == SelfName {
		p.selfWeight = w
		return nil
	}
	if a, ok := p.root.lookupAtom(path); ok {
		return a.setWeight(w)
	}
	if path.IsRoot() {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	sv, ok := p.root.streamView(path)
	if !ok {
		return fmt.Errorf("%w: %q in player %q", ErrInvalidPath, path, p.name)
	}
	sv.weight = w
	return nil
}

// ReadCorpus loads c into every atom addressed by path (the whole tree for
// the root path). The self atom is refreshed when the active atom is among
// them. All indexes are built before any atom is switched.
func (p *Player) ReadCorpus(path Path, c *corpus.Corpus) error {
	atoms, ok := p.root.subtree(path)
	if !ok {
		return fmt.Errorf("%w: %q in player %q", ErrInvalidPath, path, p.name)
	}
	return p.forAtoms(atoms, func(m *memory.NGram) error { return m.Read(c) })
}

// AddTransforms registers ts on every atom addressed by path. Every
// transform is validated against every target atom before anything changes.
func (p *Player) AddTransforms(path Path, ts []transform.Transform) error {
	atoms, ok := p.root.subtree(path)
	if !ok {
		return fmt.Errorf("%w: %q in player %q", ErrInvalidPath, path, p.name)
	}
	for _, a := range atoms {
		for _, t := range ts {
			if err := t.ValidFor(a.LabelKind()); err != nil {
				return fmt.Errorf("player: atom %q: %w", a.name, err)
			}
		}
	}
	return p.forAtoms(atoms, func(m *memory.NGram) error { return m.AddTransforms(ts...) })
}

// SetHistoryLen changes the n-gram size of every atom addressed by path.
func (p *Player) SetHistoryLen(path Path, n int) error {
	if n < 1 {
		return fmt.Errorf("player: history length %d must be positive", n)
	}
	atoms, ok := p.root.subtree(path)
	if !ok {
		return fmt.Errorf("%w: %q in player %q", ErrInvalidPath, path, p.name)
	}
	return p.forAtoms(atoms, func(m *memory.NGram) error { return m.SetHistoryLen(n) })
}

// forAtoms applies fn to clones of the atoms' memories and swaps them in
// only when every call succeeded. The self atom follows the active atom.
func (p *Player) forAtoms(atoms []*Atom, fn func(*memory.NGram) error) error {
	next := make([]*memory.NGram, len(atoms))
	for i, a := range atoms {
		m, err := a.memory.Clone()
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return fmt.Errorf("player: atom %q: %w", a.name, err)
		}
		next[i] = m
	}
	var self *Atom
	for i, a := range atoms {
		a.memory = next[i]
		a.pattern.Reset()
		if a.active {
			s, err := a.clone(SelfName)
			if err != nil {
				return err
			}
			s.weight = p.self.weight
			self = s
		}
	}
	if self != nil {
		p.self = self
	}
	return nil
}

// ── Influence ────────────────────────────────────────────────────────────

// Influence classifies value under keyword and feeds the result into every
// atom below path whose label kind matches, at virtual time now. It returns
// the total number of matches. If no atom accepts any of the labels the call
// fails with [label.ErrInvalidInput].
func (p *Player) Influence(path Path, keyword string, value any, now float64) (int, error) {
	atoms, ok := p.root.subtree(path)
	if !ok {
		return 0, fmt.Errorf("%w: %q in player %q", ErrInvalidPath, path, p.name)
	}
	labels, err := label.ForKeyword(keyword, value)
	if err != nil {
		return 0, err
	}
	accepted, total := 0, 0
	for _, a := range atoms {
		for _, l := range labels {
			if l.Kind() != a.LabelKind() {
				continue
			}
			n, err := a.Influence(l, now)
			if err != nil {
				return total, err
			}
			accepted++
			total += n
		}
	}
	if accepted == 0 {
		return 0, fmt.Errorf("%w: no atom under %q accepts keyword %q", label.ErrInvalidInput, path, keyword)
	}
	return total, nil
}

// ── Decision ─────────────────────────────────────────────────────────────

// Profile returns the global merged activity at ctx.Now: the streamview tree
// and the self streamview merged by weight, then reshaped by the player's
// policies.
func (p *Player) Profile(ctx activity.Context) activity.Profile {
	profiles := []activity.Profile{p.root.Profile(ctx)}
	weights := []float64{1}
	if p.self != nil {
		profiles = append(profiles, p.self.Profile(ctx.Now))
		weights = append(weights, p.selfWeight)
	}
	merged := activity.Merge(profiles, weights)
	for _, pol := range p.policies {
		merged = pol.Apply(merged, ctx)
	}
	return merged
}

// Peaks returns the global activity at beat now.
func (p *Player) Peaks(now float64) activity.Profile {
	return p.Profile(activity.Context{Now: now, Last: p.lastEvent()})
}

// Jump makes the next decision skip the continuation of the last event.
func (p *Player) Jump() { p.jump = true }

// Continuity returns the continuation boost.
func (p *Player) Continuity() float64 { return p.continuity }

// SetContinuity changes the continuation boost.
func (p *Player) SetContinuity(c float64) error {
	if c < 1 {
		return fmt.Errorf("player: continuity %v must be at least 1", c)
	}
	p.continuity = c
	return nil
}

// SelfInfluence reports whether played events feed the self atom.
func (p *Player) SelfInfluence() bool { return p.selfInfluence }

// SetSelfInfluence toggles self influence.
func (p *Player) SetSelfInfluence(on bool) { p.selfInfluence = on }

// History returns a copy of the decision history, oldest first.
func (p *Player) History() []Decision { return slices.Clone(p.history) }

// Reset clears the decision history and all activity.
func (p *Player) Reset() {
	p.history = nil
	p.jump = false
	p.root.walk(func(a *Atom) { a.Reset() })
	if p.self != nil {
		p.self.Reset()
	}
}

// NewEvent implements [scheduler.Performer]. With activity present the
// strongest candidate wins (ties broken by the seeded random source);
// otherwise the event following the last played one is chosen.
func (p *Player) NewEvent(target float64) (*corpus.Event, error) {
	c, err := p.corpus()
	if err != nil {
		return nil, err
	}
	ctx := activity.Context{Now: target, Last: p.lastEvent()}
	prof := p.Profile(ctx)

	if p.jump {
		p.jump = false
		if last, ok := p.last(); ok {
			prof = prof.Without(func(pk activity.Peak) bool {
				ev, ok := c.EventAt(pk.Time)
				return ok && ev.Index == last.Position+1
			})
		}
	}

	pos, tr, ok := p.chooseMax(prof, c)
	policy := PolicyMax
	if !ok {
		pos, tr = p.decideDefault(c)
		policy = PolicyDefault
	}
	return p.play(c, pos, tr, target, policy)
}

// Goto implements [scheduler.Performer]. It clears all activity and plays
// position state untransformed.
func (p *Player) Goto(state int, target float64) (*corpus.Event, error) {
	c, err := p.corpus()
	if err != nil {
		return nil, err
	}
	if state < 0 || state >= c.Len() {
		return nil, fmt.Errorf("%w: corpus %q has no event %d", ErrInvalidCorpus, c.Name(), state)
	}
	p.jump = false
	p.root.walk(func(a *Atom) { a.pattern.Reset() })
	p.self.pattern.Reset()
	return p.play(c, state, transform.Identity, target, PolicyGoto)
}

func (p *Player) corpus() (*corpus.Corpus, error) {
	if p.self == nil {
		return nil, fmt.Errorf("%w: player %q has no active atom", ErrInvalidCorpus, p.name)
	}
	c := p.self.Corpus()
	if c == nil {
		return nil, fmt.Errorf("%w: player %q has no corpus loaded", ErrInvalidCorpus, p.name)
	}
	return c, nil
}

// chooseMax picks the candidate with the highest value. The continuation of
// the last played event is boosted by the continuity factor.
func (p *Player) chooseMax(prof activity.Profile, c *corpus.Corpus) (int, transform.Transform, bool) {
	type candidate struct {
		pos int
		tr  transform.Transform
		v   float64
	}
	last, hasLast := p.last()
	var cands []candidate
	best := 0.0
	for _, pk := range prof {
		ev, ok := c.EventAt(pk.Time)
		if !ok || pk.Value <= 0 {
			continue
		}
		v := pk.Value
		if hasLast && ev.Index == last.Position+1 {
			v *= p.continuity
		}
		cands = append(cands, candidate{pos: ev.Index, tr: pk.Transform, v: v})
		best = max(best, v)
	}
	var ties []candidate
	for _, cd := range cands {
		if cd.v == best {
			ties = append(ties, cd)
		}
	}
	if len(ties) == 0 {
		return 0, transform.Identity, false
	}
	pick := ties[p.rng.IntN(len(ties))]
	return pick.pos, pick.tr, true
}

// decideDefault continues from the last played event with its transform, or
// starts at position 0 untransformed.
func (p *Player) decideDefault(c *corpus.Corpus) (int, transform.Transform) {
	last, ok := p.last()
	if !ok {
		return 0, transform.Identity
	}
	return (last.Position + 1) % c.Len(), last.Transform
}

// play decodes the corpus event at pos through tr, records the decision and
// feeds the self atom.
func (p *Player) play(c *corpus.Corpus, pos int, tr transform.Transform, target float64, policy string) (*corpus.Event, error) {
	src, _ := c.Event(pos)
	ev, err := tr.ApplyEvent(src)
	if err != nil {
		slog.Warn("transform out of range; playing untransformed", "player", p.name, "position", pos, "transform", tr.String(), "err", err)
		tr = transform.Identity
		ev = src.Clone()
	}

	d := Decision{Player: p.name, Beat: target, Position: pos, Transform: tr, Policy: policy}
	p.history = append(p.history, d)
	if over := len(p.history) - p.historyCap; over > 0 {
		p.history = slices.Delete(p.history, 0, over)
	}

	if p.selfInfluence {
		l, err := label.FromEvent(p.self.LabelKind(), ev)
		if err == nil {
			_, err = p.self.Influence(l, target)
		}
		if err != nil {
			slog.Debug("self influence skipped", "player", p.name, "position", pos, "err", err)
		}
	}
	if p.onDecision != nil {
		p.onDecision(d)
	}
	return ev, nil
}

func (p *Player) last() (Decision, bool) {
	if len(p.history) == 0 {
		return Decision{}, false
	}
	return p.history[len(p.history)-1], true
}

func (p *Player) lastEvent() *corpus.Event {
	last, ok := p.last()
	if !ok || p.self == nil || p.self.Corpus() == nil {
		return nil
	}
	ev, ok := p.self.Corpus().Event(last.Position)
	if !ok {
		return nil
	}
	return ev
}
