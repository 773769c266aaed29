package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/internal/corpusfile"
	"github.com/MrWong99/cadenza/internal/engine"
	"github.com/MrWong99/cadenza/pkg/activity"
	"github.com/MrWong99/cadenza/pkg/corpus"
	"github.com/MrWong99/cadenza/pkg/label"
	"github.com/MrWong99/cadenza/pkg/memory"
	"github.com/MrWong99/cadenza/pkg/player"
	"github.com/MrWong99/cadenza/pkg/scheduler"
	"github.com/MrWong99/cadenza/pkg/transform"
)

// decode unmarshals req.Args into T. Unknown fields are rejected; absent
// args decode to the zero value.
func decode[T any](req Request) (T, error) {
	var v T
	if len(req.Args) == 0 || bytes.Equal(req.Args, []byte("null")) {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(req.Args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %s args: %v", ErrBadRequest, req.Op, err)
	}
	return v, nil
}

func requirePlayer(req Request) error {
	if req.Player == "" {
		return fmt.Errorf("%w: %s needs a player", ErrBadRequest, req.Op)
	}
	return nil
}

// simple adapts an engine call that only needs the player.
func simple(fn func(name string) error) HandlerFunc {
	return func(_ context.Context, req Request) (any, error) {
		if err := requirePlayer(req); err != nil {
			return nil, err
		}
		return nil, fn(req.Player)
	}
}

// pathOp adapts an engine call addressing a path of a player.
func pathOp(fn func(name, path string) error) HandlerFunc {
	return func(_ context.Context, req Request) (any, error) {
		if err := requirePlayer(req); err != nil {
			return nil, err
		}
		return nil, fn(req.Player, req.Path)
	}
}

func (s *Server) registerCommands() {
	r := s.router

	// ── Players ──
	r.Register("create_player", s.createPlayer)
	r.Register("delete_player", simple(s.eng.DeletePlayer))
	r.Register("list_players", s.listPlayers)
	r.Register("info", s.info)
	r.Register("set_trigger_mode", s.setTriggerMode)
	r.Register("set_continuity", s.setContinuity)
	r.Register("set_self_influence", s.setSelfInfluence)
	r.Register("jump", simple(s.eng.Jump))
	r.Register("history", s.history)
	r.Register("decisions", s.persistedDecisions)

	// ── Tree ──
	r.Register("create_streamview", s.createStreamView)
	r.Register("create_atom", s.createAtom)
	r.Register("delete", pathOp(s.eng.Delete))
	r.Register("set_active_atom", pathOp(s.eng.SetActiveAtom))
	r.Register("set_weight", s.setWeight)
	r.Register("add_transforms", s.addTransforms)
	r.Register("set_history_len", s.setHistoryLen)
	r.Register("read_corpus", s.readCorpus)

	// ── Influence ──
	r.Register("influence", s.influence)
	r.Register("influence_onset", simple(s.eng.InfluenceOnset))
	r.Register("play_state", s.playState)
	r.Register("get_peaks", s.getPeaks)

	// ── Clock ──
	r.Register("start", s.clock(s.eng.Start))
	r.Register("stop", s.clock(s.eng.Stop))
	r.Register("pause", s.clock(s.eng.Pause))
	r.Register("get_time", s.getTime)
	r.Register("get_tempo", s.getTempo)
	r.Register("set_tempo", s.setTempo)
	r.Register("set_tempo_master", s.setTempoMaster)
}

// ── Players ──────────────────────────────────────────────────────────────

type createPlayerArgs struct {
	TriggerMode   string               `json:"trigger_mode"`
	TempoMaster   bool                 `json:"tempo_master"`
	Continuity    float64              `json:"continuity"`
	SelfInfluence *bool                `json:"self_influence"`
	MergePolicies []config.PolicyEntry `json:"merge_policies"`
}

func (s *Server) createPlayer(_ context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	args, err := decode[createPlayerArgs](req)
	if err != nil {
		return nil, err
	}
	mode, err := scheduler.ParseTriggerMode(args.TriggerMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	policies, err := s.policies(args.MergePolicies)
	if err != nil {
		return nil, err
	}
	return nil, s.eng.CreatePlayer(req.Player, engine.PlayerSpec{
		Mode:                 mode,
		TempoMaster:          args.TempoMaster,
		Continuity:           args.Continuity,
		DisableSelfInfluence: args.SelfInfluence != nil && !*args.SelfInfluence,
		Policies:             policies,
	})
}

type playersResult struct {
	Players []string `json:"players"`
	Corpora []string `json:"corpora"`
}

func (s *Server) listPlayers(context.Context, Request) (any, error) {
	return playersResult{Players: s.eng.Players(), Corpora: s.eng.Corpora()}, nil
}

func (s *Server) info(_ context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	return s.eng.Info(req.Player)
}

func (s *Server) setTriggerMode(_ context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	args, err := decode[struct {
		Mode string `json:"mode"`
	}](req)
	if err != nil {
		return nil, err
	}
	if args.Mode == "" {
		return nil, fmt.Errorf("%w: mode is required", ErrBadRequest)
	}
	mode, err := scheduler.ParseTriggerMode(args.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil, s.eng.SetTriggerMode(req.Player, mode)
}

func (s *Server) setContinuity(_ context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	args, err := decode[struct {
		Continuity float64 `json:"continuity"`
	}](req)
	if err != nil {
		return nil, err
	}
	return nil, s.eng.SetContinuity(req.Player, args.Continuity)
}

func (s *Server) setSelfInfluence(_ context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	args, err := decode[struct {
		Enabled bool `json:"enabled"`
	}](req)
	if err != nil {
		return nil, err
	}
	return nil, s.eng.SetSelfInfluence(req.Player, args.Enabled)
}

type decisionResult struct {
	Beat      float64 `json:"beat"`
	Position  int     `json:"position"`
	Transform string  `json:"transform"`
	Policy    string  `json:"policy"`
}

type limitArgs struct {
	Limit int `json:"limit"`
}

func (s *Server) history(_ context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	args, err := decode[limitArgs](req)
	if err != nil {
		return nil, err
	}
	hist, err := s.eng.History(req.Player)
	if err != nil {
		return nil, err
	}
	if args.Limit > 0 && len(hist) > args.Limit {
		hist = hist[len(hist)-args.Limit:]
	}
	out := make([]decisionResult, len(hist))
	for i, d := range hist {
		out[i] = decisionResult{Beat: d.Beat, Position: d.Position, Transform: d.Transform.String(), Policy: d.Policy}
	}
	return out, nil
}

func (s *Server) persistedDecisions(ctx context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	if s.decisions == nil {
		return nil, fmt.Errorf("%w: decision log is disabled", ErrBadRequest)
	}
	args, err := decode[limitArgs](req)
	if err != nil {
		return nil, err
	}
	entries, err := s.decisions.Query(ctx, req.Player, args.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]decisionResult, len(entries))
	for i, e := range entries {
		out[i] = decisionResult{Beat: e.Beat, Position: e.Position, Transform: e.Transform, Policy: e.Policy}
	}
	return out, nil
}

// ── Tree ─────────────────────────────────────────────────────────────────

type streamViewArgs struct {
	Weight        *float64             `json:"weight"`
	MergePolicies []config.PolicyEntry `json:"merge_policies"`
}

func (s *Server) createStreamView(_ context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	args, err := decode[streamViewArgs](req)
	if err != nil {
		return nil, err
	}
	policies, err := s.policies(args.MergePolicies)
	if err != nil {
		return nil, err
	}
	return nil, s.eng.CreateStreamView(req.Player, req.Path, config.WeightOr(args.Weight, 1), policies)
}

type atomArgs struct {
	Weight     *float64 `json:"weight"`
	Label      string   `json:"label"`
	Memory     string   `json:"memory"`
	HistoryLen int      `json:"history_len"`
	Transforms []string `json:"transforms"`
	Corpus     string   `json:"corpus"`
	Active     bool     `json:"active"`
}

func (s *Server) createAtom(_ context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	args, err := decode[atomArgs](req)
	if err != nil {
		return nil, err
	}
	kind, err := label.ParseKind(args.Label)
	if err != nil {
		return nil, err
	}
	mem, err := memory.ParseKind(args.Memory)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	ts, err := transform.ParseAll(args.Transforms)
	if err != nil {
		return nil, err
	}
	return nil, s.eng.CreateAtom(req.Player, req.Path, engine.AtomSpec{
		Weight:     config.WeightOr(args.Weight, 1),
		Label:      kind,
		Memory:     mem,
		HistoryLen: args.HistoryLen,
		Transforms: ts,
		Corpus:     args.Corpus,
		Active:     args.Active,
	})
}

func (s *Server) setWeight(_ context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	args, err := decode[struct {
		Weight *float64 `json:"weight"`
	}](req)
	if err != nil {
		return nil, err
	}
	if args.Weight == nil {
		return nil, fmt.Errorf("%w: weight is required", ErrBadRequest)
	}
	return nil, s.eng.SetWeight(req.Player, req.Path, *args.Weight)
}

func (s *Server) addTransforms(_ context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	args, err := decode[struct {
		Transforms []string `json:"transforms"`
	}](req)
	if err != nil {
		return nil, err
	}
	if len(args.Transforms) == 0 {
		return nil, fmt.Errorf("%w: transforms is required", ErrBadRequest)
	}
	ts, err := transform.ParseAll(args.Transforms)
	if err != nil {
		return nil, err
	}
	return nil, s.eng.AddTransforms(req.Player, req.Path, ts)
}

func (s *Server) setHistoryLen(_ context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	args, err := decode[struct {
		HistoryLen int `json:"history_len"`
	}](req)
	if err != nil {
		return nil, err
	}
	return nil, s.eng.SetHistoryLen(req.Player, req.Path, args.HistoryLen)
}

type readCorpusArgs struct {
	// Corpus names a registered corpus, or the name to register File under.
	Corpus string `json:"corpus"`

	// File is a corpus document relative to the corpus directory.
	File string `json:"file"`
}

type corpusResult struct {
	Corpus string             `json:"corpus"`
	Kind   corpus.ContentKind `json:"kind,omitempty"`
	Events int                `json:"events,omitempty"`
}

func (s *Server) readCorpus(_ context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	args, err := decode[readCorpusArgs](req)
	if err != nil {
		return nil, err
	}
	if args.File != "" {
		c, err := s.loadCorpusFile(args.Corpus, args.File)
		if err != nil {
			return nil, err
		}
		if err := s.eng.LoadCorpus(req.Player, req.Path, c); err != nil {
			return nil, err
		}
		return corpusResult{Corpus: c.Name(), Kind: c.Kind(), Events: c.Len()}, nil
	}
	if args.Corpus == "" {
		return nil, fmt.Errorf("%w: corpus or file is required", ErrBadRequest)
	}
	if err := s.eng.ReadCorpus(req.Player, req.Path, args.Corpus); err != nil {
		return nil, err
	}
	return corpusResult{Corpus: args.Corpus}, nil
}

func (s *Server) loadCorpusFile(name, file string) (*corpus.Corpus, error) {
	if s.corpusDir == "" {
		return nil, fmt.Errorf("%w: loading corpus files is disabled", ErrBadRequest)
	}
	if !filepath.IsLocal(file) {
		return nil, fmt.Errorf("%w: corpus file %q must be relative to the corpus directory", ErrBadRequest, file)
	}
	path := filepath.Join(s.corpusDir, file)
	var (
		c   *corpus.Corpus
		err error
	)
	if name == "" {
		c, err = corpusfile.Load(path)
	} else {
		c, err = corpusfile.LoadAs(name, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", player.ErrInvalidCorpus, err)
	}
	return c, nil
}

// ── Influence ────────────────────────────────────────────────────────────

type influenceArgs struct {
	Keyword string   `json:"keyword"`
	Value   any      `json:"value"`
	Time    *float64 `json:"time"`
}

type influenceResult struct {
	Matches int `json:"matches"`
}

func (s *Server) influence(_ context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	args, err := decode[influenceArgs](req)
	if err != nil {
		return nil, err
	}
	if args.Keyword == "" {
		return nil, fmt.Errorf("%w: keyword is required", ErrBadRequest)
	}
	var n int
	if args.Time != nil {
		n, err = s.eng.InfluenceAt(req.Player, req.Path, args.Keyword, args.Value, *args.Time)
	} else {
		n, err = s.eng.Influence(req.Player, req.Path, args.Keyword, args.Value)
	}
	if err != nil {
		return nil, err
	}
	return influenceResult{Matches: n}, nil
}

func (s *Server) playState(_ context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	args, err := decode[struct {
		Index int `json:"index"`
	}](req)
	if err != nil {
		return nil, err
	}
	return nil, s.eng.PlayState(req.Player, args.Index)
}

type peakResult struct {
	Time      float64 `json:"time"`
	Value     float64 `json:"value"`
	Transform string  `json:"transform"`
}

func (s *Server) getPeaks(_ context.Context, req Request) (any, error) {
	if err := requirePlayer(req); err != nil {
		return nil, err
	}
	prof, err := s.eng.Peaks(req.Player)
	if err != nil {
		return nil, err
	}
	return peaks(prof), nil
}

func peaks(prof activity.Profile) []peakResult {
	out := make([]peakResult, len(prof))
	for i, pk := range prof {
		out[i] = peakResult{Time: pk.Time, Value: pk.Value, Transform: pk.Transform.String()}
	}
	return out
}

// ── Clock ────────────────────────────────────────────────────────────────

type timeResult struct {
	Beat    float64 `json:"beat"`
	Running bool    `json:"running"`
}

type tempoResult struct {
	BPM    float64 `json:"bpm"`
	Master string  `json:"master,omitempty"`
}

func (s *Server) clock(fn func()) HandlerFunc {
	return func(context.Context, Request) (any, error) {
		fn()
		return timeResult{Beat: s.eng.Time(), Running: s.eng.Running()}, nil
	}
}

func (s *Server) getTime(context.Context, Request) (any, error) {
	return timeResult{Beat: s.eng.Time(), Running: s.eng.Running()}, nil
}

func (s *Server) getTempo(context.Context, Request) (any, error) {
	return tempoResult{BPM: s.eng.Tempo(), Master: s.eng.TempoMaster()}, nil
}

func (s *Server) setTempo(_ context.Context, req Request) (any, error) {
	args, err := decode[struct {
		BPM float64 `json:"bpm"`
	}](req)
	if err != nil {
		return nil, err
	}
	if err := s.eng.SetTempo(args.BPM); err != nil {
		return nil, err
	}
	return tempoResult{BPM: s.eng.Tempo(), Master: s.eng.TempoMaster()}, nil
}

// setTempoMaster makes req.Player the tempo master; an empty player clears
// the master.
func (s *Server) setTempoMaster(_ context.Context, req Request) (any, error) {
	if err := s.eng.SetTempoMaster(req.Player); err != nil {
		return nil, err
	}
	return tempoResult{BPM: s.eng.Tempo(), Master: s.eng.TempoMaster()}, nil
}

// ── Helpers ──────────────────────────────────────────────────────────────

func (s *Server) policies(entries []config.PolicyEntry) ([]activity.Policy, error) {
	if entries == nil {
		return nil, nil
	}
	ps, err := s.registry.CreatePolicies(entries)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return ps, nil
}
