package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
engine:
  tempo: 96
  tick_interval: 2ms
  trigger_pretime: 50ms
  history_size: 64
  continuity: 2
  seed: 7
  decay:
    name: linear
    param: 8
decision_log:
  path: decisions.db
  buffer: 16
corpora:
  - name: bach
    path: corpora/bach.json
players:
  - name: lead
    trigger_mode: automatic
    tempo_master: true
    self_influence: false
    merge_policies: [distance, {name: phase, param: 2}]
    streamviews:
      - path: melody
        weight: 0.5
        merge_policies: [repetition]
    atoms:
      - path: melody:pitch
        label: melodic
        memory: ngram
        history_len: 3
        transforms: ["transpose:-3..3"]
        corpus: bach
        active: true
      - path: melody:pc
        weight: 0
        label: pitchclass
        corpus: bach
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Engine.TickInterval != 2*time.Millisecond || cfg.Engine.TriggerPretime != 50*time.Millisecond {
		t.Errorf("engine durations = %v, %v", cfg.Engine.TickInterval, cfg.Engine.TriggerPretime)
	}
	if cfg.Engine.Decay.Name != "linear" || cfg.Engine.Decay.Param != 8 {
		t.Errorf("decay = %+v", cfg.Engine.Decay)
	}
	p := cfg.Players[0]
	if p.SelfInfluenceEnabled() {
		t.Error("self_influence: got enabled, want disabled")
	}
	if len(p.MergePolicies) != 2 || p.MergePolicies[0].Name != "distance" || p.MergePolicies[1].Param != 2 {
		t.Errorf("merge_policies = %+v", p.MergePolicies)
	}
	if got := config.WeightOr(p.StreamViews[0].Weight, 1); got != 0.5 {
		t.Errorf("streamview weight = %v, want 0.5", got)
	}
	if got := config.WeightOr(p.Atoms[0].Weight, 1); got != 1 {
		t.Errorf("unset atom weight = %v, want 1", got)
	}
	if got := config.WeightOr(p.Atoms[1].Weight, 1); got != 0 {
		t.Errorf("zero atom weight = %v, want 0", got)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Engine.Tempo != 120 || cfg.Engine.TickInterval != time.Millisecond || cfg.Engine.TriggerPretime != 100*time.Millisecond {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Engine.HistorySize != 100 || cfg.Engine.Continuity != 1.5 {
		t.Errorf("decision defaults = %+v", cfg.Engine)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  port: 80\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: loud\n", "log_level"},
		{"negative tempo", "engine:\n  tempo: -1\n", "engine.tempo"},
		{"continuity", "engine:\n  continuity: 0.5\n", "engine.continuity"},
		{"decay", "engine:\n  decay:\n    name: cliff\n", "engine.decay.name"},
		{"duplicate player", "players:\n  - name: a\n  - name: a\n", "duplicate"},
		{"missing player name", "players:\n  - trigger_mode: manual\n", "name is required"},
		{"trigger mode", "players:\n  - name: a\n    trigger_mode: often\n", "trigger_mode"},
		{"two masters", "players:\n  - name: a\n    tempo_master: true\n  - name: b\n    tempo_master: true\n", "tempo_master"},
		{"bad path", "players:\n  - name: a\n    atoms:\n      - path: \"x::y\"\n", "path"},
		{"label", "players:\n  - name: a\n    atoms:\n      - path: x\n        label: timbre\n", "label"},
		{"memory", "players:\n  - name: a\n    atoms:\n      - path: x\n        memory: markov\n", "memory"},
		{"transform", "players:\n  - name: a\n    atoms:\n      - path: x\n        transforms: [\"invert:1\"]\n", "transforms"},
		{"octave on pitchclass", "players:\n  - name: a\n    atoms:\n      - path: x\n        label: pitchclass\n        transforms: [\"octave:1\"]\n", "incompatible"},
		{"unknown corpus", "players:\n  - name: a\n    atoms:\n      - path: x\n        corpus: nope\n", "not declared"},
		{"two active", "players:\n  - name: a\n    atoms:\n      - path: x\n        active: true\n      - path: y\n        active: true\n", "active"},
		{"policy", "players:\n  - name: a\n    merge_policies: [blur]\n", "not registered"},
		{"negative weight", "players:\n  - name: a\n    streamviews:\n      - path: s\n        weight: -1\n", "weight"},
		{"corpus path", "corpora:\n  - name: c\n", "path is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: loud\nengine:\n  tempo: -5\n"))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") || !strings.Contains(err.Error(), "engine.tempo") {
		t.Errorf("error should list both failures, got: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cadenza.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Players) != 1 || cfg.Players[0].Name != "lead" {
		t.Errorf("players = %+v", cfg.Players)
	}
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.DefaultRegistry()
	pols, err := reg.CreatePolicies([]config.PolicyEntry{{Name: "phase", Param: 3}, {Name: "distance"}})
	if err != nil {
		t.Fatalf("CreatePolicies: %v", err)
	}
	if len(pols) != 2 || pols[0].Name() != "phase" {
		t.Errorf("policies = %v", pols)
	}
	if _, err := reg.CreatePolicy(config.PolicyEntry{Name: "blur"}); err == nil {
		t.Error("expected ErrNotRegistered, got nil")
	}
	if _, err := reg.CreateDecay(config.DecayConfig{Name: "exponential"}); err != nil {
		t.Errorf("CreateDecay: %v", err)
	}
	if got := reg.DecayNames(); len(got) != 2 || got[0] != "exponential" {
		t.Errorf("DecayNames() = %v", got)
	}
}
