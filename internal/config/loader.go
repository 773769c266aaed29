package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/cadenza/pkg/label"
	"github.com/MrWong99/cadenza/pkg/memory"
	"github.com/MrWong99/cadenza/pkg/player"
	"github.com/MrWong99/cadenza/pkg/scheduler"
	"github.com/MrWong99/cadenza/pkg/transform"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr  = ":7400"
	DefaultHistorySize = player.DefaultHistoryCap
	DefaultLogBuffer   = 256
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates it and applies
// defaults. Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Engine.Tempo == 0 {
		cfg.Engine.Tempo = scheduler.DefaultTempo
	}
	if cfg.Engine.TickInterval == 0 {
		cfg.Engine.TickInterval = scheduler.DefaultTickInterval
	}
	if cfg.Engine.TriggerPretime == 0 {
		cfg.Engine.TriggerPretime = scheduler.DefaultPretime
	}
	if cfg.Engine.HistorySize == 0 {
		cfg.Engine.HistorySize = DefaultHistorySize
	}
	if cfg.Engine.Continuity == 0 {
		cfg.Engine.Continuity = player.DefaultContinuity
	}
	if cfg.Engine.Decay.Name == "" {
		cfg.Engine.Decay.Name = "exponential"
	}
	if cfg.DecisionLog.Buffer == 0 {
		cfg.DecisionLog.Buffer = DefaultLogBuffer
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	reg := DefaultRegistry()

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Engine
	if cfg.Engine.Tempo < 0 {
		errs = append(errs, fmt.Errorf("engine.tempo %v must not be negative", cfg.Engine.Tempo))
	}
	if cfg.Engine.TickInterval < 0 {
		errs = append(errs, fmt.Errorf("engine.tick_interval %v must not be negative", cfg.Engine.TickInterval))
	}
	if cfg.Engine.TickInterval > time.Second {
		slog.Warn("engine.tick_interval is longer than a second; timing will be coarse", "tick_interval", cfg.Engine.TickInterval)
	}
	if cfg.Engine.TriggerPretime < 0 {
		errs = append(errs, fmt.Errorf("engine.trigger_pretime %v must not be negative", cfg.Engine.TriggerPretime))
	}
	if cfg.Engine.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("engine.history_size %d must not be negative", cfg.Engine.HistorySize))
	}
	if cfg.Engine.Continuity != 0 && cfg.Engine.Continuity < 1 {
		errs = append(errs, fmt.Errorf("engine.continuity %v must be at least 1", cfg.Engine.Continuity))
	}
	if name := cfg.Engine.Decay.Name; name != "" && !reg.HasDecay(name) {
		errs = append(errs, fmt.Errorf("engine.decay.name %q is not registered; valid values: %v", name, reg.DecayNames()))
	}

	// Decision log
	if cfg.DecisionLog.Buffer < 0 {
		errs = append(errs, fmt.Errorf("decision_log.buffer %d must not be negative", cfg.DecisionLog.Buffer))
	}

	// Corpora
	corpora := make(map[string]int, len(cfg.Corpora))
	for i, c := range cfg.Corpora {
		prefix := fmt.Sprintf("corpora[%d]", i)
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, ok := corpora[c.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of corpora[%d]", prefix, c.Name, prev))
		} else {
			corpora[c.Name] = i
		}
		if c.Path == "" {
			errs = append(errs, fmt.Errorf("%s.path is required", prefix))
		}
	}

	// Players
	players := make(map[string]int, len(cfg.Players))
	masters := 0
	for i, p := range cfg.Players {
		prefix := fmt.Sprintf("players[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, ok := players[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of players[%d]", prefix, p.Name, prev))
		} else {
			players[p.Name] = i
		}
		if _, err := scheduler.ParseTriggerMode(p.TriggerMode); err != nil {
			errs = append(errs, fmt.Errorf("%s.trigger_mode: %w", prefix, err))
		}
		if p.TempoMaster {
			masters++
		}
		if p.Continuity != 0 && p.Continuity < 1 {
			errs = append(errs, fmt.Errorf("%s.continuity %v must be at least 1", prefix, p.Continuity))
		}
		errs = append(errs, validatePolicies(reg, prefix+".merge_policies", p.MergePolicies)...)

		for j, sv := range p.StreamViews {
			svPrefix := fmt.Sprintf("%s.streamviews[%d]", prefix, j)
			errs = append(errs, validatePath(svPrefix, sv.Path)...)
			errs = append(errs, validateWeight(svPrefix, sv.Weight)...)
			errs = append(errs, validatePolicies(reg, svPrefix+".merge_policies", sv.MergePolicies)...)
		}
		active := 0
		for j, a := range p.Atoms {
			aPrefix := fmt.Sprintf("%s.atoms[%d]", prefix, j)
			errs = append(errs, validatePath(aPrefix, a.Path)...)
			errs = append(errs, validateWeight(aPrefix, a.Weight)...)
			kind, err := label.ParseKind(a.Label)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s.label: %w", aPrefix, err))
			}
			if _, err := memory.ParseKind(a.Memory); err != nil {
				errs = append(errs, fmt.Errorf("%s.memory: %w", aPrefix, err))
			}
			if a.HistoryLen < 0 {
				errs = append(errs, fmt.Errorf("%s.history_len %d must not be negative", aPrefix, a.HistoryLen))
			}
			ts, err := transform.ParseAll(a.Transforms)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s.transforms: %w", aPrefix, err))
			}
			for _, t := range ts {
				if err := t.ValidFor(kind); err != nil && kind.IsValid() {
					errs = append(errs, fmt.Errorf("%s.transforms: %w", aPrefix, err))
				}
			}
			if a.Corpus != "" {
				if _, ok := corpora[a.Corpus]; !ok {
					errs = append(errs, fmt.Errorf("%s.corpus %q is not declared in corpora", aPrefix, a.Corpus))
				}
			}
			if a.Active {
				active++
			}
		}
		if active > 1 {
			errs = append(errs, fmt.Errorf("%s declares %d active atoms; at most one is allowed", prefix, active))
		}
		if len(p.Atoms) == 0 {
			slog.Warn("player has no atoms; it will not generate until one is created", "player", p.Name)
		}
	}
	if masters > 1 {
		errs = append(errs, fmt.Errorf("%d players are marked tempo_master; at most one is allowed", masters))
	}

	return errors.Join(errs...)
}

func validatePath(prefix, s string) []error {
	p, err := player.ParsePath(s)
	if err != nil {
		return []error{fmt.Errorf("%s.path: %w", prefix, err)}
	}
	if p.IsRoot() {
		return []error{fmt.Errorf("%s.path is required", prefix)}
	}
	return nil
}

func validateWeight(prefix string, w *float64) []error {
	if w != nil && *w < 0 {
		return []error{fmt.Errorf("%s.weight %v must not be negative", prefix, *w)}
	}
	return nil
}

func validatePolicies(reg *Registry, prefix string, entries []PolicyEntry) []error {
	var errs []error
	for i, e := range entries {
		if !reg.HasPolicy(e.Name) {
			errs = append(errs, fmt.Errorf("%s[%d] %q is not registered; valid values: %v", prefix, i, e.Name, reg.PolicyNames()))
		}
		if e.Param < 0 {
			errs = append(errs, fmt.Errorf("%s[%d].param %v must not be negative", prefix, i, e.Param))
		}
	}
	return errs
}
