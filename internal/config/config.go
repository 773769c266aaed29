// Package config provides the configuration schema, loader, hot-reload
// watcher and policy registry for the cadenza engine.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the cadenza server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the matching [slog.Level]. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Engine      EngineConfig      `yaml:"engine"`
	DecisionLog DecisionLogConfig `yaml:"decision_log"`
	Corpora     []CorpusConfig    `yaml:"corpora"`
	Players     []PlayerConfig    `yaml:"players"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving the control socket, the output
	// stream, health and metrics (e.g. ":7400").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// CorpusDir is the directory control clients may load corpus documents
	// from. Empty disables loading files over the control socket.
	CorpusDir string `yaml:"corpus_dir"`

	// AllowedOrigins lists host patterns of browser clients allowed to open
	// cross-origin websockets.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// EngineConfig holds the scheduler and decision defaults.
type EngineConfig struct {
	// Tempo is the initial tempo in beats per minute.
	Tempo float64 `yaml:"tempo"`

	// TickInterval is the wall-clock period of the scheduler callback.
	TickInterval time.Duration `yaml:"tick_interval"`

	// TriggerPretime is how far ahead of its target an automatic trigger
	// asks its player for the next event.
	TriggerPretime time.Duration `yaml:"trigger_pretime"`

	// HistorySize bounds each player's decision history.
	HistorySize int `yaml:"history_size"`

	// Continuity is the default boost applied to the continuation of the
	// last played event.
	Continuity float64 `yaml:"continuity"`

	// Seed seeds every player's tie-break random source. Zero seeds from the
	// runtime's random source.
	Seed uint64 `yaml:"seed"`

	// Decay selects the activity decay of every atom.
	Decay DecayConfig `yaml:"decay"`
}

// DecayConfig names an activity decay policy.
type DecayConfig struct {
	Name  string  `yaml:"name"`
	Param float64 `yaml:"param"`
}

// DecisionLogConfig configures the SQLite decision recorder.
type DecisionLogConfig struct {
	// Path is the SQLite database file. Empty disables the recorder.
	Path string `yaml:"path"`

	// Buffer is the number of decisions queued before new ones are dropped.
	Buffer int `yaml:"buffer"`
}

// CorpusConfig names an analysed corpus document to load at startup.
type CorpusConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// PlayerConfig declares a player and its streamview tree.
type PlayerConfig struct {
	Name          string             `yaml:"name"`
	TriggerMode   string             `yaml:"trigger_mode"`
	TempoMaster   bool               `yaml:"tempo_master"`
	SelfInfluence *bool              `yaml:"self_influence"`
	Continuity    float64            `yaml:"continuity"`
	MergePolicies []PolicyEntry      `yaml:"merge_policies"`
	StreamViews   []StreamViewConfig `yaml:"streamviews"`
	Atoms         []AtomConfig       `yaml:"atoms"`
}

// SelfInfluenceEnabled reports whether self influence is on (the default).
func (p PlayerConfig) SelfInfluenceEnabled() bool {
	return p.SelfInfluence == nil || *p.SelfInfluence
}

// StreamViewConfig declares a streamview. Parents must be declared before
// their children.
type StreamViewConfig struct {
	Path          string        `yaml:"path"`
	Weight        *float64      `yaml:"weight"`
	MergePolicies []PolicyEntry `yaml:"merge_policies"`
}

// AtomConfig declares an atom.
type AtomConfig struct {
	Path       string   `yaml:"path"`
	Weight     *float64 `yaml:"weight"`
	Label      string   `yaml:"label"`
	Memory     string   `yaml:"memory"`
	HistoryLen int      `yaml:"history_len"`
	Transforms []string `yaml:"transforms"`
	Corpus     string   `yaml:"corpus"`
	Active     bool     `yaml:"active"`
}

// WeightOr returns w, or def when w is unset.
func WeightOr(w *float64, def float64) float64 {
	if w == nil {
		return def
	}
	return *w
}

// PolicyEntry names a merge policy with an optional parameter. In YAML it
// may be written as a plain string ("phase") or as a mapping
// ({name: phase, param: 2}).
type PolicyEntry struct {
	Name  string  `yaml:"name" json:"name"`
	Param float64 `yaml:"param" json:"param"`
}

// UnmarshalYAML implements [yaml.Unmarshaler].
func (e *PolicyEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.Name = node.Value
		return nil
	}
	type plain PolicyEntry
	var p plain
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("merge policy: %w", err)
	}
	*e = PolicyEntry(p)
	return nil
}
