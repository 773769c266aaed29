package config

import (
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; structural
// changes (players, streamviews, atoms, corpora) need a restart or control
// commands.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TempoChanged bool
	NewTempo     float64

	// Weights lists streamviews and atoms whose weight changed.
	Weights []WeightChange

	// Players lists per-player changes other than weights.
	Players []PlayerDiff
}

// WeightChange is a new weight for one path of one player.
type WeightChange struct {
	Player string
	Path   string
	Weight float64
}

// PlayerDiff describes what changed for a single player between two configs.
type PlayerDiff struct {
	Name                 string
	ContinuityChanged    bool
	NewContinuity        float64
	SelfInfluenceChanged bool
	NewSelfInfluence     bool
	Added                bool
	Removed              bool
}

// Empty reports whether d carries no change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TempoChanged && len(d.Weights) == 0 && len(d.Players) == 0
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Engine.Tempo != new.Engine.Tempo {
		d.TempoChanged = true
		d.NewTempo = new.Engine.Tempo
	}

	oldPlayers := make(map[string]*PlayerConfig, len(old.Players))
	for i := range old.Players {
		oldPlayers[old.Players[i].Name] = &old.Players[i]
	}
	newPlayers := make(map[string]*PlayerConfig, len(new.Players))
	for i := range new.Players {
		newPlayers[new.Players[i].Name] = &new.Players[i]
	}

	for _, name := range sortedNames(oldPlayers) {
		if _, ok := newPlayers[name]; !ok {
			d.Players = append(d.Players, PlayerDiff{Name: name, Removed: true})
		}
	}
	for _, name := range sortedNames(newPlayers) {
		np := newPlayers[name]
		op, ok := oldPlayers[name]
		if !ok {
			d.Players = append(d.Players, PlayerDiff{Name: name, Added: true})
			continue
		}
		pd := PlayerDiff{Name: name}
		if op.Continuity != np.Continuity {
			pd.ContinuityChanged = true
			pd.NewContinuity = np.Continuity
		}
		if op.SelfInfluenceEnabled() != np.SelfInfluenceEnabled() {
			pd.SelfInfluenceChanged = true
			pd.NewSelfInfluence = np.SelfInfluenceEnabled()
		}
		if pd.ContinuityChanged || pd.SelfInfluenceChanged {
			d.Players = append(d.Players, pd)
		}
		d.Weights = append(d.Weights, diffWeights(name, op, np)...)
	}
	return d
}

// diffWeights reports paths present in both configs whose weight changed.
func diffWeights(name string, old, new *PlayerConfig) []WeightChange {
	oldW := make(map[string]float64)
	for _, sv := range old.StreamViews {
		oldW[sv.Path] = WeightOr(sv.Weight, 1)
	}
	for _, a := range old.Atoms {
		oldW[a.Path] = WeightOr(a.Weight, 1)
	}
	var out []WeightChange
	check := func(path string, w float64) {
		if prev, ok := oldW[path]; ok && prev != w {
			out = append(out, WeightChange{Player: name, Path: path, Weight: w})
		}
	}
	for _, sv := range new.StreamViews {
		check(sv.Path, WeightOr(sv.Weight, 1))
	}
	for _, a := range new.Atoms {
		check(a.Path, WeightOr(a.Weight, 1))
	}
	return out
}

func sortedNames(m map[string]*PlayerConfig) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
