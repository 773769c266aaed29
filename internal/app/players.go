package app

import (
	"errors"
	"fmt"

	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/internal/engine"
	"github.com/MrWong99/cadenza/pkg/label"
	"github.com/MrWong99/cadenza/pkg/memory"
	"github.com/MrWong99/cadenza/pkg/scheduler"
	"github.com/MrWong99/cadenza/pkg/transform"
)

// BuildPlayer creates the player described by pc in eng, followed by its
// streamviews and atoms in declaration order. Corpora named by atoms must
// already be registered with the engine. If any part fails the player is
// removed again.
func BuildPlayer(eng *engine.Engine, reg *config.Registry, pc config.PlayerConfig) error {
	mode, err := scheduler.ParseTriggerMode(pc.TriggerMode)
	if err != nil {
		return fmt.Errorf("player %q: %w", pc.Name, err)
	}
	spec := engine.PlayerSpec{
		Mode:                 mode,
		TempoMaster:          pc.TempoMaster,
		Continuity:           pc.Continuity,
		DisableSelfInfluence: !pc.SelfInfluenceEnabled(),
	}
	if pc.MergePolicies != nil {
		if spec.Policies, err = reg.CreatePolicies(pc.MergePolicies); err != nil {
			return fmt.Errorf("player %q: %w", pc.Name, err)
		}
	}
	if err := eng.CreatePlayer(pc.Name, spec); err != nil {
		return err
	}
	if err := buildTree(eng, reg, pc); err != nil {
		if derr := eng.DeletePlayer(pc.Name); derr != nil {
			return errors.Join(err, derr)
		}
		return err
	}
	return nil
}

// buildTree adds the streamviews and atoms of pc to an existing player.
func buildTree(eng *engine.Engine, reg *config.Registry, pc config.PlayerConfig) error {
	for _, sv := range pc.StreamViews {
		policies, err := reg.CreatePolicies(sv.MergePolicies)
		if err != nil {
			return fmt.Errorf("player %q: streamview %q: %w", pc.Name, sv.Path, err)
		}
		if len(policies) == 0 {
			policies = nil
		}
		if err := eng.CreateStreamView(pc.Name, sv.Path, config.WeightOr(sv.Weight, 1), policies); err != nil {
			return fmt.Errorf("player %q: %w", pc.Name, err)
		}
	}

	for _, ac := range pc.Atoms {
		spec, err := atomSpec(ac)
		if err != nil {
			return fmt.Errorf("player %q: atom %q: %w", pc.Name, ac.Path, err)
		}
		if err := eng.CreateAtom(pc.Name, ac.Path, spec); err != nil {
			return fmt.Errorf("player %q: %w", pc.Name, err)
		}
	}
	return nil
}

func atomSpec(ac config.AtomConfig) (engine.AtomSpec, error) {
	kind, err := label.ParseKind(ac.Label)
	if err != nil {
		return engine.AtomSpec{}, err
	}
	mem, err := memory.ParseKind(ac.Memory)
	if err != nil {
		return engine.AtomSpec{}, err
	}
	ts, err := transform.ParseAll(ac.Transforms)
	if err != nil {
		return engine.AtomSpec{}, err
	}
	return engine.AtomSpec{
		Weight:     config.WeightOr(ac.Weight, 1),
		Label:      kind,
		Memory:     mem,
		HistoryLen: ac.HistoryLen,
		Transforms: ts,
		Corpus:     ac.Corpus,
		Active:     ac.Active,
	}, nil
}
