package app

import (
	"errors"
	"log/slog"

	"github.com/MrWong99/cadenza/internal/config"
)

func (a *App) onConfigChange(d config.ConfigDiff, next *config.Config) {
	if err := a.ApplyDiff(d, next); err != nil {
		slog.Warn("config reload applied partially", "err", err)
	}
}

// Reload re-reads the config file and applies its hot-reloadable changes.
// It is a no-op when the app was built without [WithConfigPath].
func (a *App) Reload() error {
	if a.watcher == nil {
		return nil
	}
	_, err := a.watcher.Reload()
	return err
}

// ApplyDiff applies the hot-reloadable part of a config change to the
// running engine. next is the config the diff leads to; added players are
// built from it. Every change is attempted and the failures are joined.
func (a *App) ApplyDiff(d config.ConfigDiff, next *config.Config) error {
	var errs []error

	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TempoChanged && d.NewTempo > 0 {
		if err := a.engine.SetTempo(d.NewTempo); err != nil {
			errs = append(errs, err)
		}
	}

	for _, pd := range d.Players {
		switch {
		case pd.Removed:
			if err := a.engine.DeletePlayer(pd.Name); err != nil {
				errs = append(errs, err)
			}
		case pd.Added:
			pc, ok := findPlayer(next, pd.Name)
			if !ok {
				continue
			}
			if err := BuildPlayer(a.engine, a.registry, pc); err != nil {
				errs = append(errs, err)
			}
		default:
			if pd.ContinuityChanged {
				c := pd.NewContinuity
				if c == 0 {
					c = next.Engine.Continuity
				}
				if err := a.engine.SetContinuity(pd.Name, c); err != nil {
					errs = append(errs, err)
				}
			}
			if pd.SelfInfluenceChanged {
				if err := a.engine.SetSelfInfluence(pd.Name, pd.NewSelfInfluence); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	for _, w := range d.Weights {
		if err := a.engine.SetWeight(w.Player, w.Path, w.Weight); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func findPlayer(cfg *config.Config, name string) (config.PlayerConfig, bool) {
	for _, pc := range cfg.Players {
		if pc.Name == name {
			return pc, true
		}
	}
	return config.PlayerConfig{}, false
}
