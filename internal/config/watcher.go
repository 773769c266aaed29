package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling period of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the hot-reloadable changes of a reload together with
// the config they lead to.
type ChangeFunc func(d ConfigDiff, next *Config)

// Watcher keeps the current config of one file. [Watcher.Run] polls the
// file's mtime and reloads on change; [Watcher.Reload] reloads on demand.
// Edits that fail validation are logged and the last valid config stays
// current. The callback only fires for non-empty diffs.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	// reload serialises whole reloads so callbacks arrive in file order.
	reload sync.Mutex

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
}

type fileStamp struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path. onChange may be nil.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.stamp = cfg, st
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload re-reads the file regardless of its mtime and returns the diff
// against the current config. On error the current config is kept.
func (w *Watcher) Reload() (ConfigDiff, error) {
	w.reload.Lock()
	defer w.reload.Unlock()

	cfg, st, err := w.read()
	if err != nil {
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	if st.sum == w.stamp.sum {
		w.stamp.mtime = st.mtime
		w.mu.Unlock()
		return ConfigDiff{}, nil
	}
	prev := w.current
	w.current, w.stamp = cfg, st
	w.mu.Unlock()

	d := Diff(prev, cfg)
	slog.Info("configuration reloaded", "path", w.path, "hot_changes", !d.Empty())
	if w.onChange != nil && !d.Empty() {
		w.onChange(d, cfg)
	}
	return d, nil
}

// Run polls until ctx is cancelled. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	seen := info.ModTime().Equal(w.stamp.mtime)
	w.mu.Unlock()
	if seen {
		return
	}

	if _, err := w.Reload(); err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		// Wait for the next edit instead of re-parsing a broken file every tick.
		w.mu.Lock()
		w.stamp.mtime = info.ModTime()
		w.mu.Unlock()
	}
}

func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
