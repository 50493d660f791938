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

// Watcher polls a config file and reports content changes that decode into
// another valid config. Invalid edits are logged and the previous config stays
// current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu   sync.Mutex
	last snapshot
}

// snapshot is one successfully loaded version of the file.
type snapshot struct {
	cfg     *Config
	sum     [sha256.Size]byte
	modTime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a watcher for it. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: 5 * time.Second, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}
	snap, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.last = snap
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Run polls until ctx is done and returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.poll()
		}
	}
}

// poll skips files whose mtime is unchanged, and reports only edits that
// change the content. Touching the file without editing it is a no-op.
func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: stat watched file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	prev := w.last
	w.mu.Unlock()
	if info.ModTime().Equal(prev.modTime) {
		return
	}

	snap, err := w.load()
	if err != nil {
		slog.Warn("config: reload rejected, keeping previous", "path", w.path, "err", err)
		return
	}
	changed := snap.sum != prev.sum
	if !changed {
		snap.cfg = prev.cfg
	}
	w.mu.Lock()
	w.last = snap
	w.mu.Unlock()
	if !changed {
		return
	}

	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(prev.cfg, snap.cfg)
	}
}

func (w *Watcher) load() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), modTime: info.ModTime()}, nil
}
