package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"
)

// DefaultPollInterval is how often [Watcher.Run] stats the config file.
const DefaultPollInterval = 5 * time.Second

// Change is delivered to subscribers after a valid new config was loaded.
type Change struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher keeps the current config of one YAML file and reloads it when the
// file changes or [Watcher.Reload] is called. An invalid file never replaces
// a valid config.
type Watcher struct {
	path     string
	interval time.Duration
	reload   chan struct{}

	mu      sync.Mutex
	current *Config
	subs    []func(Change)
	mtime   time.Time
	size    int64
	sum     [sha256.Size]byte
	lastErr string
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a watcher holding it. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		reload:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	w.current = snap.cfg
	w.mtime, w.size, w.sum = snap.mtime, snap.size, snap.sum
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Subscribe registers fn for every future [Change]. Subscribers run on the
// watcher goroutine in registration order.
func (w *Watcher) Subscribe(fn func(Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Reload asks a running watcher to re-read the file on its next turn even if
// the modification time did not move. It never blocks.
func (w *Watcher) Reload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(false)
		case <-w.reload:
			w.check(true)
		}
	}
}

// Check re-reads the file if its modification time or size moved and applies
// it. It reports whether subscribers were notified.
func (w *Watcher) Check() (bool, error) {
	return w.check(false)
}

func (w *Watcher) check(force bool) (bool, error) {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			w.warnOnce("config: cannot stat file", err)
			return false, err
		}
		w.mu.Lock()
		same := info.ModTime().Equal(w.mtime) && info.Size() == w.size
		w.mu.Unlock()
		if same {
			return false, nil
		}
	}

	snap, err := w.read()
	if err != nil {
		w.warnOnce("config: reload rejected, keeping previous config", err)
		return false, err
	}

	w.mu.Lock()
	w.lastErr = ""
	w.mtime, w.size = snap.mtime, snap.size
	if snap.sum == w.sum {
		w.mu.Unlock()
		return false, nil
	}
	ch := Change{Old: w.current, New: snap.cfg, Diff: Diff(w.current, snap.cfg)}
	w.current, w.sum = snap.cfg, snap.sum
	subs := slices.Clone(w.subs)
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path, "restart_required", ch.Diff.RestartRequired)
	for _, fn := range subs {
		fn(ch)
	}
	return true, nil
}

// warnOnce logs err unless it repeats the previous failure, so a broken file
// is reported once rather than on every poll.
func (w *Watcher) warnOnce(msg string, err error) {
	w.mu.Lock()
	repeat := w.lastErr == err.Error()
	w.lastErr = err.Error()
	w.mu.Unlock()
	if !repeat {
		slog.Warn(msg, "path", w.path, "err", err)
	}
}

type fileSnapshot struct {
	cfg   *Config
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

func (w *Watcher) read() (fileSnapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileSnapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileSnapshot{}, err
	}
	cfg, err := parse(data)
	if err != nil {
		return fileSnapshot{}, fmt.Errorf("load %q: %w", w.path, err)
	}
	return fileSnapshot{cfg: cfg, mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
