// Package watcher re-registers the agent when its rule file changes.
//
// The file is polled on an interval and compared by content digest. When the
// platform supports it, a filesystem notification on the file triggers an
// early poll; polling stays the source of truth.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"

	ilog "github.com/koltyakov/connector/internal/log"
)

const DefaultInterval = time.Minute

// FileSource reads the watched file.
type FileSource interface {
	ReadFile(path string) ([]byte, error)
}

// OSFiles reads from the local filesystem.
type OSFiles struct{}

func (OSFiles) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Options wires a [Watcher].
type Options struct {
	Path string
	// Register is called once per detected change.
	Register func(ctx context.Context) error
	Files    FileSource
	Interval time.Duration
	Clock    clock.Clock
	// Notify enables fsnotify wakeups in addition to polling.
	Notify bool
	Logger *slog.Logger
}

// Watcher detects rule file changes by digest.
type Watcher struct {
	opts  Options
	clock clock.Clock
	log   *slog.Logger

	mu      sync.Mutex
	digest  [32]byte
	hasPrev bool
}

// New validates opts and returns a watcher with no baseline.
func New(opts Options) (*Watcher, error) {
	if opts.Path == "" || opts.Register == nil {
		return nil, errors.New("watcher: path and register callback are required")
	}
	if opts.Files == nil {
		opts.Files = OSFiles{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}
	return &Watcher{opts: opts, clock: c, log: ilog.Component(opts.Logger, "watcher")}, nil
}

// Poll runs one check. The first successful read only records a baseline. A
// changed digest triggers Register; the new digest is kept only when it
// succeeds, so a failed registration is retried on the next poll.
func (w *Watcher) Poll(ctx context.Context) (bool, error) {
	data, err := w.opts.Files.ReadFile(w.opts.Path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", w.opts.Path, err)
	}
	sum := blake3.Sum256(data)

	w.mu.Lock()
	prev, hasPrev := w.digest, w.hasPrev
	if !hasPrev {
		w.digest, w.hasPrev = sum, true
	}
	w.mu.Unlock()

	if !hasPrev || sum == prev {
		return false, nil
	}

	w.log.Info("rule file changed, registering", "path", w.opts.Path)
	if err := w.opts.Register(ctx); err != nil {
		return false, fmt.Errorf("re-register: %w", err)
	}

	w.mu.Lock()
	w.digest = sum
	w.mu.Unlock()
	return true, nil
}

// Run polls until ctx ends. The first poll happens immediately and sets the
// baseline.
func (w *Watcher) Run(ctx context.Context) error {
	w.poll(ctx)

	events, closeNotify := w.notifications()
	defer closeNotify()

	ticker := w.clock.Ticker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.opts.Path) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	if _, err := w.Poll(ctx); err != nil {
		w.log.Warn("rule file check failed", "err", err)
	}
}

// notifications watches the file's directory, which survives editors that
// replace the file on save. It returns a nil channel when unavailable.
func (w *Watcher) notifications() (<-chan fsnotify.Event, func()) {
	if !w.opts.Notify {
		return nil, func() {}
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Debug("fsnotify unavailable, polling only", "err", err)
		return nil, func() {}
	}
	if err := fw.Add(filepath.Dir(w.opts.Path)); err != nil {
		w.log.Debug("fsnotify add failed, polling only", "err", err)
		_ = fw.Close()
		return nil, func() {}
	}
	go func() {
		for err := range fw.Errors {
			w.log.Debug("fsnotify error", "err", err)
		}
	}()
	return fw.Events, func() { _ = fw.Close() }
}
