package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadMetadata tracks reload statistics for a watched catalog file.
type ReloadMetadata struct {
	Version      string    `json:"version"`
	LoadedAt     time.Time `json:"loaded_at"`
	TypeCount    int       `json:"type_count"`
	ReloadCount  int       `json:"reload_count"`
	LastReloadAt time.Time `json:"last_reload_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Watcher keeps the latest valid catalog compiled from a file. Scans pick
// up Current() when they begin; a running scan keeps the catalog it started
// with.
type Watcher struct {
	path     string
	debounce time.Duration
	current  atomic.Pointer[Catalog]

	mu       sync.RWMutex
	meta     ReloadMetadata
	onChange []func(*Catalog)

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher loads path once and fails if it does not compile.
func NewWatcher(path string) (*Watcher, error) {
	c, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, debounce: 100 * time.Millisecond}
	w.current.Store(c)
	w.meta = ReloadMetadata{Version: c.Version(), LoadedAt: time.Now(), TypeCount: len(c.descs)}
	return w, nil
}

// Current returns the newest valid catalog.
func (w *Watcher) Current() *Catalog { return w.current.Load() }

// Metadata returns reload statistics.
func (w *Watcher) Metadata() ReloadMetadata {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.meta
}

// OnChange registers cb to run after each successful swap. Register before Start.
func (w *Watcher) OnChange(cb func(*Catalog)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, cb)
	w.mu.Unlock()
}

// Start watches the file's directory until ctx ends or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.fsw = fsw
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() { _ = w.Reload() })
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("catalog watch error", "path", w.path, "error", err)
		}
	}
}

// Reload recompiles the file and swaps it in when its version changed. A
// file that fails to compile leaves the previous catalog active.
func (w *Watcher) Reload() error {
	c, err := LoadFile(w.path)
	if err != nil {
		w.mu.Lock()
		w.meta.LastError = err.Error()
		w.mu.Unlock()
		slog.Warn("catalog reload rejected", "path", w.path, "error", err)
		return err
	}
	if c.Version() == w.current.Load().Version() {
		return nil
	}
	w.current.Store(c)
	w.mu.Lock()
	w.meta = ReloadMetadata{
		Version:      c.Version(),
		LoadedAt:     w.meta.LoadedAt,
		TypeCount:    len(c.descs),
		ReloadCount:  w.meta.ReloadCount + 1,
		LastReloadAt: time.Now(),
	}
	cbs := append([]func(*Catalog){}, w.onChange...)
	w.mu.Unlock()
	slog.Info("catalog reloaded", "path", w.path, "version", c.Version(), "types", len(c.descs))
	for _, cb := range cbs {
		cb(c)
	}
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	err := w.fsw.Close()
	<-w.done
	return err
}
