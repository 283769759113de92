// Package watcher rebuilds the index when the documents directory changes.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hyperjump/policydesk/pkg/utils"
	"go.uber.org/zap"
)

const defaultDebounce = 2 * time.Second

// RebuildFunc rebuilds the index from the watched directory.
type RebuildFunc func(ctx context.Context) error

// Watcher watches one documents directory and calls a rebuild after changes settle.
// Bursts of events (a copy of many PDFs, an editor's save sequence) collapse into a
// single rebuild. Rebuilds never overlap.
type Watcher struct {
	root       string
	extensions []string
	rebuild    RebuildFunc
	debounce   time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	ctx     context.Context
	pending []string
	started bool

	rebuildMu sync.Mutex
	done      chan struct{}
	stopOnce  sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the watcher logger.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long the directory must stay quiet before a rebuild.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher for root. Only files whose extension is in
// extensions trigger a rebuild (empty = all files).
func NewWatcher(root string, extensions []string, rebuild RebuildFunc, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		root:       filepath.Clean(root),
		extensions: extensions,
		rebuild:    rebuild,
		debounce:   defaultDebounce,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = utils.NopIfNil(w.logger)
	return w
}

// Start starts watching. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if _, err := os.Stat(w.root); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.root); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw
	w.ctx = ctx
	w.started = true
	w.logger.Info("watching documents", zap.String("dir", w.root), zap.Strings("extensions", w.extensions), zap.Duration("debounce", w.debounce))
	go w.run(ctx, fw)
	return nil
}

// Done is closed when the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	if filepath.Dir(filepath.Clean(ev.Name)) != w.root {
		return
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || !matchExtension(ev.Name, w.extensions) {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name))
	w.schedule(base)
}

// schedule (re)arms the debounce timer.
func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.pending = append(w.pending, name)
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	changed := w.pending
	w.pending = nil
	w.timer = nil
	ctx := w.ctx
	started := w.started
	w.mu.Unlock()
	if !started || len(changed) == 0 {
		return
	}

	w.rebuildMu.Lock()
	defer w.rebuildMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	w.logger.Info("documents changed, rebuilding index", zap.Strings("files", dedupe(changed)))
	start := time.Now()
	if err := w.rebuild(ctx); err != nil {
		w.logger.Error("index rebuild failed", zap.Error(err))
		return
	}
	w.logger.Info("index rebuilt", zap.Duration("duration", time.Since(start)))
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// Stop stops the watcher and releases resources. A rebuild already running
// finishes; pending changes are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = nil
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
