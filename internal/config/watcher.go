package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pullci/internal/core"
	"pullci/pkg/utils"
)

// WatcherOption configures a PipelineWatcher.
type WatcherOption func(*PipelineWatcher)

// WithWatchDebounce sets the debounce duration for file change events.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *PipelineWatcher) { w.debounce = d }
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *PipelineWatcher) { w.logger = l }
}

// WithReloadError is called with every rejected reload.
func WithReloadError(fn func(error)) WatcherOption {
	return func(w *PipelineWatcher) { w.onError = fn }
}

// PipelineWatcher reloads pipeline definitions when files under path change.
// A reload that fails to parse or names an unregistered handler is
// rejected and the previously applied set stays in effect.
type PipelineWatcher struct {
	path     string
	registry *core.Registry
	apply    func([]*core.Pipeline)
	onError  func(error)
	debounce time.Duration
	logger   *slog.Logger

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	lastHash  string

	mu      sync.Mutex
	pending time.Time
}

// NewPipelineWatcher watches path, a pipeline file or directory. apply
// receives each successfully validated pipeline set.
func NewPipelineWatcher(path string, reg *core.Registry, apply func([]*core.Pipeline), opts ...WatcherOption) *PipelineWatcher {
	w := &PipelineWatcher{
		path:     path,
		registry: reg,
		apply:    apply,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. The current content is taken as the baseline; it
// is not re-applied.
func (w *PipelineWatcher) Start() error {
	hash, err := w.hash()
	if err != nil {
		return fmt.Errorf("pipeline watcher: initial hash: %w", err)
	}
	w.lastHash = hash

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("pipeline watcher: create fsnotify: %w", err)
	}
	w.fsWatcher = fsw

	dir := w.path
	if info, err := os.Stat(w.path); err == nil && !info.IsDir() {
		// Watch the directory so atomic saves (rename-over) are seen.
		dir = filepath.Dir(w.path)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("pipeline watcher: watch %s: %w", dir, err)
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop terminates the watcher. It is safe to call Stop multiple times.
func (w *PipelineWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

func (w *PipelineWatcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 && isYAMLFile(event.Name) {
				w.mu.Lock()
				w.pending = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("pipeline watcher error", "err", err)

		case <-ticker.C:
			w.mu.Lock()
			ready := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if ready {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if ready {
				w.reload()
			}
		}
	}
}

func (w *PipelineWatcher) reload() {
	hash, err := w.hash()
	if err != nil {
		w.reject(fmt.Errorf("hash pipelines: %w", err))
		return
	}
	if hash == w.lastHash {
		w.logger.Debug("pipeline watcher: content unchanged, skipping", "path", w.path)
		return
	}

	pipelines, err := core.Load(w.path)
	if err == nil && w.registry != nil {
		err = core.ValidateHandlers(pipelines, w.registry)
	}
	if err != nil {
		// Remember the bad content so it is not re-parsed until it changes.
		w.lastHash = hash
		w.reject(err)
		return
	}

	w.lastHash = hash
	w.logger.Info("pipelines reloaded", "path", w.path, "count", len(pipelines))
	w.apply(pipelines)
}

func (w *PipelineWatcher) reject(err error) {
	w.logger.Error("pipeline reload rejected, keeping previous pipelines", "path", w.path, "err", err)
	if w.onError != nil {
		w.onError(err)
	}
}

// hash digests the names and content of every pipeline file under path.
func (w *PipelineWatcher) hash() (string, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return "", err
	}
	files := []string{w.path}
	if info.IsDir() {
		entries, err := os.ReadDir(w.path)
		if err != nil {
			return "", err
		}
		files = files[:0]
		for _, e := range entries {
			if !e.IsDir() && isYAMLFile(e.Name()) {
				files = append(files, filepath.Join(w.path, e.Name()))
			}
		}
		sort.Strings(files)
	}

	var b strings.Builder
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return "", err
		}
		b.WriteString(f)
		b.WriteByte(0)
		b.WriteString(utils.HashBytes(data))
		b.WriteByte('\n')
	}
	return utils.HashString(b.String()), nil
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
