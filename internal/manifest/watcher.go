package manifest

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// reloadDebounce coalesces a burst of filesystem events (an editor
// writing several manifests, a git checkout touching many files) into a
// single reload. spec.md requires 200ms, wider than the 50ms the
// grounding watcher used for its per-file debounce, because here the
// whole burst collapses into one Load rather than one event per file.
const reloadDebounce = 200 * time.Millisecond

// reloadBurstLimit caps sustained reload throughput so a misbehaving
// manifest source (e.g. a tool rewriting its file on every tick) cannot
// turn hot-reload into a CPU sink.
const reloadBurstLimit = rate.Limit(2) // at most 2 reloads/sec, steady-state

// Watcher drives Registry.Load on filesystem change, recursively watching
// every tier directory. Grounded on the teacher's fsnotify-based
// directory watcher, adapted from per-file debounce + broadcast to
// whole-registry debounce + reload.
type Watcher struct {
	registry *Registry
	log      *slog.Logger

	fsw     *fsnotify.Watcher
	limiter *rate.Limiter

	mu      sync.Mutex
	timer   *time.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher wires an fsnotify watcher over every tier directory named in
// registry's search path.
func NewWatcher(registry *Registry, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		registry: registry,
		log:      log,
		fsw:      fsw,
		limiter:  rate.NewLimiter(reloadBurstLimit, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	for _, tier := range registry.tiers {
		if err := w.addRecursive(tier.Path); err != nil && log != nil {
			log.Warn("manifest watcher: could not watch tier", "tier", tier.Name, "path", tier.Path, "error", err)
		}
	}

	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsw.Add(path)
	})
}

// Start runs the event loop in a background goroutine. Call Stop to shut
// it down.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.fsw.Close()
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.onEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Warn("manifest watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) onEvent(event fsnotify.Event) {
	if filepath.Ext(event.Name) != ".json" {
		if event.Op&fsnotify.Create != 0 {
			// A new directory may have appeared under a tier; watch it too.
			_ = w.fsw.Add(event.Name)
		}
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	if !w.limiter.Allow() {
		if w.log != nil {
			w.log.Warn("manifest watcher: reload throttled")
		}
		return
	}

	result, err := w.registry.Load()
	if err != nil {
		if w.log != nil {
			w.log.Error("manifest reload failed", "error", err)
		}
		return
	}
	if w.log != nil {
		w.log.Info("manifest registry reloaded", "loaded", result.Loaded, "skipped", len(result.Skipped))
	}
}
