// Package reload watches artifact source files and re-triggers cache
// invalidation and reload callbacks when they change. Change bursts are
// debounced per target so an editor writing a file in several chunks fires a
// single reload.
package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/voicekit/voicecache/telemetry"
)

// DefaultDebounce is used when a target does not set its own window.
const DefaultDebounce = 500 * time.Millisecond

var (
	// ErrUnknownTarget is returned when a path is not registered.
	ErrUnknownTarget = errors.New("unknown reload target")

	// ErrAlreadyRegistered is returned when a path is registered twice.
	ErrAlreadyRegistered = errors.New("target already registered")
)

// Invalidator removes cache entries across tiers. *cache.Manager satisfies it.
type Invalidator interface {
	InvalidateCascade(ctx context.Context, cache string, keys []string) error
}

// Target describes one watched file.
type Target struct {
	// Path is the watched file. Watched via its parent directory so
	// atomic-rename writers are observed.
	Path string

	// Cache and Keys name the entries invalidated before the callback runs.
	Cache string
	Keys  []string

	// Debounce is the quiet window after the last change event before the
	// callback fires. Default: DefaultDebounce.
	Debounce time.Duration

	// Callback reloads the artifact. Errors are logged, not fatal.
	Callback func(ctx context.Context, path string) error
}

// Config holds watcher configuration.
type Config struct {
	// Invalidator performs cascade invalidation before each reload.
	Invalidator Invalidator

	// Logger for watcher events.
	Logger *slog.Logger
}

// targetState tracks the per-target debounce timer. A target is Idle (no
// timer), Pending (timer running), or Firing (callback executing); there is
// never more than one timer per target.
type targetState struct {
	target  Target
	timer   *time.Timer
	pending bool
}

// Watcher debounces file change notifications into reload callbacks.
type Watcher struct {
	config  Config
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	targets map[string]*targetState
	dirRefs map[string]int
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a Watcher and starts its event loop.
func NewWatcher(cfg Config) (*Watcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		config:  cfg,
		logger:  cfg.Logger,
		watcher: fsw,
		targets: make(map[string]*targetState),
		dirRefs: make(map[string]int),
		ctx:     ctx,
		cancel:  cancel,
		doneCh:  make(chan struct{}),
	}

	go w.loop()
	return w, nil
}

// Register starts watching a target file.
func (w *Watcher) Register(target Target) error {
	abs, err := filepath.Abs(target.Path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", target.Path, err)
	}
	target.Path = abs
	if target.Debounce <= 0 {
		target.Debounce = DefaultDebounce
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return errors.New("watcher stopped")
	}
	if _, ok := w.targets[abs]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, abs)
	}

	dir := filepath.Dir(abs)
	if w.dirRefs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	w.dirRefs[dir]++
	w.targets[abs] = &targetState{target: target}

	w.logger.Debug("registered reload target", "path", abs, "debounce", target.Debounce)
	return nil
}

// Unregister stops watching a path and cancels any pending reload for it.
func (w *Watcher) Unregister(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.targets[abs]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, abs)
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(w.targets, abs)

	dir := filepath.Dir(abs)
	w.dirRefs[dir]--
	if w.dirRefs[dir] <= 0 {
		delete(w.dirRefs, dir)
		if err := w.watcher.Remove(dir); err != nil {
			w.logger.Warn("removing directory watch", "dir", dir, "error", err)
		}
	}
	return nil
}

// ManualReload fires a target's reload immediately, bypassing the debounce
// window. Unlike watched reloads, errors are returned to the caller.
func (w *Watcher) ManualReload(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}

	w.mu.Lock()
	st, ok := w.targets[abs]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTarget, abs)
	}
	if st.timer != nil {
		st.timer.Stop()
		st.pending = false
	}
	target := st.target
	w.mu.Unlock()

	return w.fire(ctx, target)
}

// Stop cancels pending reloads, closes the underlying watcher, and waits for
// in-flight callbacks to finish.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	for _, st := range w.targets {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	w.mu.Unlock()

	w.cancel()
	err := w.watcher.Close()
	<-w.doneCh
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
		return
	}

	abs := filepath.Clean(event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.targets[abs]
	if !ok || w.stopped {
		return
	}

	telemetry.RecordReloadEvent(w.ctx, abs)

	// single cancel-and-reschedule timer per target: a burst of events
	// keeps pushing the deadline out, so only the last one fires
	if st.timer != nil {
		st.timer.Stop()
	}
	st.pending = true
	target := st.target
	st.timer = time.AfterFunc(target.Debounce, func() {
		w.debounceFire(target)
	})
}

func (w *Watcher) debounceFire(target Target) {
	w.mu.Lock()
	st, ok := w.targets[target.Path]
	if !ok || w.stopped || !st.pending {
		w.mu.Unlock()
		return
	}
	st.pending = false
	w.wg.Add(1)
	w.mu.Unlock()

	defer w.wg.Done()

	if err := w.fire(w.ctx, target); err != nil {
		w.logger.Error("reload failed", "path", target.Path, "error", err)
	}
}

// fire invalidates the target's cache entries and runs its callback.
func (w *Watcher) fire(ctx context.Context, target Target) error {
	start := time.Now()
	outcome := "ok"
	defer func() {
		telemetry.RecordReloadFired(ctx, target.Path, outcome, time.Since(start))
	}()

	if w.config.Invalidator != nil && target.Cache != "" && len(target.Keys) > 0 {
		if err := w.config.Invalidator.InvalidateCascade(ctx, target.Cache, target.Keys); err != nil {
			outcome = "error"
			return fmt.Errorf("invalidating %s: %w", target.Cache, err)
		}
	}

	if target.Callback != nil {
		if err := target.Callback(ctx, target.Path); err != nil {
			outcome = "error"
			return fmt.Errorf("reload callback for %s: %w", target.Path, err)
		}
	}

	w.logger.Info("reloaded target", "path", target.Path, "elapsed", time.Since(start))
	return nil
}
