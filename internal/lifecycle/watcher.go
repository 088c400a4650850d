package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/vectorrouter/internal/config"
)

const (
	// DefaultSettle is how long the watcher waits after the last event on
	// the config file before reloading.
	DefaultSettle = 250 * time.Millisecond

	// DefaultMinReloadInterval bounds how often reloads may happen.
	DefaultMinReloadInterval = time.Second
)

// ErrWatcherFailed indicates the filesystem watcher could not be set up.
var ErrWatcherFailed = errors.New("failed to initialize config watcher")

// Watcher reloads a Manager when its config file changes. It watches the
// containing directory so that editors that replace the file on save are
// seen, and reacts to any of the files config.Load would read.
type Watcher struct {
	manager *Manager
	logger  *zap.Logger
	dir     string
	names   map[string]bool
	settle  time.Duration
	limiter *rate.Limiter

	fsw      *fsnotify.Watcher
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	reloads  atomic.Int64
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithSettle sets the quiet period after the last event.
func WithSettle(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.settle = d }
}

// WithMinReloadInterval sets the minimum time between reloads.
func WithMinReloadInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

// NewWatcher creates a watcher for the config file at path, resolved the
// same way config.Load resolves it.
func NewWatcher(path string, m *Manager, opts ...WatcherOption) (*Watcher, error) {
	resolved, err := filepath.Abs(config.ResolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}

	w := &Watcher{
		manager: m,
		logger:  zap.NewNop(),
		dir:     filepath.Dir(resolved),
		names:   make(map[string]bool),
		settle:  DefaultSettle,
		limiter: rate.NewLimiter(rate.Every(DefaultMinReloadInterval), 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, candidate := range config.CandidatePaths(resolved) {
		w.names[filepath.Base(candidate)] = true
	}
	for _, opt := range opts {
		opt(w)
	}

	if _, err := os.Stat(w.dir); err != nil {
		return nil, fmt.Errorf("%w: config directory: %v", ErrWatcherFailed, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("%w: watching %s: %v", ErrWatcherFailed, w.dir, err)
	}
	w.fsw = fsw
	return w, nil
}

// Start processes events in a background goroutine until ctx is done or
// Stop is called. Only the first call starts the loop, and a stopped
// watcher never starts.
func (w *Watcher) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.logger.Info("watching router config", zap.String("dir", w.dir))
	go w.run(ctx)
}

// Stop stops the watcher and waits for the event loop to exit. It is safe
// to call more than once and without a prior Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.fsw.Close()
		if w.started.CompareAndSwap(false, true) {
			close(w.done)
		}
	})
	<-w.done
}

// Reloads returns how many reloads the watcher has triggered.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("config file event", zap.String("file", event.Name), zap.Stringer("op", event.Op))
			timer.Reset(w.settle)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-timer.C:
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
			w.reload(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !w.names[filepath.Base(event.Name)] {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)
}

func (w *Watcher) reload(ctx context.Context) {
	w.reloads.Add(1)
	r, err := w.manager.Reload(ctx)
	if err != nil {
		w.logger.Error("router reload failed", zap.Error(err))
		return
	}
	w.logger.Info("router reloaded after config change",
		zap.String("source", r.Config().Source),
		zap.Int("connected", r.Status().Connected()))
}
