// 配置文件变更监听器实现。
//
// 轮询配置文件的修改时间，防抖后重新加载并校验，成功时回调订阅者。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadFunc receives the previous and freshly loaded configuration.
type ReloadFunc func(old, updated *Config)

// --- 监听器选项 ---

// WatcherOption configures the Watcher
type WatcherOption func(*Watcher)

// WithPollInterval sets how often the file is checked
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.pollInterval = d
	}
}

// WithDebounceDelay sets the quiet period after a change before reloading
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = d
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// Watcher reloads the configuration file when it changes.
type Watcher struct {
	mu sync.RWMutex

	loader        *Loader
	current       *Config
	pollInterval  time.Duration
	debounceDelay time.Duration

	running  bool
	stopChan chan struct{}
	done     chan struct{}

	callbacks []ReloadFunc
	logger    *zap.Logger

	lastModTime time.Time
}

// NewWatcher creates a watcher for the loader's config path. current is the
// configuration already in effect.
func NewWatcher(loader *Loader, current *Config, opts ...WatcherOption) (*Watcher, error) {
	if loader == nil || loader.ConfigPath() == "" {
		return nil, fmt.Errorf("watcher requires a loader with a config path")
	}
	w := &Watcher{
		loader:        loader,
		current:       current,
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))

	if _, err := os.Stat(loader.ConfigPath()); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat path %s: %w", loader.ConfigPath(), err)
	}
	return w, nil
}

// OnReload registers a callback for successful reloads
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Current returns the configuration in effect
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins polling until ctx is done or Stop is called
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.done = make(chan struct{})
	if info, err := os.Stat(w.loader.ConfigPath()); err == nil {
		w.lastModTime = info.ModTime()
	}
	w.mu.Unlock()

	go w.pollLoop(ctx)

	w.logger.Info("config watcher started",
		zap.String("path", w.loader.ConfigPath()),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop stops polling and waits for the loop to exit
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	done := w.done
	w.mu.Unlock()

	<-done
	w.logger.Info("config watcher stopped")
}

// IsRunning returns whether the watcher is running
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			if w.changed() {
				debounce = time.After(w.debounceDelay)
			}
		case <-debounce:
			debounce = nil
			w.reload()
		}
	}
}

// changed reports whether the file's modification time moved forward
func (w *Watcher) changed() bool {
	info, err := os.Stat(w.loader.ConfigPath())
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if info.ModTime().After(w.lastModTime) {
		w.lastModTime = info.ModTime()
		return true
	}
	return false
}

// reload 重新加载并校验，失败时保留当前配置
func (w *Watcher) reload() {
	updated, err := w.loader.Load()
	if err == nil {
		err = updated.Validate()
	}
	if err != nil {
		w.logger.Warn("config reload rejected, keeping current config", zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("config reloaded", zap.Int("peers", len(updated.Peers)))
	for _, cb := range callbacks {
		cb(old, updated)
	}
}
