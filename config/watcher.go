package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long a file must stay quiet before it is reloaded.
const DefaultDebounce = 500 * time.Millisecond

// ConfigChangeCallback is called after a successful reload. oldConfig is the
// configuration that was replaced.
type ConfigChangeCallback func(oldConfig, newConfig *Config)

// Watcher keeps the configuration of one file current. It watches the
// file's directory, so editors that replace the file by renaming a temporary
// one over it are picked up as well.
//
// Callbacks run on the watch goroutine in registration order and must not
// block.
type Watcher struct {
	path   string
	dir    string
	format ConfigFormat
	loader *Loader

	mu        sync.RWMutex
	current   *Config
	callbacks []ConfigChangeCallback

	fs       *fsnotify.Watcher
	debounce time.Duration
	started  bool
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	reloads  atomic.Uint64
	failures atomic.Uint64

	log *zap.Logger
}

// NewWatcher loads configFile once and prepares to watch it. Nothing is
// watched until Start.
func NewWatcher(configFile string, loader *Loader) (*Watcher, error) {
	format, err := formatOf(configFile)
	if err != nil {
		return nil, err
	}
	path, err := filepath.Abs(configFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigWatchError, err)
	}

	initial, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigWatchError, err)
	}

	return &Watcher{
		path:     path,
		dir:      filepath.Dir(path),
		format:   format,
		loader:   loader,
		current:  initial,
		fs:       fs,
		debounce: DefaultDebounce,
		stop:     make(chan struct{}),
		log:      zap.NewNop(),
	}, nil
}

// SetLogger sets the logger used to report reloads and watch errors.
func (w *Watcher) SetLogger(log *zap.Logger) *Watcher {
	if log != nil {
		w.log = log
	}
	return w
}

// SetDebounce sets the quiet period. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Format returns the format of the watched file.
func (w *Watcher) Format() ConfigFormat {
	return w.format
}

// Start begins watching. Calling it again is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := w.fs.Add(w.dir); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigWatchError, err)
	}
	w.started = true

	w.wg.Add(1)
	go w.loop()
	w.log.Debug("watching configuration", zap.String("file", w.path))
	return nil
}

// Stop ends watching and waits for the watch goroutine. It is safe to call
// more than once.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.fs.Close()
		w.wg.Wait()
	})
	return err
}

// GetConfig returns the last configuration that loaded successfully.
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnConfigChange registers a callback for successful reloads.
func (w *Watcher) OnConfigChange(callback ConfigChangeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Reload reads the file now. On failure the previous configuration stays
// in effect.
func (w *Watcher) Reload() error {
	next, err := w.loader.LoadFromFile(w.path)
	if err != nil {
		w.failures.Add(1)
		return err
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	callbacks := append([]ConfigChangeCallback(nil), w.callbacks...)
	w.mu.Unlock()

	w.reloads.Add(1)
	w.log.Info("configuration reloaded", zap.String("file", w.path))
	for _, cb := range callbacks {
		w.notify(cb, prev, next)
	}
	return nil
}

// Reloads returns the number of successful and failed reloads.
func (w *Watcher) Reloads() (ok, failed uint64) {
	return w.reloads.Load(), w.failures.Load()
}

func (w *Watcher) notify(cb ConfigChangeCallback, prev, next *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("config change callback panicked", zap.Any("panic", r))
		}
	}()
	cb(prev, next)
}

// relevant reports whether ev may have changed the watched file's contents.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			if err := w.Reload(); err != nil {
				w.log.Warn("keeping previous configuration", zap.Error(err))
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Provider supplies configuration and reports changes to it.
type Provider interface {
	Load() (*Config, error)
	Watch(ctx context.Context, callback ConfigChangeCallback) error
	Close() error
}

var _ Provider = (*FileProvider)(nil)

// FileProvider reads configuration from a file, or from the loader's search
// paths when no file is named. Only a named file can be watched.
type FileProvider struct {
	loader  *Loader
	watcher *Watcher
}

// NewFileProvider creates a provider for configFile, which may be empty.
func NewFileProvider(configFile string) (*FileProvider, error) {
	fp := &FileProvider{loader: NewLoader()}
	if configFile == "" {
		return fp, nil
	}
	w, err := NewWatcher(configFile, fp.loader)
	if err != nil {
		return nil, err
	}
	fp.watcher = w
	return fp, nil
}

// Load returns the current configuration.
func (fp *FileProvider) Load() (*Config, error) {
	if fp.watcher != nil {
		return fp.watcher.GetConfig(), nil
	}
	return fp.loader.AutoLoad()
}

// Watch registers callback and watches until ctx is done.
func (fp *FileProvider) Watch(ctx context.Context, callback ConfigChangeCallback) error {
	if fp.watcher == nil {
		return fmt.Errorf("%w: no configuration file to watch", ErrConfigWatchError)
	}
	fp.watcher.OnConfigChange(callback)
	if err := fp.watcher.Start(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		fp.watcher.Stop()
	}()
	return nil
}

// Watcher returns the underlying watcher, or nil without a file.
func (fp *FileProvider) Watcher() *Watcher {
	return fp.watcher
}

// Close stops watching.
func (fp *FileProvider) Close() error {
	if fp.watcher != nil {
		return fp.watcher.Stop()
	}
	return nil
}
