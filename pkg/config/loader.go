package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Loader loads a configuration file and, once watching, reloads it on change.
// A file that fails to parse leaves the previous configuration in place.
type Loader struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu          sync.RWMutex
	current     *Config
	subscribers []func(*Config)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLoader creates a loader for path.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		path:   absPath,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Load reads the file and makes it the current configuration.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Subscribe registers fn to receive every successfully reloaded configuration.
func (l *Loader) Subscribe(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// Watch starts monitoring the file. The directory is watched so editors that
// save by rename are picked up.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}
	l.watcher = watcher

	l.wg.Add(1)
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != l.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			l.reload()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("config watcher error", "path", l.path, "error", err)
		}
	}
}

func (l *Loader) reload() {
	cfg, err := l.Load()
	if err != nil {
		l.logger.Error("config reload failed, keeping previous configuration", "path", l.path, "error", err)
		return
	}
	l.logger.Info("config reloaded", "path", l.path)

	l.mu.RLock()
	subscribers := append([]func(*Config){}, l.subscribers...)
	l.mu.RUnlock()
	for _, fn := range subscribers {
		fn(cfg)
	}
}

// Close stops watching. It is safe to call more than once.
func (l *Loader) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
		l.wg.Wait()
	})
	return err
}
