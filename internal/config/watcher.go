package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDuration = 500 * time.Millisecond

// Watcher reloads the config file when it changes and hands the new
// configuration to registered callbacks. A file that fails to load or
// validate is logged and the previous configuration stays current.
type Watcher struct {
	path    string
	current *Config
	watcher *fsnotify.Watcher
	logger  *log.Logger

	mu       sync.RWMutex
	onReload []func(*Config)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the config file at path, starting from cfg.
func NewWatcher(path string, cfg *Config, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[config] ", log.LstdFlags|log.Lmsgprefix)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:    abs,
		current: cfg,
		watcher: fw,
		logger:  logger,
	}, nil
}

// Start begins watching. The directory is watched rather than the file so
// editors that save by renaming a new file into place are seen.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	w.logger.Printf("watching %s for changes", w.path)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop()
	}()
	return nil
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// OnReload registers a callback invoked with each successfully loaded
// configuration.
func (w *Watcher) OnReload(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, callback)
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, func() {
				if err := w.reload(); err != nil {
					w.logger.Printf("keeping previous config: %v", err)
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() error {
	next, err := Load(w.path)
	if err != nil {
		return fmt.Errorf("reload %s: %w", w.path, err)
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	callbacks := make([]func(*Config), len(w.onReload))
	copy(callbacks, w.onReload)
	w.mu.Unlock()

	if prev != nil && prev.RequiresRestart(next) {
		w.logger.Printf("config reloaded; only allowed_origins applies live, other changes need a restart")
	} else {
		w.logger.Printf("config reloaded")
	}

	for _, cb := range callbacks {
		cb(next)
	}
	return nil
}
