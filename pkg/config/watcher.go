package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cuemby/imagegend/pkg/log"
)

// debounceDelay collapses editor write bursts into one reload
const debounceDelay = 500 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the
// parsed result to a callback. Reload failures keep the previous
// configuration in effect.
type Watcher struct {
	path     string
	onChange func(*Config)

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the config file at path. The callback
// runs on the watcher goroutine after every successful reload.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files by
	// rename, which drops a direct file watch.
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		path:     path,
		onChange: onChange,
		fsw:      fsw,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching for config changes
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
	logger := log.WithComponent("config")
	logger.Info().Str("path", w.path).Msg("Config watcher started")
}

// Stop halts the watcher and releases the inotify handle
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.fsw.Close()
	w.wg.Wait()
	logger := log.WithComponent("config")
	logger.Info().Msg("Config watcher stopped")
}

func (w *Watcher) run() {
	defer w.wg.Done()

	logger := log.WithComponent("config")
	base := filepath.Base(w.path)

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
				debounceCh = debounce.C
			} else {
				debounce.Reset(debounceDelay)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("Config watcher error")
		case <-debounceCh:
			debounce = nil
			debounceCh = nil
			cfg, err := Load(w.path)
			if err != nil {
				logger.Error().Err(err).Msg("Config reload failed, keeping previous configuration")
				continue
			}
			logger.Info().Msg("Config reloaded")
			w.onChange(cfg)
		}
	}
}
