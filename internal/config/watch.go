package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits after the last write.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a config file when it changes and hands every valid result
// to a callback. Invalid files are logged and ignored.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config, string)
	debounce time.Duration
	log      zerolog.Logger
}

// NewWatcher watches the directory of path, so editors that replace the file
// are still seen.
func NewWatcher(path string, onChange func(*Config, string), logger zerolog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher: empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		watcher:  fw,
		onChange: onChange,
		debounce: DefaultDebounce,
		log:      logger.With().Str("component", "config").Logger(),
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
			mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, hash, err := LoadConfigWithHash(w.path)
	if err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("hot-reload failed, keeping previous config")
		return
	}
	w.log.Info().Str("path", w.path).Str("hash", hash).Msg("config reloaded")
	if w.onChange != nil {
		w.onChange(cfg, hash)
	}
}
