package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadFunc receives the freshly loaded configuration after a change.
type ReloadFunc func(*Config)

// Watcher reloads the settings file when it changes on disk. Editors and
// atomic writers generate bursts of events, so changes are debounced before
// the reload fires.
type Watcher struct {
	dataPath string
	onReload ReloadFunc

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
}

// NewWatcher creates a watcher for the settings file under dataPath.
func NewWatcher(dataPath string, onReload ReloadFunc) *Watcher {
	return &Watcher{dataPath: dataPath, onReload: onReload}
}

// Start begins watching until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: atomic rename replaces the inode.
	if err := fsw.Add(w.dataPath); err != nil {
		fsw.Close()
		return err
	}

	w.mu.Lock()
	w.watcher = fsw
	w.mu.Unlock()

	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	target := filepath.Join(w.dataPath, "settings.json")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Name != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(500*time.Millisecond, func() {
		cfg, err := Load(w.dataPath)
		if err != nil {
			log.Error().Err(err).Msg("Config reload failed, keeping previous settings")
			return
		}
		log.Info().Msg("Configuration reloaded")
		if w.onReload != nil {
			w.onReload(cfg)
		}
	})
}
