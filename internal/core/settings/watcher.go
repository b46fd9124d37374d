package settings

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads settings when the config file changes on disk.
// Follows an fsnotify + debounce pattern: editors often emit several write
// events per save, so changes are coalesced before reloading.
type Watcher struct {
	watcher     *fsnotify.Watcher
	path        string
	dataDir     string
	debounceDur time.Duration
	onReload    func(Settings)
	log         zerolog.Logger
}

// NewWatcher creates a watcher for the given config file. onReload is called
// with the freshly loaded, normalized settings after each change settles.
// Returns nil if fsnotify cannot be initialized or the directory cannot be
// watched; hot reload is then simply unavailable.
func NewWatcher(path, dataDir string, onReload func(Settings), log zerolog.Logger) *Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("settings: failed to create fsnotify watcher")
		return nil
	}

	// Watch the directory, not the file: editors that write via rename
	// replace the inode and a file-level watch would go stale.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("settings: failed to watch config dir")
		_ = watcher.Close()
		return nil
	}

	return &Watcher{
		watcher:     watcher,
		path:        path,
		dataDir:     dataDir,
		debounceDur: 200 * time.Millisecond,
		onReload:    onReload,
		log:         log.With().Str("component", "settings-watcher").Logger(),
	}
}

// Run blocks until the context is cancelled, reloading on relevant changes.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounceDur)
				timerC = timer.C
			} else {
				timer.Reset(w.debounceDur)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Debug().Err(err).Msg("watch error")

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	s, err := Load(w.path, w.dataDir)
	if err != nil {
		// Keep serving the previous settings; a broken config on disk
		// must never take the daemon down.
		w.log.Warn().Err(err).Msg("config reload failed")
		return
	}
	w.log.Info().Str("path", w.path).Msg("config reloaded")
	w.onReload(s)
}
