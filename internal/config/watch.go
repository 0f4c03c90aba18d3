package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"filestore/internal/logging"
)

// Watcher serves the most recent valid configuration read from a file and
// reloads it whenever the file is written or replaced.
type Watcher struct {
	path      string
	current   atomic.Pointer[Config]
	fsw       *fsnotify.Watcher
	logger    zerolog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// Watch loads path and starts watching it. A missing file yields the defaults
// until one is written; the directory containing path is created if needed.
// Callers must Close the watcher.
func Watch(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir %s: %w", dir, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory: editors usually replace the file instead of
	// writing it in place, which drops a watch on the file itself.
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:   filepath.Clean(path),
		fsw:    fsw,
		logger: logging.GetLogger("config.watch"),
		done:   make(chan struct{}),
	}
	w.current.Store(cfg)
	go w.run()
	return w, nil
}

func (w *Watcher) Config() *Config {
	return w.current.Load()
}

func (w *Watcher) RootPath() string {
	return w.Config().RootPath()
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fsw.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Keeping previous config")
		return
	}
	w.current.Store(cfg)
	w.logger.Info().Str("files_path", cfg.Storage.FilesPath).Msg("Config reloaded")
}
