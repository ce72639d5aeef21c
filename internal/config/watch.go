package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads config.yaml on write events and on an explicit Reload()
// call (the SIGHUP path), publishing the freshly loaded Config to handle.
// Both paths converge on the same reload logic, matching the daemon's
// documented "MAY reload on SIGHUP" contract.
type Watcher struct {
	path     string
	into     *Config
	handle   *Handle
	onReload func(*Config)
	log      *slog.Logger
	fsw      *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher starts watching the config file at path for writes. Reloaded config is published to handle; onReload, if
// non-nil, is invoked afterward with the same snapshot for side effects
// such as logging. Failure to start the underlying fsnotify watcher is
// non-fatal: the daemon still works, just without live-reload, since SIGHUP
// remains available.
func NewWatcher(path string, into *Config, handle *Handle, onReload func(*Config), log *slog.Logger) *Watcher {
	w := &Watcher{path: path, into: into, handle: handle, onReload: onReload, log: log, done: make(chan struct{})}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("config watch disabled", "error", err)
		return w
	}
	if err := fsw.Add(path); err != nil {
		log.Warn("config watch disabled", "error", err)
		fsw.Close()
		return w
	}
	w.fsw = fsw
	go w.run()
	return w
}

func (w *Watcher) run() {
	if w.fsw == nil {
		return
	}
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.Reload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Reload re-reads the config file and publishes the result to handle. Load
// failures are logged and otherwise ignored — the daemon keeps running on
// the last good configuration.
func (w *Watcher) Reload() {
	cfg, err := Load(w.path, w.into)
	if err != nil {
		w.log.Warn("config reload failed, keeping previous configuration", "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		w.log.Warn("reloaded config is invalid, keeping previous configuration", "error", err)
		return
	}
	w.handle.Store(cfg)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}
