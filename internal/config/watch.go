package config

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// WatchProjectConfig watches the project-local .sessionctl.yaml (if any)
// for changes and invokes onChange with the freshly reloaded Config on
// each write. Hot-reload is best-effort: if no project config file
// exists or a watcher cannot be constructed, it returns a no-op stop
// function rather than an error.
func WatchProjectConfig(onChange func(*Config)) (stop func(), err error) {
	path := findProjectConfig()
	if path == "" {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without watcher; hot-reload is best-effort.
		return func() {}, nil
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return func() {}, nil
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load()
				if err != nil {
					log.Printf("[config] reload after change to %s failed: %v", path, err)
					continue
				}
				onChange(cfg)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[config] watcher error: %v", werr)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
