package config

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads Config from disk whenever the backing file changes,
// pushing the new value to onChange. Grounded on the teacher's lua.Engine
// hot-reload watcher (internal/lua/engine.go).
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(Config)
	closed   chan struct{}
}

// NewWatcher starts watching path's parent directory for changes to the
// config file, invoking onChange with each successfully reloaded Config.
// Parse failures are logged and otherwise ignored — the last-good config
// stays in effect.
func NewWatcher(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{path: path, watcher: fw, onChange: onChange, closed: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("config: reload %s: %v", w.path, err)
				continue
			}
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: watch error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.closed)
	return w.watcher.Close()
}

