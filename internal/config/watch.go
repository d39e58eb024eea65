package config

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file whenever it changes on disk.
type Watcher struct {
	watcher *fsnotify.Watcher
	closed  chan struct{}
}

// Watch starts watching path and calls onChange with each successfully
// reloaded and validated config. Invalid or unreadable versions are logged
// and skipped, so a half-written file never reaches the caller.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file. Editors replace files on save,
	// which would silently detach a file-level watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, closed: make(chan struct{})}

	go func() {
		for {
			select {
			case <-w.closed:
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Printf("CONFIG: reload failed: %v", err)
					continue
				}
				if err := cfg.Validate(); err != nil {
					log.Printf("CONFIG: reload skipped, invalid: %v", err)
					continue
				}
				log.Printf("CONFIG: reloaded %s", path)
				onChange(cfg)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watch error: %v", err)
			}
		}
	}()

	return w, nil
}

// Close stops the watcher. Safe to call once.
func (w *Watcher) Close() error {
	close(w.closed)
	return w.watcher.Close()
}
