package dmypyconf

import (
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reports edits to configuration files.
type Watcher struct {
	fsw       *fsnotify.Watcher
	debounced func(func())
	onChange  func()
	closeCh   chan struct{}
	wg        sync.WaitGroup
	once      sync.Once
}

// Watch calls onChange, at most once per delay, whenever a configuration
// file in one of dirs is created, written, renamed or removed. Directories
// that do not exist are skipped.
func Watch(dirs []string, delay time.Duration, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create config watcher")
	}
	w := &Watcher{
		fsw:       fsw,
		debounced: debounce.New(delay),
		onChange:  onChange,
		closeCh:   make(chan struct{}),
	}
	seen := make(map[string]bool)
	for _, dir := range dirs {
		dir = filepath.Clean(dir)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := fsw.Add(dir); err != nil {
			log.Debug().Err(err).Str("dir", dir).Msg("config: not watching directory")
		}
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !slices.Contains(FileNames, filepath.Base(ev.Name)) {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			log.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("config: file changed")
			w.debounced(w.onChange)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config: watch error")
		}
	}
}

// Close stops watching. A pending debounced call is dropped.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.closeCh)
		err = w.fsw.Close()
		w.wg.Wait()
		w.debounced(func() {})
	})
	return err
}
