package plan

import (
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/driftline/warden/internal/store"
)

// Watcher re-syncs the plan file into the store whenever it changes,
// so items added mid-run enter the checklist without a restart. Parse
// failures are logged and the previous plan stays in effect.
type Watcher struct {
	path    string
	items   store.ItemStore
	actor   string
	logger  *log.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching the plan file at path. The containing
// directory is watched rather than the file itself, since editors
// replace files on save.
func Watch(path string, items store.ItemStore, actor string, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		items:   items,
		actor:   actor,
		logger:  logger.With("component", "plan"),
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.resync()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "err", err)
		}
	}
}

// resync re-parses the plan and creates any newly added items.
func (w *Watcher) resync() {
	p, err := Load(w.path)
	if err != nil {
		w.logger.Warn("plan change ignored", "path", w.path, "err", err)
		return
	}

	created, err := p.Sync(w.items, w.actor)
	if err != nil {
		w.logger.Error("plan sync failed", "path", w.path, "err", err)
		return
	}
	if len(created) > 0 {
		w.logger.Info("plan items added", "count", len(created), "ids", created)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
