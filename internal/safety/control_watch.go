package safety

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"tiller/internal/logger"
)

// ControlWatcher trips the manual kill switch while a halt file exists
// in the data directory, giving operators a no-HTTP way to stop new
// entries. Removing the file clears the switch.
type ControlWatcher struct {
	manager  *Manager
	haltPath string
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

func NewControlWatcher(dataDir string, manager *Manager) (*ControlWatcher, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dataDir); err != nil {
		w.Close()
		return nil, err
	}
	cw := &ControlWatcher{
		manager:  manager,
		haltPath: filepath.Join(dataDir, "halt"),
		watcher:  w,
		done:     make(chan struct{}),
	}
	// A halt file left behind by a previous run still applies.
	if _, err := os.Stat(cw.haltPath); err == nil {
		manager.Trip(SwitchManual, "halt file present at startup")
	}
	go cw.run()
	return cw, nil
}

func (cw *ControlWatcher) run() {
	for {
		select {
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Clean(ev.Name), filepath.Clean(cw.haltPath)) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
				cw.manager.Trip(SwitchManual, "halt file created by operator")
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				cw.manager.Clear(SwitchManual)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("safety: control watcher error: %v", err)
		case <-cw.done:
			return
		}
	}
}

func (cw *ControlWatcher) Close() error {
	close(cw.done)
	return cw.watcher.Close()
}
