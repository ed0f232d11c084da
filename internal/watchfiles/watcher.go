// Package watchfiles wraps fsnotify with the debounced directory/file
// watching idiom the Commander manager needs: watch a
// directory for newly created files (to discover a transcript the instant
// its conversation starts) and watch specific files for writes (to notice
// status-file updates), coalescing rapid writes into a single callback.
//
// Grounded on the reference tail-claude sessionWatcher: a single run()
// goroutine owns the fsnotify.Watcher and all debounce timers, callers
// never touch fsnotify directly, and a typed done channel stops the loop
// cleanly. Adapted here from a hardcoded parent-file-plus-team-files shape
// into a generic "watch a dir for creates, watch arbitrary files for
// writes" wrapper with pluggable callbacks instead of a fixed TUI message
// type.
package watchfiles

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ehrlich-b/fleetgate/internal/logging"
)

var log = logging.Component("watchfiles")

// defaultDebounce coalesces rapid writes (e.g. streamed transcript
// appends) into a single callback invocation.
const defaultDebounce = 300 * time.Millisecond

// Callbacks the watcher invokes. Both are optional.
type Callbacks struct {
	// OnCreate fires (debounced) when a new entry appears in a watched
	// directory.
	OnCreate func(path string)
	// OnWrite fires (debounced, per-path) when a watched file is written.
	OnWrite func(path string)
}

// Watcher owns one fsnotify.Watcher and debounces its events per path.
type Watcher struct {
	cb       Callbacks
	debounce time.Duration

	fs   *fsnotify.Watcher
	done chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer
	watched map[string]bool
}

// New creates and starts a Watcher. dirs are directories to watch for new
// entries; additional files can be added later via AddFile.
func New(cb Callbacks, dirs ...string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		cb:       cb,
		debounce: defaultDebounce,
		fs:       fs,
		done:     make(chan struct{}),
		timers:   make(map[string]*time.Timer),
		watched:  make(map[string]bool),
	}

	for _, d := range dirs {
		if err := fs.Add(d); err != nil {
			log.Warn("watch directory failed", "dir", d, "err", err)
			continue
		}
		w.watched[d] = true
	}

	logging.SafeGo("watchfiles.run", w.run)
	return w, nil
}

// AddFile starts watching an individual file for writes (e.g. an external
// status file keyed by conversation id, discovered only after the fact).
func (w *Watcher) AddFile(path string) error {
	w.mu.Lock()
	already := w.watched[path]
	w.mu.Unlock()
	if already {
		return nil
	}
	if err := w.fs.Add(path); err != nil {
		return err
	}
	w.mu.Lock()
	w.watched[path] = true
	w.mu.Unlock()
	return nil
}

// Stop ends the watch loop and releases the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.done)
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
	w.fs.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn("fsnotify error", "err", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		w.debounced(event.Name, func() {
			if w.cb.OnCreate != nil {
				w.cb.OnCreate(event.Name)
			}
		})
	case event.Has(fsnotify.Write):
		w.debounced(event.Name, func() {
			if w.cb.OnWrite != nil {
				w.cb.OnWrite(event.Name)
			}
		})
	}
}

func (w *Watcher) debounced(key string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[key]; ok {
		t.Stop()
	}
	w.timers[key] = time.AfterFunc(w.debounce, fn)
}

// DirOf is a small convenience used by callers that only have a file path
// and need the directory to watch for sibling creation.
func DirOf(path string) string {
	return filepath.Dir(path)
}
