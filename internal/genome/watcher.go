package genome

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher observes the genome document for writes the store did not make
// itself and reports them. Detection only: an external edit invalidates
// the integrity digest and the next Load fails closed until an operator
// re-blesses the file. The watcher never re-blesses.
type Watcher struct {
	store  *Store
	log    *zap.Logger
	onEdit func(path string)

	mu          sync.Mutex
	fsw         *fsnotify.Watcher
	suppressBy  time.Time
	debounceDur time.Duration
	lastEvent   time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	unsub       func()
	running     bool
}

// NewWatcher creates a watcher over the store's genome path. onEdit fires
// once per detected external modification.
func NewWatcher(store *Store, onEdit func(path string), log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		store:       store,
		log:         log,
		onEdit:      onEdit,
		debounceDur: 500 * time.Millisecond,
	}
}

// Start begins watching. Writes performed by the store itself are
// suppressed via the store's change listener.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: atomic saves rename a temp file into place, and
	// rename events are only visible at directory level.
	if err := fsw.Add(filepath.Dir(w.store.Path())); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true

	// Own saves arrive here just before their filesystem events. The
	// listener is removed again in Stop.
	w.unsub = w.store.OnChange(func(*Genome) {
		w.mu.Lock()
		w.suppressBy = time.Now().Add(2 * time.Second)
		w.mu.Unlock()
	})

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	target := filepath.Clean(w.store.Path())
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// The store's change listener races the filesystem event; give
			// it a moment to mark the save as our own.
			time.Sleep(100 * time.Millisecond)
			w.mu.Lock()
			suppressed := time.Now().Before(w.suppressBy)
			debounced := time.Since(w.lastEvent) < w.debounceDur
			if !suppressed && !debounced {
				w.lastEvent = time.Now()
			}
			w.mu.Unlock()
			if suppressed || debounced {
				continue
			}
			w.log.Warn("external edit detected on genome file", zap.String("path", target))
			if w.onEdit != nil {
				w.onEdit(target)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("genome watcher error", zap.Error(err))
		}
	}
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	fsw := w.fsw
	unsub := w.unsub
	w.unsub = nil
	w.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	fsw.Close()
	<-w.doneCh
}
