package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ChangeEvent identifies a single item document that changed on disk.
type ChangeEvent struct {
	TenantID string
	ItemID   string
}

// Watcher watches a DirRepository root and reports per-item changes,
// debounced per item so editors that write in bursts produce one event.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onChange func(ChangeEvent)
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	stopCh chan struct{}
}

// NewWatcher creates a watcher delivering change events to onChange.
func NewWatcher(logger zerolog.Logger, onChange func(ChangeEvent)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsw,
		logger:   logger.With().Str("component", "knowledge-watcher").Logger(),
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// Watch starts watching a repository root and its tenant directories.
func (w *Watcher) Watch(root string) error {
	if err := w.watcher.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := w.watcher.Add(filepath.Join(root, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// New tenant directory: start watching it.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.watcher.Add(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch tenant directory")
					}
					continue
				}
			}

			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				tenantID := filepath.Base(filepath.Dir(event.Name))
				itemID := strings.TrimSuffix(filepath.Base(event.Name), ".json")
				w.logger.Debug().
					Str("tenant", tenantID).
					Str("item", itemID).
					Str("op", event.Op.String()).
					Msg("Item change detected")
				w.schedule(ChangeEvent{TenantID: tenantID, ItemID: itemID})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// schedule debounces per item so a burst of writes yields one callback.
func (w *Watcher) schedule(ev ChangeEvent) {
	key := ev.TenantID + "/" + ev.ItemID

	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[key]; ok {
		timer.Stop()
	}
	w.timers[key] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, key)
		w.mu.Unlock()

		select {
		case <-w.stopCh:
		default:
			w.onChange(ev)
		}
	})
}
