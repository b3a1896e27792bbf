package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FolderWatcher watches the sync folder for remote journal and snapshot
// arrivals so a pull can start sooner than the next timer tick. It is an
// accelerator only: the periodic timer remains the correctness mechanism,
// and a dead watcher degrades to timer-only operation.
//
// Events are debounced into a single trigger because folder providers tend
// to materialize many files in a burst.
type FolderWatcher struct {
	watcher  *fsnotify.Watcher
	triggers chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
	pending *time.Timer

	folder   string
	selfDir  string
	debounce time.Duration
}

// NewFolderWatcher creates a watcher. Start it with Start().
func NewFolderWatcher(debounce time.Duration) (*FolderWatcher, error) {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &FolderWatcher{
		watcher:  watcher,
		triggers: make(chan struct{}, 1),
		done:     make(chan struct{}),
		debounce: debounce,
	}, nil
}

// Start begins watching the sync folder and every existing device subfolder
// except this device's own (its files are never read back). New device
// subfolders appearing later are picked up automatically.
func (w *FolderWatcher) Start(folder, selfDeviceID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	w.folder = folder
	w.selfDir = filepath.Join(folder, selfDeviceID)

	if err := w.watcher.Add(folder); err != nil {
		return fmt.Errorf("failed to watch sync folder %s: %w", folder, err)
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return fmt.Errorf("failed to read sync folder %s: %w", folder, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		sub := filepath.Join(folder, entry.Name())
		if sub == w.selfDir {
			continue
		}
		if err := w.watcher.Add(sub); err != nil {
			return fmt.Errorf("failed to watch %s: %w", sub, err)
		}
	}

	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Triggers returns the channel that receives a value when remote activity
// was observed. Coalesced: at most one pending trigger at a time.
func (w *FolderWatcher) Triggers() <-chan struct{} {
	return w.triggers
}

// Stop halts the watcher and releases its resources.
func (w *FolderWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	close(w.done)
	_ = w.watcher.Close()
	w.wg.Wait()
}

// loop consumes fsnotify events, adds new device subfolders to the watch
// set, and schedules debounced triggers.
func (w *FolderWatcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are non-fatal: the timer still pulls.
			_ = err
		}
	}
}

// handleEvent filters one fsnotify event and schedules a trigger when it
// looks like remote journal/snapshot activity.
func (w *FolderWatcher) handleEvent(event fsnotify.Event) {
	// Ignore anything under our own subfolder.
	if rel, err := filepath.Rel(w.selfDir, event.Name); err == nil && !strings.HasPrefix(rel, "..") {
		return
	}

	// A new directory at the folder root is a new device joining.
	if event.Op&fsnotify.Create != 0 && filepath.Dir(event.Name) == w.folder {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(event.Name)
			w.schedule()
			return
		}
	}

	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	name := filepath.Base(event.Name)
	if filepath.Ext(name) != ".json" || strings.HasPrefix(name, ".") {
		return
	}
	w.schedule()
}

// schedule arms (or re-arms) the debounce timer.
func (w *FolderWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.pending != nil {
		w.pending.Reset(w.debounce)
		return
	}
	w.pending = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.pending = nil
		w.mu.Unlock()
		select {
		case w.triggers <- struct{}{}:
		default:
		}
	})
}
