// Package engine implements the multi-device replication engine.
//
// Devices never talk to each other directly. Each one appends its mutations
// to a local change log, periodically flushes them as journal files into its
// own subfolder of a passively synced shared folder, and pulls the journal
// files the other devices wrote there. Conflicts are resolved row-by-row by
// last-write-wins on the row timestamp. The folder provider (iCloud Drive,
// Dropbox, Syncthing, a network mount) does the actual transport; the engine
// tolerates multi-second to multi-minute propagation delay.
//
// A sync cycle is flush, then pull, then maybe-compact. Cycles run on a
// periodic timer and on demand, never concurrently: a trigger arriving
// mid-cycle is coalesced into one follow-up cycle.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/marginalia-app/marginalia/internal/store"
	"github.com/marginalia-app/marginalia/internal/wire"
)

// State is the engine's lifecycle state.
type State string

const (
	// StateDisabled means sync has never been configured or was disabled.
	StateDisabled State = "disabled"
	// StateIdle means the engine is configured and between cycles.
	StateIdle State = "idle"
	// StateSyncing means a cycle is in flight.
	StateSyncing State = "syncing"
	// StateError means the last cycle failed; the timer keeps retrying.
	StateError State = "error"
	// StateNoFolder means the configured folder became inaccessible.
	StateNoFolder State = "no-folder"
)

// DeviceStatus describes one remote device seen in the sync folder.
type DeviceStatus struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
	Platform   string `json:"platform,omitempty"`
	LastSeq    int64  `json:"lastSeq"`
	Watermark  int64  `json:"watermark"`
}

// Status is the engine's externally visible state. Error holds the last
// cycle's failure message while State is error or no-folder; the other
// fields keep their last-known-good values.
type Status struct {
	State            State          `json:"state"`
	FolderPath       string         `json:"folderPath,omitempty"`
	LastSyncTime     time.Time      `json:"lastSyncTime,omitzero"`
	PendingChanges   int            `json:"pendingChanges"`
	ConnectedDevices []DeviceStatus `json:"connectedDevices,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// Config holds engine tunables.
type Config struct {
	// SyncInterval is how often the background timer runs a cycle.
	SyncInterval time.Duration

	// CompactThreshold is the own-journal-file count above which compaction
	// triggers at the end of a cycle.
	CompactThreshold int

	// Clock drives the periodic timer. Tests substitute a mock.
	Clock clock.Clock

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     30 * time.Second,
		CompactThreshold: 100,
		Clock:            clock.New(),
		Logger:           log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine is the sync orchestrator.
type Engine struct {
	store  *store.Store
	config *Config

	// cycleMu is held for the duration of every cycle and by
	// ConfigureFolder/DisableSync while they change the folder association,
	// so a reconfiguration never lands mid-cycle.
	cycleMu sync.Mutex

	mu          sync.Mutex
	status      Status
	device      *store.DeviceInfo
	folder      string
	cycleActive bool
	cycleQueued bool
	subscribers map[int]func(Status)
	nextSubID   int

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

// New creates an engine over an opened store. Call Initialize before
// anything else.
func New(st *store.Store, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 30 * time.Second
	}
	if config.CompactThreshold <= 0 {
		config.CompactThreshold = 100
	}
	return &Engine{
		store:       st,
		config:      config,
		status:      Status{State: StateDisabled},
		subscribers: make(map[int]func(Status)),
	}
}

// Initialize loads device identity and persisted sync configuration and
// computes the starting state. It does not start the timer; use Run.
func (e *Engine) Initialize(ctx context.Context) error {
	device, err := e.store.DeviceContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to load device identity: %w", err)
	}

	cfg, err := e.store.SyncConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync config: %w", err)
	}

	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending changes: %w", err)
	}

	e.mu.Lock()
	e.device = device
	e.status.PendingChanges = pending
	if !cfg.Enabled || cfg.FolderPath == "" {
		e.status.State = StateDisabled
		e.folder = ""
	} else {
		e.folder = cfg.FolderPath
		e.status.FolderPath = cfg.FolderPath
		if _, err := os.Stat(cfg.FolderPath); err != nil {
			e.status.State = StateNoFolder
			e.status.Error = fmt.Sprintf("sync folder inaccessible: %v", err)
		} else {
			e.status.State = StateIdle
			e.status.Error = ""
		}
	}
	e.mu.Unlock()

	e.notify()
	e.config.Logger.Printf("Initialized device %s (%s, %s), state=%s",
		device.DeviceID, device.DeviceName, device.Platform, e.Status().State)
	return nil
}

// ConfigureFolder points the engine at a shared folder, creating the
// device's own subfolder, its meta.json, and an initial snapshot, then
// enables sync.
func (e *Engine) ConfigureFolder(ctx context.Context, path string) error {
	e.mu.Lock()
	device := e.device
	e.mu.Unlock()
	if device == nil {
		return fmt.Errorf("engine not initialized")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return &ConfigError{Path: abs, Err: err}
	}

	// The database holds this installation's identity. If it lived inside
	// the synced folder, the provider would mirror it to every device and
	// two machines would collide on one logical identity.
	if dbAbs, err := filepath.Abs(e.store.Path()); err == nil {
		if rel, err := filepath.Rel(abs, dbAbs); err == nil && !strings.HasPrefix(rel, "..") {
			return &ConfigError{Path: abs, Err: fmt.Errorf("local database %s is inside the sync folder", dbAbs)}
		}
	}

	// Wait out any in-flight cycle: it keeps working against the folder it
	// captured at its start, and the switch happens between cycles.
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	deviceDir := filepath.Join(abs, device.DeviceID)
	if err := os.MkdirAll(deviceDir, 0755); err != nil {
		return &ConfigError{Path: deviceDir, Err: err}
	}
	if err := os.MkdirAll(filepath.Join(abs, wire.SnapshotsDir), 0755); err != nil {
		return &ConfigError{Path: abs, Err: err}
	}

	if err := e.writeMeta(ctx, deviceDir); err != nil {
		return err
	}

	snap, err := e.writeSnapshot(ctx, abs)
	if err != nil {
		return err
	}

	if err := e.store.SaveSyncConfig(ctx, &store.SyncConfig{
		FolderPath:      abs,
		Enabled:         true,
		LastSnapshotSeq: snap.AtSeq,
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.folder = abs
	e.status.State = StateIdle
	e.status.FolderPath = abs
	e.status.Error = ""
	e.mu.Unlock()
	e.notify()

	e.config.Logger.Printf("Configured sync folder %s (initial snapshot at seq %d)", abs, snap.AtSeq)
	return nil
}

// DisableSync stops the periodic timer and clears the folder association.
// Nothing in the shared folder is touched: other devices keep syncing.
func (e *Engine) DisableSync(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.loopCancel
	e.loopCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		e.loopWG.Wait()
	}

	// An in-flight manual cycle finishes against the folder it captured;
	// only then is the association cleared.
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if err := e.store.SaveSyncConfig(ctx, &store.SyncConfig{}); err != nil {
		return err
	}

	e.mu.Lock()
	e.folder = ""
	e.status = Status{State: StateDisabled, PendingChanges: e.status.PendingChanges}
	e.mu.Unlock()
	e.notify()

	e.config.Logger.Println("Sync disabled")
	return nil
}

// TriggerSync runs a cycle now. If one is already in flight the request is
// coalesced: exactly one follow-up cycle runs after it, and TriggerSync
// returns without waiting. Returns false when sync is disabled.
func (e *Engine) TriggerSync(ctx context.Context) bool {
	e.mu.Lock()
	if e.status.State == StateDisabled || e.folder == "" {
		e.mu.Unlock()
		return false
	}
	if e.cycleActive {
		e.cycleQueued = true
		e.mu.Unlock()
		return true
	}
	e.cycleActive = true
	e.mu.Unlock()

	for {
		e.cycleMu.Lock()
		e.runCycle(ctx)
		e.cycleMu.Unlock()

		e.mu.Lock()
		if e.cycleQueued {
			e.cycleQueued = false
			e.mu.Unlock()
			continue
		}
		e.cycleActive = false
		e.mu.Unlock()
		return true
	}
}

// Run drives periodic cycles until ctx is cancelled. An immediate first
// cycle runs before the timer starts ticking.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if e.loopCancel != nil {
		e.mu.Unlock()
		cancel()
		return
	}
	e.loopCancel = cancel
	e.mu.Unlock()

	e.loopWG.Add(1)
	go func() {
		defer e.loopWG.Done()

		e.TriggerSync(ctx)

		ticker := e.config.Clock.Ticker(e.config.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.TriggerSync(ctx)
			}
		}
	}()
}

// Stop halts the periodic timer and waits for an in-flight cycle to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.loopCancel
	e.loopCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.loopWG.Wait()
}

// Status returns a copy of the engine's current status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status
	st.ConnectedDevices = append([]DeviceStatus(nil), e.status.ConnectedDevices...)
	return st
}

// Subscribe registers a listener called on every status change. The returned
// function unsubscribes it. Listeners run synchronously on the engine
// goroutine and must not block.
func (e *Engine) Subscribe(fn func(Status)) func() {
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		e.mu.Unlock()
	}
}

// notify sends the current status to every subscriber.
func (e *Engine) notify() {
	e.mu.Lock()
	st := e.status
	st.ConnectedDevices = append([]DeviceStatus(nil), e.status.ConnectedDevices...)
	fns := make([]func(Status), 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// runCycle executes flush, pull, maybe-compact. Any failure sets the error
// (or no-folder) state and aborts the cycle; the periodic timer is the retry
// mechanism.
//
// Caller holds cycleMu. The folder is captured once here and passed down:
// every step of one cycle works against the same folder, and a concurrent
// reconfiguration waits for the cycle instead of yanking the path out from
// under a half-done flush.
func (e *Engine) runCycle(ctx context.Context) {
	e.mu.Lock()
	folder := e.folder
	if folder == "" {
		// Disabled while this cycle was queued.
		e.mu.Unlock()
		return
	}
	e.status.State = StateSyncing
	e.mu.Unlock()
	e.notify()

	start := e.config.Clock.Now()

	if _, err := os.Stat(folder); err != nil {
		e.failCycle(StateNoFolder, fmt.Errorf("sync folder inaccessible: %w", err))
		return
	}

	if err := e.flush(ctx, folder); err != nil {
		e.failCycle(StateError, err)
		return
	}

	touched, devices, err := e.pullAll(ctx, folder)
	if err != nil {
		e.failCycle(StateError, err)
		return
	}

	if err := e.maybeCompact(ctx, folder); err != nil {
		e.failCycle(StateError, err)
		return
	}

	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		e.failCycle(StateError, err)
		return
	}

	e.mu.Lock()
	e.status.State = StateIdle
	e.status.Error = ""
	e.status.LastSyncTime = e.config.Clock.Now()
	e.status.PendingChanges = pending
	e.status.ConnectedDevices = devices
	e.mu.Unlock()
	e.notify()

	if len(touched) > 0 {
		names := make([]string, 0, len(touched))
		for tbl := range touched {
			names = append(names, tbl.String())
		}
		sort.Strings(names)
		e.config.Logger.Printf("Cycle complete in %v, remote changes applied to: %s",
			e.config.Clock.Now().Sub(start), strings.Join(names, ", "))
	}
}

// failCycle records a cycle failure without crashing: last-known-good status
// fields are preserved and the timer keeps retrying.
func (e *Engine) failCycle(state State, err error) {
	e.config.Logger.Printf("Sync cycle failed: %v", err)
	e.mu.Lock()
	e.status.State = state
	e.status.Error = err.Error()
	e.mu.Unlock()
	e.notify()
}

// writeMeta writes this device's meta.json advertising its highest durable
// sequence number.
func (e *Engine) writeMeta(ctx context.Context, deviceDir string) error {
	maxSeq, err := e.store.MaxSeq(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	device := e.device
	e.mu.Unlock()

	meta := &wire.DeviceMeta{
		DeviceID:   device.DeviceID,
		DeviceName: device.DeviceName,
		Platform:   device.Platform,
		LastSeq:    maxSeq,
		CreatedAt:  device.CreatedAt,
		UpdatedAt:  time.Now().UnixMilli(),
	}
	if err := wire.WriteMeta(deviceDir, meta); err != nil {
		return &IOError{Op: "write meta", Path: deviceDir, Err: err}
	}
	return nil
}
