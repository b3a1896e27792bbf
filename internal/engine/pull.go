package engine

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/marginalia-app/marginalia/internal/store"
	"github.com/marginalia-app/marginalia/internal/wire"
)

// pullAll reads every remote device's journal stream and applies it locally.
// The device's own subfolder is never read back. Returns the set of tables
// whose local state actually changed and the remote devices seen.
//
// Per-device failures (a corrupted file, a failing entry) are logged and
// contained: they stop that one device's stream for this cycle so its
// watermark can't skip the failing unit, but other devices still pull. Only
// a folder-level listing failure fails the cycle.
func (e *Engine) pullAll(ctx context.Context, folder string) (map[store.Table]bool, []DeviceStatus, error) {
	e.mu.Lock()
	self := e.device.DeviceID
	e.mu.Unlock()

	dirEntries, err := os.ReadDir(folder)
	if err != nil {
		return nil, nil, &IOError{Op: "list folder", Path: folder, Err: err}
	}

	touched := make(map[store.Table]bool)
	var devices []DeviceStatus
	for _, dir := range dirEntries {
		if !dir.IsDir() {
			continue
		}
		name := dir.Name()
		if name == self || name == wire.SnapshotsDir || strings.HasPrefix(name, ".") {
			continue
		}
		devices = append(devices, e.pullDevice(ctx, folder, name, touched))
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return touched, devices, nil
}

// pullDevice processes one remote device's journal stream past the local
// watermark, bootstrapping from a snapshot when the watermark is zero.
func (e *Engine) pullDevice(ctx context.Context, folder, deviceID string, touched map[store.Table]bool) DeviceStatus {
	ds := DeviceStatus{DeviceID: deviceID}
	deviceDir := filepath.Join(folder, deviceID)

	if meta, err := wire.ReadMeta(deviceDir); err == nil {
		ds.DeviceName = meta.DeviceName
		ds.Platform = meta.Platform
		ds.LastSeq = meta.LastSeq
	}

	watermark, err := e.store.Watermark(ctx, deviceID)
	if err != nil {
		e.config.Logger.Printf("Warning: failed to read watermark for %s: %v", deviceID, err)
		return ds
	}

	// First contact with this device: one snapshot bounds catch-up cost to a
	// single file plus the journal tail written since. No snapshot means the
	// device predates snapshots or hasn't compacted yet; full journal replay
	// still converges.
	if watermark == 0 {
		if atSeq, ok := e.bootstrap(ctx, folder, deviceID, touched); ok {
			watermark = atSeq
		}
	}

	refs, err := wire.ListJournals(deviceDir)
	if err != nil {
		e.config.Logger.Printf("Warning: failed to list journals for %s: %v", deviceID, err)
		return ds
	}

	for _, ref := range refs {
		if ref.Seq <= watermark {
			continue
		}

		journal, err := wire.ReadJournal(ref.Path)
		if err != nil {
			// Corrupted or unsupported file. Stop this device's stream here:
			// advancing past it would orphan the file forever, while stopping
			// lets a later cycle retry once the provider finishes propagating
			// it (partial propagation looks identical to corruption).
			e.config.Logger.Printf("Warning: skipping journal: %v", &ParseError{Path: ref.Path, Err: err})
			break
		}

		fileClean := true
		for _, entry := range journal.Entries {
			if entry.Seq <= watermark {
				continue
			}
			table, known := store.ParseTable(entry.Table)
			if !known {
				// Probably written by a newer app version. Harmless.
				e.config.Logger.Printf("Ignoring entry for unreplicated table %q in %s", entry.Table, ref.Path)
				continue
			}
			changed, err := e.store.ApplyRemote(ctx, entry)
			if err != nil {
				e.config.Logger.Printf("Warning: %v", &ApplyError{Table: entry.Table, ID: entry.ID, Err: err})
				fileClean = false
				continue
			}
			if changed {
				touched[table] = true
			}
		}

		if !fileClean {
			break
		}

		// The file is fully processed, so persist its seq even if every entry
		// was filtered out; otherwise it would be reparsed each cycle.
		if err := e.store.SetWatermark(ctx, deviceID, ref.Seq); err != nil {
			e.config.Logger.Printf("Warning: failed to advance watermark for %s: %v", deviceID, err)
			break
		}
		watermark = ref.Seq
	}

	ds.Watermark = watermark
	return ds
}

// bootstrap applies the newest snapshot for a first-contact device and
// returns its atSeq. Every row goes through the same last-write-wins gate as
// journal entries, so bootstrapping against a non-empty local table is safe.
// Returns ok=false (full journal replay follows) when no usable snapshot
// exists or any row fails to apply: setting the watermark to atSeq with a
// row missing would lose that row for good once compaction prunes the
// journal history behind the snapshot.
func (e *Engine) bootstrap(ctx context.Context, folder, deviceID string, touched map[store.Table]bool) (int64, bool) {
	snapshotsDir := filepath.Join(folder, wire.SnapshotsDir)
	path, atSeq, found, err := wire.LatestSnapshot(snapshotsDir, deviceID)
	if err != nil {
		e.config.Logger.Printf("Warning: failed to look for snapshot of %s: %v", deviceID, err)
		return 0, false
	}
	if !found {
		return 0, false
	}

	snap, err := wire.ReadSnapshot(path)
	if err != nil {
		e.config.Logger.Printf("Warning: skipping snapshot: %v", &ParseError{Path: path, Err: err})
		return 0, false
	}

	applied := 0
	for tableName, rows := range snap.Tables {
		table, known := store.ParseTable(tableName)
		if !known {
			e.config.Logger.Printf("Ignoring snapshot table %q in %s", tableName, path)
			continue
		}
		for _, row := range rows {
			changed, err := e.store.ApplySnapshotRow(ctx, table, row)
			if err != nil {
				// Rows applied so far are harmless (replay re-applies them
				// idempotently), but the watermark must not move.
				e.config.Logger.Printf("Warning: abandoning bootstrap of %s: %v",
					deviceID, &ApplyError{Table: tableName, ID: row.ID, Err: err})
				return 0, false
			}
			if changed {
				touched[table] = true
				applied++
			}
		}
	}

	if err := e.store.SetWatermark(ctx, deviceID, atSeq); err != nil {
		e.config.Logger.Printf("Warning: failed to set bootstrap watermark for %s: %v", deviceID, err)
		return 0, false
	}

	e.config.Logger.Printf("Bootstrapped %s from snapshot at seq %d (%d rows applied)", deviceID, atSeq, applied)
	return atSeq, true
}
