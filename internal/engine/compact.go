package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/marginalia-app/marginalia/internal/wire"
)

// maybeCompact folds this device's journal history into a snapshot when its
// journal-file count exceeds the configured threshold. Runs at the end of a
// cycle, after flush, so nothing unflushed exists when it prunes.
//
// Step order makes every interruption safe: the snapshot is durable before
// any journal file, change-log row, or older snapshot is removed, so a kill
// mid-compaction loses nothing and the next cycle finishes the cleanup.
func (e *Engine) maybeCompact(ctx context.Context, folder string) error {
	e.mu.Lock()
	device := e.device
	e.mu.Unlock()

	deviceDir := filepath.Join(folder, device.DeviceID)
	refs, err := wire.ListJournals(deviceDir)
	if err != nil {
		return &IOError{Op: "list journals", Path: deviceDir, Err: err}
	}
	if len(refs) <= e.config.CompactThreshold {
		return nil
	}

	e.config.Logger.Printf("Compacting: %d journal files exceed threshold %d",
		len(refs), e.config.CompactThreshold)

	snap, err := e.writeSnapshot(ctx, folder)
	if err != nil {
		return err
	}

	removed := 0
	for _, ref := range refs {
		if ref.Seq > snap.AtSeq {
			continue
		}
		if err := os.Remove(ref.Path); err != nil {
			return &IOError{Op: "remove journal", Path: ref.Path, Err: err}
		}
		removed++
	}

	pruned, err := e.store.PruneChangeLog(ctx, snap.AtSeq)
	if err != nil {
		return err
	}

	// Only the newest snapshot matters for bootstrap; older ones are
	// superseded the moment the new one is durable.
	snapshotsDir := filepath.Join(folder, wire.SnapshotsDir)
	snaps, err := wire.ListSnapshots(snapshotsDir, device.DeviceID)
	if err != nil {
		return &IOError{Op: "list snapshots", Path: snapshotsDir, Err: err}
	}
	for _, old := range snaps {
		if old.Seq >= snap.AtSeq {
			continue
		}
		if err := os.Remove(old.Path); err != nil {
			return &IOError{Op: "remove snapshot", Path: old.Path, Err: err}
		}
	}

	e.config.Logger.Printf("Compaction complete: removed %d journal files, pruned %d change-log rows, snapshot at seq %d",
		removed, pruned, snap.AtSeq)
	return nil
}
