package engine

import (
	"context"
	"path/filepath"
	"time"

	"github.com/marginalia-app/marginalia/internal/wire"
)

// writeSnapshot exports every replicated table's current rows as one
// snapshot file at this device's current max sequence, written atomically
// into the shared snapshots directory. Used for the initial snapshot on
// configure and by compaction.
func (e *Engine) writeSnapshot(ctx context.Context, folder string) (*wire.SnapshotFile, error) {
	e.mu.Lock()
	device := e.device
	e.mu.Unlock()

	exported, err := e.store.ExportTables(ctx)
	if err != nil {
		return nil, err
	}
	maxSeq, err := e.store.MaxSeq(ctx)
	if err != nil {
		return nil, err
	}

	tables := make(map[string][]wire.SnapshotRow, len(exported))
	for table, rows := range exported {
		out := make([]wire.SnapshotRow, 0, len(rows))
		for _, row := range rows {
			out = append(out, wire.SnapshotRow{
				ID:        row.ID,
				Data:      row.Data,
				UpdatedAt: row.UpdatedAt,
				Device:    row.Origin,
			})
		}
		tables[table.String()] = out
	}

	snap := &wire.SnapshotFile{
		Version:   wire.FormatVersion,
		Device:    device.DeviceID,
		AtSeq:     maxSeq,
		CreatedAt: time.Now().UnixMilli(),
		Tables:    tables,
	}

	snapshotsDir := filepath.Join(folder, wire.SnapshotsDir)
	path, err := wire.WriteSnapshot(snapshotsDir, snap)
	if err != nil {
		return nil, &IOError{Op: "write snapshot", Path: snapshotsDir, Err: err}
	}

	cfg, err := e.store.SyncConfig(ctx)
	if err != nil {
		return nil, err
	}
	cfg.LastSnapshotSeq = snap.AtSeq
	if err := e.store.SaveSyncConfig(ctx, cfg); err != nil {
		return nil, err
	}

	e.config.Logger.Printf("Wrote snapshot %s at seq %d", path, snap.AtSeq)
	return snap, nil
}
