package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marginalia-app/marginalia/internal/store"
	"github.com/marginalia-app/marginalia/internal/wire"
)

func remoteEntry(t *testing.T, seq int64, device, table, id, text string, ts int64) wire.ChangeEntry {
	t.Helper()
	data, err := json.Marshal(map[string]string{"id": id, "text": text})
	require.NoError(t, err)
	return wire.ChangeEntry{
		Seq:    seq,
		TS:     ts,
		Device: device,
		Table:  table,
		Op:     wire.OpUpsert,
		ID:     id,
		Data:   data,
	}
}

func writeRemoteJournal(t *testing.T, folder, device string, entries ...wire.ChangeEntry) {
	t.Helper()
	_, err := wire.WriteJournal(filepath.Join(folder, device), &wire.JournalFile{
		Version: wire.FormatVersion,
		Device:  device,
		Entries: entries,
	})
	require.NoError(t, err)
}

func TestPull_CorruptFileStopsStreamThenRecovers(t *testing.T) {
	folder := t.TempDir()
	eng, st := testEngine(t, folder, nil)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	const remote = "dev-remote"
	writeRemoteJournal(t, folder, remote,
		remoteEntry(t, 1, remote, "notes", "n1", "from file one", now))
	corruptPath := filepath.Join(folder, remote, wire.JournalFileName(2))
	require.NoError(t, os.WriteFile(corruptPath, []byte("{truncated"), 0644))
	writeRemoteJournal(t, folder, remote,
		remoteEntry(t, 3, remote, "notes", "n3", "from file three", now))

	require.True(t, eng.TriggerSync(ctx))

	// File one applied, then the stream stopped at the corrupt file: file
	// three must not be applied and the watermark must not pass seq 1, or
	// file two's entries would be lost forever.
	assert.Equal(t, "from file one", noteText(t, st, "n1"))
	_, err := st.GetRow(ctx, store.TableNotes, "n3")
	assert.ErrorIs(t, err, store.ErrNotFound)
	wm, err := st.Watermark(ctx, remote)
	require.NoError(t, err)
	assert.EqualValues(t, 1, wm)

	// The provider finishes propagating file two; the next cycle resumes.
	require.NoError(t, os.Remove(corruptPath))
	writeRemoteJournal(t, folder, remote,
		remoteEntry(t, 2, remote, "notes", "n2", "from file two", now))
	require.True(t, eng.TriggerSync(ctx))

	assert.Equal(t, "from file two", noteText(t, st, "n2"))
	assert.Equal(t, "from file three", noteText(t, st, "n3"))
	wm, err = st.Watermark(ctx, remote)
	require.NoError(t, err)
	assert.EqualValues(t, 3, wm)
}

func TestPull_UnsupportedVersionStopsStream(t *testing.T) {
	folder := t.TempDir()
	eng, st := testEngine(t, folder, nil)
	ctx := context.Background()

	const remote = "dev-remote"
	future := map[string]any{"version": wire.FormatVersion + 1, "device": remote, "entries": []any{}}
	data, err := json.Marshal(future)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(folder, remote), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(folder, remote, wire.JournalFileName(1)), data, 0644))

	require.True(t, eng.TriggerSync(ctx))
	assert.Equal(t, StateIdle, eng.Status().State, "one device's stream must not fail the cycle")

	wm, err := st.Watermark(ctx, remote)
	require.NoError(t, err)
	assert.EqualValues(t, 0, wm)
}

func TestPull_UnknownTableStillAdvancesWatermark(t *testing.T) {
	folder := t.TempDir()
	eng, st := testEngine(t, folder, nil)
	ctx := context.Background()

	const remote = "dev-remote"
	writeRemoteJournal(t, folder, remote,
		remoteEntry(t, 1, remote, "widgets", "w1", "unreplicated here", time.Now().UnixMilli()))

	require.True(t, eng.TriggerSync(ctx))

	// Nothing applied, but the file is done: reparsing it every cycle would
	// be wasted work.
	wm, err := st.Watermark(ctx, remote)
	require.NoError(t, err)
	assert.EqualValues(t, 1, wm)
}

func TestPull_BootstrapFromSnapshot(t *testing.T) {
	folder := t.TempDir()
	eng, st := testEngine(t, folder, nil)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	const remote = "dev-remote"

	// Journal covered by the snapshot: a bootstrapping device must skip it.
	writeRemoteJournal(t, folder, remote,
		remoteEntry(t, 4, remote, "notes", "n1", "superseded", now+1000))

	rowData, err := json.Marshal(map[string]string{"id": "n1", "text": "from snapshot"})
	require.NoError(t, err)
	_, err = wire.WriteSnapshot(filepath.Join(folder, wire.SnapshotsDir), &wire.SnapshotFile{
		Version:   wire.FormatVersion,
		Device:    remote,
		AtSeq:     5,
		CreatedAt: now,
		Tables: map[string][]wire.SnapshotRow{
			"notes": {{ID: "n1", Data: rowData, UpdatedAt: now, Device: remote}},
		},
	})
	require.NoError(t, err)

	// Journal tail past the snapshot point.
	writeRemoteJournal(t, folder, remote,
		remoteEntry(t, 6, remote, "notes", "n2", "from tail", now))

	require.True(t, eng.TriggerSync(ctx))

	assert.Equal(t, "from snapshot", noteText(t, st, "n1"))
	assert.Equal(t, "from tail", noteText(t, st, "n2"))
	wm, err := st.Watermark(ctx, remote)
	require.NoError(t, err)
	assert.EqualValues(t, 6, wm)
}

func TestPull_BootstrapRowFailureFallsBackToReplay(t *testing.T) {
	folder := t.TempDir()
	eng, st := testEngine(t, folder, nil)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	const remote = "dev-remote"
	writeRemoteJournal(t, folder, remote,
		remoteEntry(t, 1, remote, "notes", "n1", "one", now))
	writeRemoteJournal(t, folder, remote,
		remoteEntry(t, 2, remote, "notes", "n2", "two", now))

	// A snapshot whose second row cannot be applied (no origin device).
	// Taking its atSeq as the watermark would skip both journal files and
	// lose n2 for good once the remote compacts; the cycle must fall back
	// to replaying the journals instead.
	goodData, err := json.Marshal(map[string]string{"id": "n1", "text": "one"})
	require.NoError(t, err)
	badData, err := json.Marshal(map[string]string{"id": "n2", "text": "two"})
	require.NoError(t, err)
	_, err = wire.WriteSnapshot(filepath.Join(folder, wire.SnapshotsDir), &wire.SnapshotFile{
		Version:   wire.FormatVersion,
		Device:    remote,
		AtSeq:     2,
		CreatedAt: now,
		Tables: map[string][]wire.SnapshotRow{
			"notes": {
				{ID: "n1", Data: goodData, UpdatedAt: now, Device: remote},
				{ID: "n2", Data: badData, UpdatedAt: now},
			},
		},
	})
	require.NoError(t, err)

	require.True(t, eng.TriggerSync(ctx))

	assert.Equal(t, "one", noteText(t, st, "n1"))
	assert.Equal(t, "two", noteText(t, st, "n2"))
	wm, err := st.Watermark(ctx, remote)
	require.NoError(t, err)
	assert.EqualValues(t, 2, wm)
}

func TestPull_NeverReadsOwnFolder(t *testing.T) {
	folder := t.TempDir()
	eng, st := testEngine(t, folder, nil)
	ctx := context.Background()

	putNote(t, st, "n1", "mine")
	require.True(t, eng.TriggerSync(ctx))

	// The flushed journal sits in our own subfolder; pulling it back would
	// create a self-replication loop.
	wms, err := st.Watermarks(ctx)
	require.NoError(t, err)
	assert.Empty(t, wms)
	assert.Empty(t, eng.Status().ConnectedDevices)
}

func TestPull_ReportsRemoteMeta(t *testing.T) {
	folder := t.TempDir()
	eng, _ := testEngine(t, folder, nil)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	const remote = "dev-remote"
	require.NoError(t, os.MkdirAll(filepath.Join(folder, remote), 0755))
	require.NoError(t, wire.WriteMeta(filepath.Join(folder, remote), &wire.DeviceMeta{
		DeviceID:   remote,
		DeviceName: "study-laptop",
		Platform:   "darwin",
		LastSeq:    7,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))

	require.True(t, eng.TriggerSync(ctx))

	status := eng.Status()
	require.Len(t, status.ConnectedDevices, 1)
	assert.Equal(t, "study-laptop", status.ConnectedDevices[0].DeviceName)
	assert.Equal(t, "darwin", status.ConnectedDevices[0].Platform)
	assert.EqualValues(t, 7, status.ConnectedDevices[0].LastSeq)
}
