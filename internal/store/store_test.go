package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/marginalia-app/marginalia/internal/wire"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := testStore(t)

	tables := []string{"device", "sync_config", "change_log", "sync_watermarks", "notes", "highlights", "bookmarks"}
	for _, table := range tables {
		var count int
		err := s.conn.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestDevice_StableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	first, err := s.Device()
	if err != nil {
		t.Fatalf("Device() failed: %v", err)
	}
	if first.DeviceID == "" {
		t.Fatal("Device() returned empty id")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	second, err := s.Device()
	if err != nil {
		t.Fatalf("Device() after reopen failed: %v", err)
	}
	if second.DeviceID != first.DeviceID {
		t.Errorf("device id changed across reopen: %q != %q", second.DeviceID, first.DeviceID)
	}
}

func TestParseTable(t *testing.T) {
	for _, table := range Tables() {
		got, ok := ParseTable(table.String())
		if !ok || got != table {
			t.Errorf("ParseTable(%q) = (%v, %v)", table.String(), got, ok)
		}
	}
	if _, ok := ParseTable("users"); ok {
		t.Error("ParseTable accepted an unreplicated table")
	}
}

func TestPutRow_AppendsChangeLog(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.PutRow(ctx, TableNotes, "n1", json.RawMessage(`{"id":"n1","text":"hello"}`)); err != nil {
		t.Fatalf("PutRow() failed: %v", err)
	}

	row, err := s.GetRow(ctx, TableNotes, "n1")
	if err != nil {
		t.Fatalf("GetRow() failed: %v", err)
	}
	if row.UpdatedAt == 0 || row.Origin == "" {
		t.Errorf("row missing LWW metadata: %+v", row)
	}

	entries, err := s.UnflushedEntries(ctx)
	if err != nil {
		t.Fatalf("UnflushedEntries() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 unflushed entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Seq != 1 || e.Table != "notes" || e.Op != wire.OpUpsert || e.ID != "n1" {
		t.Errorf("unexpected change entry: %+v", e)
	}

	pending, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("PendingCount() = %d, want 1", pending)
	}
}

func TestUnflushedEntries_OrderAndFlush(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.PutRow(ctx, TableHighlights, id, json.RawMessage(`{"x":1}`)); err != nil {
			t.Fatalf("PutRow(%s) failed: %v", id, err)
		}
	}

	entries, err := s.UnflushedEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entries[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}

	if err := s.MarkFlushed(ctx, 2); err != nil {
		t.Fatalf("MarkFlushed() failed: %v", err)
	}
	entries, err = s.UnflushedEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Seq != 3 {
		t.Errorf("after partial flush, entries = %+v", entries)
	}
}

func TestDeleteRow_AbsentIsNoOp(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.DeleteRow(ctx, TableNotes, "ghost"); err != nil {
		t.Fatalf("DeleteRow() on absent row failed: %v", err)
	}
	pending, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pending != 0 {
		t.Errorf("no-op delete logged a change (pending=%d)", pending)
	}
}

func remoteUpsert(device, id string, ts int64, text string) wire.ChangeEntry {
	return wire.ChangeEntry{
		Seq:    1,
		TS:     ts,
		Device: device,
		Table:  "notes",
		Op:     wire.OpUpsert,
		ID:     id,
		Data:   json.RawMessage(`{"text":"` + text + `"}`),
	}
}

func TestApplyRemote_LastWriteWins(t *testing.T) {
	older := remoteUpsert("dev-b", "n1", 100, "old")
	newer := remoteUpsert("dev-c", "n1", 200, "new")

	// Either application order must converge on the t=200 version.
	orders := [][]wire.ChangeEntry{
		{older, newer},
		{newer, older},
	}
	for i, order := range orders {
		s := testStore(t)
		ctx := context.Background()
		for _, e := range order {
			if _, err := s.ApplyRemote(ctx, e); err != nil {
				t.Fatalf("order %d: ApplyRemote() failed: %v", i, err)
			}
		}
		row, err := s.GetRow(ctx, TableNotes, "n1")
		if err != nil {
			t.Fatalf("order %d: GetRow() failed: %v", i, err)
		}
		if row.UpdatedAt != 200 || row.Origin != "dev-c" {
			t.Errorf("order %d: row = %+v, want t=200 from dev-c", i, row)
		}
	}
}

func TestApplyRemote_ChangedFlag(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	changed, err := s.ApplyRemote(ctx, remoteUpsert("dev-b", "n1", 200, "new"))
	if err != nil || !changed {
		t.Fatalf("first apply: changed=%v err=%v, want true, nil", changed, err)
	}

	// Losing entry is discarded silently.
	changed, err = s.ApplyRemote(ctx, remoteUpsert("dev-b", "n1", 100, "old"))
	if err != nil || changed {
		t.Errorf("stale apply: changed=%v err=%v, want false, nil", changed, err)
	}
}

func TestApplyRemote_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := remoteUpsert("dev-b", "n1", 150, "hello")
	if _, err := s.ApplyRemote(ctx, e); err != nil {
		t.Fatal(err)
	}
	changed, err := s.ApplyRemote(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("replaying the same entry reported a change")
	}

	row, err := s.GetRow(ctx, TableNotes, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if row.UpdatedAt != 150 {
		t.Errorf("row = %+v", row)
	}
}

func TestApplyRemote_TieBreakByDeviceID(t *testing.T) {
	fromB := remoteUpsert("dev-b", "n1", 100, "from-b")
	fromC := remoteUpsert("dev-c", "n1", 100, "from-c")

	orders := [][]wire.ChangeEntry{
		{fromB, fromC},
		{fromC, fromB},
	}
	for i, order := range orders {
		s := testStore(t)
		ctx := context.Background()
		for _, e := range order {
			if _, err := s.ApplyRemote(ctx, e); err != nil {
				t.Fatalf("order %d: %v", i, err)
			}
		}
		row, err := s.GetRow(ctx, TableNotes, "n1")
		if err != nil {
			t.Fatal(err)
		}
		// Lexically greater device id wins the exact-timestamp tie.
		if row.Origin != "dev-c" {
			t.Errorf("order %d: tie resolved to %s, want dev-c", i, row.Origin)
		}
	}
}

func TestApplyRemote_DeleteUnconditional(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.ApplyRemote(ctx, remoteUpsert("dev-b", "n1", 500, "late")); err != nil {
		t.Fatal(err)
	}

	// Whole-row delete applies even with an older timestamp.
	del := wire.ChangeEntry{
		Seq: 2, TS: 100, Device: "dev-c", Table: "notes", Op: wire.OpDelete, ID: "n1",
	}
	changed, err := s.ApplyRemote(ctx, del)
	if err != nil || !changed {
		t.Fatalf("delete: changed=%v err=%v", changed, err)
	}
	if _, err := s.GetRow(ctx, TableNotes, "n1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRow() after delete = %v, want ErrNotFound", err)
	}

	// Replaying the delete is a no-op.
	changed, err = s.ApplyRemote(ctx, del)
	if err != nil || changed {
		t.Errorf("replayed delete: changed=%v err=%v, want false, nil", changed, err)
	}
}

func TestApplyRemote_RejectsUnknownTable(t *testing.T) {
	s := testStore(t)
	e := remoteUpsert("dev-b", "n1", 100, "x")
	e.Table = "users"
	if _, err := s.ApplyRemote(context.Background(), e); err == nil {
		t.Error("ApplyRemote() accepted an unreplicated table")
	}
}

func TestApplyRemote_StaysReplicable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.ApplyRemote(ctx, remoteUpsert("dev-b", "n1", 100, "x")); err != nil {
		t.Fatal(err)
	}

	// The applied remote change lands in the local change log so it gets
	// relayed to devices that can't see dev-b's folder yet.
	entries, err := s.UnflushedEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Device != "dev-b" {
		t.Errorf("unflushed entries = %+v, want one entry preserving origin dev-b", entries)
	}
}

func TestWatermark_Monotonic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	wm, err := s.Watermark(ctx, "dev-b")
	if err != nil || wm != 0 {
		t.Fatalf("initial watermark = %d, %v", wm, err)
	}

	if err := s.SetWatermark(ctx, "dev-b", 10); err != nil {
		t.Fatal(err)
	}
	if err := s.SetWatermark(ctx, "dev-b", 5); err != nil {
		t.Fatal(err)
	}

	wm, err = s.Watermark(ctx, "dev-b")
	if err != nil {
		t.Fatal(err)
	}
	if wm != 10 {
		t.Errorf("watermark regressed to %d, want 10", wm)
	}
}

func TestMaxSeq_SurvivesPrune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.PutRow(ctx, TableBookmarks, id, json.RawMessage(`{"p":1}`)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkFlushed(ctx, 3); err != nil {
		t.Fatal(err)
	}

	pruned, err := s.PruneChangeLog(ctx, 3)
	if err != nil {
		t.Fatalf("PruneChangeLog() failed: %v", err)
	}
	if pruned != 3 {
		t.Errorf("pruned %d rows, want 3", pruned)
	}

	maxSeq, err := s.MaxSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if maxSeq != 3 {
		t.Errorf("MaxSeq() = %d after prune, want 3", maxSeq)
	}

	// The next write must not reuse a pruned sequence number.
	if err := s.PutRow(ctx, TableBookmarks, "d", json.RawMessage(`{"p":1}`)); err != nil {
		t.Fatal(err)
	}
	entries, err := s.UnflushedEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Seq != 4 {
		t.Errorf("post-prune entry = %+v, want seq 4", entries)
	}
}

func TestPruneChangeLog_KeepsUnflushed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.PutRow(ctx, TableNotes, "a", json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}

	pruned, err := s.PruneChangeLog(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 0 {
		t.Errorf("pruned %d unflushed rows", pruned)
	}
}

func TestSyncConfig_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cfg, err := s.SyncConfig(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Enabled || cfg.FolderPath != "" {
		t.Errorf("unconfigured store returned %+v", cfg)
	}

	want := &SyncConfig{FolderPath: "/tmp/folder", Enabled: true, LastSnapshotSeq: 42}
	if err := s.SaveSyncConfig(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.SyncConfig(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *want {
		t.Errorf("SyncConfig() = %+v, want %+v", got, want)
	}
}

func TestExportTables(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.PutRow(ctx, TableNotes, "n1", json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.PutRow(ctx, TableHighlights, "h1", json.RawMessage(`{"x":2}`)); err != nil {
		t.Fatal(err)
	}

	exported, err := s.ExportTables(ctx)
	if err != nil {
		t.Fatalf("ExportTables() failed: %v", err)
	}
	if len(exported) != len(Tables()) {
		t.Errorf("exported %d tables, want %d", len(exported), len(Tables()))
	}
	if len(exported[TableNotes]) != 1 || len(exported[TableHighlights]) != 1 || len(exported[TableBookmarks]) != 0 {
		t.Errorf("unexpected export: %+v", exported)
	}
}

func TestApplySnapshotRow_RejectsIncompleteRows(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	data := json.RawMessage(`{"id":"n1"}`)

	if _, err := s.ApplySnapshotRow(ctx, TableNotes, wire.SnapshotRow{
		ID: "n1", Data: data, UpdatedAt: 100,
	}); err == nil {
		t.Error("expected error for row without origin device")
	}
	if _, err := s.ApplySnapshotRow(ctx, TableNotes, wire.SnapshotRow{
		ID: "n1", Data: data, Device: "dev-a",
	}); err == nil {
		t.Error("expected error for row without timestamp")
	}
	if _, err := s.GetRow(ctx, TableNotes, "n1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected row must not be written, got %v", err)
	}
}
