// Package store provides the embedded SQLite store backing the sync engine.
//
// The database runs in embedded mode using ncruces/go-sqlite3 with WAL for
// concurrent reads. It holds:
//   - the replicated tables (notes, highlights, bookmarks), each a set of
//     opaque JSON documents keyed by id with last-write-wins metadata
//   - the change log: an append-only record of every local mutation, drained
//     into journal files by the flusher
//   - sync watermarks: the highest remote sequence applied per device
//   - device identity and sync configuration
//
// The database file lives in the app's local data directory, never inside
// the synced folder. Storing device identity in a medium the folder provider
// also mirrors would make two physical devices collide on one logical
// identity.
//
// All mutations to replicated tables, local or remote in origin, go through
// the same write path, which appends a change-log entry in the same
// transaction as the data write. A crash can therefore never leave a change
// unlogged, and remote-origin writes remain themselves replicable.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/marginalia-app/marginalia/internal/wire"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Table identifies one replicated table. Keeping this a closed enumeration
// (instead of routing on raw strings) means a new table can't be half-wired:
// the compiler flags every switch that doesn't handle it.
type Table int

const (
	// TableNotes holds free-form note documents.
	TableNotes Table = iota
	// TableHighlights holds text highlight documents.
	TableHighlights
	// TableBookmarks holds reading-position bookmark documents.
	TableBookmarks
)

// Tables returns every replicated table. Order is stable.
func Tables() []Table {
	return []Table{TableNotes, TableHighlights, TableBookmarks}
}

// String returns the table's wire/SQL name.
func (t Table) String() string {
	switch t {
	case TableNotes:
		return "notes"
	case TableHighlights:
		return "highlights"
	case TableBookmarks:
		return "bookmarks"
	default:
		return "unknown"
	}
}

// ParseTable maps a wire table name to its identifier. Returns false for
// tables outside the replicated set; the puller skips those entries.
func ParseTable(name string) (Table, bool) {
	switch name {
	case "notes":
		return TableNotes, true
	case "highlights":
		return TableHighlights, true
	case "bookmarks":
		return TableBookmarks, true
	default:
		return 0, false
	}
}

// Row is one stored document in a replicated table.
type Row struct {
	ID string
	// Data is the serialized document. Opaque to the sync engine.
	Data json.RawMessage
	// UpdatedAt is the last-modified time in Unix milliseconds.
	UpdatedAt int64
	// Origin is the id of the device that produced this version of the row.
	// Breaks last-write-wins ties deterministically.
	Origin string
}

// DeviceInfo is this installation's stable identity.
type DeviceInfo struct {
	DeviceID   string
	DeviceName string
	Platform   string
	CreatedAt  int64
}

// SyncConfig is the locally persisted sync settings.
type SyncConfig struct {
	FolderPath      string
	Enabled         bool
	LastSnapshotSeq int64
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("row not found")

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new store at the specified path, creating the parent
// directory and the schema if needed.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{conn: conn, path: path}

	// WAL for concurrent reads; the engine and the host app share this file.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := s.InitSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection after a WAL checkpoint.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// InitSchema creates all tables and indexes if they don't exist.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext is InitSchema with a caller-supplied context.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS device (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	device_id     TEXT NOT NULL,
	device_name   TEXT NOT NULL,
	platform      TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_config (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	folder_path       TEXT NOT NULL DEFAULT '',
	enabled           INTEGER NOT NULL DEFAULT 0,
	last_snapshot_seq INTEGER NOT NULL DEFAULT 0
);

-- change_log.seq must stay strictly increasing and never be reused, even
-- after compaction prunes old rows. AUTOINCREMENT guarantees that.
CREATE TABLE IF NOT EXISTS change_log (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	tbl        TEXT NOT NULL,
	row_id     TEXT NOT NULL,
	op         TEXT NOT NULL CHECK (op IN ('upsert', 'delete')),
	data       TEXT,
	updated_at INTEGER NOT NULL,
	device_id  TEXT NOT NULL,
	flushed    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_change_log_unflushed ON change_log(flushed, seq);

CREATE TABLE IF NOT EXISTS sync_watermarks (
	device_id TEXT PRIMARY KEY,
	last_seq  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notes (
	id            TEXT PRIMARY KEY,
	data          TEXT NOT NULL,
	updated_at    INTEGER NOT NULL,
	origin_device TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS highlights (
	id            TEXT PRIMARY KEY,
	data          TEXT NOT NULL,
	updated_at    INTEGER NOT NULL,
	origin_device TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bookmarks (
	id            TEXT PRIMARY KEY,
	data          TEXT NOT NULL,
	updated_at    INTEGER NOT NULL,
	origin_device TEXT NOT NULL
);
`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Device returns this installation's identity, generating and persisting it
// on first call. The identity lives only in this database file.
func (s *Store) Device() (*DeviceInfo, error) {
	return s.DeviceContext(context.Background())
}

// DeviceContext is Device with a caller-supplied context.
func (s *Store) DeviceContext(ctx context.Context) (*DeviceInfo, error) {
	var info DeviceInfo
	err := s.conn.QueryRowContext(ctx,
		"SELECT device_id, device_name, platform, created_at FROM device WHERE id = 1").
		Scan(&info.DeviceID, &info.DeviceName, &info.Platform, &info.CreatedAt)
	if err == nil {
		return &info, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load device identity: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info = DeviceInfo{
		DeviceID:   uuid.NewString(),
		DeviceName: hostname,
		Platform:   runtime.GOOS,
		CreatedAt:  time.Now().UnixMilli(),
	}

	_, err = s.conn.ExecContext(ctx,
		"INSERT INTO device (id, device_id, device_name, platform, created_at) VALUES (1, ?, ?, ?, ?)",
		info.DeviceID, info.DeviceName, info.Platform, info.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to persist device identity: %w", err)
	}
	return &info, nil
}

// SyncConfig loads the persisted sync settings. Returns a zero config when
// sync was never configured.
func (s *Store) SyncConfig(ctx context.Context) (*SyncConfig, error) {
	var cfg SyncConfig
	var enabled int
	err := s.conn.QueryRowContext(ctx,
		"SELECT folder_path, enabled, last_snapshot_seq FROM sync_config WHERE id = 1").
		Scan(&cfg.FolderPath, &enabled, &cfg.LastSnapshotSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return &SyncConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync config: %w", err)
	}
	cfg.Enabled = enabled != 0
	return &cfg, nil
}

// SaveSyncConfig persists the sync settings.
func (s *Store) SaveSyncConfig(ctx context.Context, cfg *SyncConfig) error {
	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_config (id, folder_path, enabled, last_snapshot_seq)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			folder_path = excluded.folder_path,
			enabled = excluded.enabled,
			last_snapshot_seq = excluded.last_snapshot_seq`,
		cfg.FolderPath, enabled, cfg.LastSnapshotSeq)
	if err != nil {
		return fmt.Errorf("failed to save sync config: %w", err)
	}
	return nil
}

// PutRow upserts a document through the replicated write path: row write and
// change-log append in one transaction.
func (s *Store) PutRow(ctx context.Context, table Table, id string, data json.RawMessage) error {
	if id == "" {
		return fmt.Errorf("row id is required")
	}
	if len(data) == 0 {
		return fmt.Errorf("row data is required")
	}
	device, err := s.DeviceContext(ctx)
	if err != nil {
		return err
	}
	// Two rapid edits to one row can share a millisecond, and remote devices
	// would discard the second under strict last-write-wins. Bump past the
	// stored timestamp so every local version is distinguishable.
	ts := time.Now().UnixMilli()
	var curTS int64
	err = s.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT updated_at FROM %s WHERE id = ?", table), id).Scan(&curTS)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to look up %s/%s: %w", table, id, err)
	}
	if curTS >= ts {
		ts = curTS + 1
	}

	// A local put always wins over the local copy, so it skips the LWW gate.
	return s.writeRow(ctx, table, wire.ChangeEntry{
		TS:     ts,
		Device: device.DeviceID,
		Table:  table.String(),
		Op:     wire.OpUpsert,
		ID:     id,
		Data:   data,
	})
}

// DeleteRow deletes a document through the replicated write path.
// Deleting an absent row is a no-op and is not logged.
func (s *Store) DeleteRow(ctx context.Context, table Table, id string) error {
	if id == "" {
		return fmt.Errorf("row id is required")
	}
	device, err := s.DeviceContext(ctx)
	if err != nil {
		return err
	}
	_, err = s.applyEntry(ctx, table, wire.ChangeEntry{
		TS:     time.Now().UnixMilli(),
		Device: device.DeviceID,
		Table:  table.String(),
		Op:     wire.OpDelete,
		ID:     id,
	})
	return err
}

// ApplyRemote applies one journal entry from another device through the
// last-write-wins gate. Returns whether local state actually changed so the
// caller can aggregate touched tables for downstream change notification.
//
// Apply rule: an upsert wins if the local row is absent, if the incoming
// updatedAt is strictly greater, or on an exact timestamp tie if the
// incoming origin device id is lexically greater (the documented
// deterministic tie-break). Deletes apply unconditionally. Entries that lose
// are discarded silently, which makes application idempotent.
func (s *Store) ApplyRemote(ctx context.Context, e wire.ChangeEntry) (bool, error) {
	table, ok := ParseTable(e.Table)
	if !ok {
		return false, fmt.Errorf("table %q is not replicated", e.Table)
	}
	if err := e.Validate(); err != nil {
		return false, fmt.Errorf("invalid entry %s/%s: %w", e.Table, e.ID, err)
	}
	return s.applyEntry(ctx, table, e)
}

// ApplySnapshotRow feeds one snapshot row through the same apply gate as
// journal entries. Safe to run against a non-empty table: local rows with
// strictly newer timestamps survive. A row without an origin device or
// timestamp is rejected; both are required for the last-write-wins compare
// against any future entry for the same id.
func (s *Store) ApplySnapshotRow(ctx context.Context, table Table, row wire.SnapshotRow) (bool, error) {
	if row.Device == "" {
		return false, fmt.Errorf("snapshot row %s/%s has no origin device", table, row.ID)
	}
	if row.UpdatedAt <= 0 {
		return false, fmt.Errorf("snapshot row %s/%s has no timestamp", table, row.ID)
	}
	return s.applyEntry(ctx, table, wire.ChangeEntry{
		TS:     row.UpdatedAt,
		Device: row.Device,
		Table:  table.String(),
		Op:     wire.OpUpsert,
		ID:     row.ID,
		Data:   row.Data,
	})
}

// applyEntry is the single write routine every mutation funnels through.
// It decides last-write-wins, then performs the row write and the change-log
// append in one transaction. Discarded entries touch nothing.
func (s *Store) applyEntry(ctx context.Context, table Table, e wire.ChangeEntry) (bool, error) {
	var curUpdatedAt int64
	var curOrigin string
	exists := true
	err := s.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT updated_at, origin_device FROM %s WHERE id = ?", table),
		e.ID).Scan(&curUpdatedAt, &curOrigin)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return false, fmt.Errorf("failed to look up %s/%s: %w", table, e.ID, err)
	}

	switch e.Op {
	case wire.OpDelete:
		if !exists {
			return false, nil
		}
	case wire.OpUpsert:
		if exists && !wins(e.TS, e.Device, curUpdatedAt, curOrigin) {
			return false, nil
		}
	default:
		return false, fmt.Errorf("unknown op %q", e.Op)
	}

	return true, s.writeRow(ctx, table, e)
}

// wins reports whether an incoming (ts, device) version beats the stored
// one. Strictly greater timestamp wins; an exact tie falls back to lexical
// device-id order so every device resolves it identically.
func wins(ts int64, device string, curTS int64, curDevice string) bool {
	if ts != curTS {
		return ts > curTS
	}
	return device > curDevice
}

// writeRow performs the transactional row mutation plus change-log append.
// Both succeed or fail together; otherwise a change could go silently
// unreplicated.
func (s *Store) writeRow(ctx context.Context, table Table, e wire.ChangeEntry) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	switch e.Op {
	case wire.OpUpsert:
		query := fmt.Sprintf(`
			INSERT INTO %s (id, data, updated_at, origin_device)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				data = excluded.data,
				updated_at = excluded.updated_at,
				origin_device = excluded.origin_device`, table)
		if _, err := tx.ExecContext(ctx, query, e.ID, string(e.Data), e.TS, e.Device); err != nil {
			return fmt.Errorf("failed to upsert %s/%s: %w", table, e.ID, err)
		}
	case wire.OpDelete:
		query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", table)
		if _, err := tx.ExecContext(ctx, query, e.ID); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", table, e.ID, err)
		}
	}

	var data any
	if len(e.Data) > 0 {
		data = string(e.Data)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO change_log (tbl, row_id, op, data, updated_at, device_id, flushed)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		table.String(), e.ID, string(e.Op), data, e.TS, e.Device)
	if err != nil {
		return fmt.Errorf("failed to append change log for %s/%s: %w", table, e.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s/%s: %w", table, e.ID, err)
	}
	return nil
}

// GetRow fetches one document. Returns ErrNotFound if absent.
func (s *Store) GetRow(ctx context.Context, table Table, id string) (*Row, error) {
	var row Row
	var data string
	err := s.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, data, updated_at, origin_device FROM %s WHERE id = ?", table),
		id).Scan(&row.ID, &data, &row.UpdatedAt, &row.Origin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", table, id, err)
	}
	row.Data = json.RawMessage(data)
	return &row, nil
}

// ListRows returns every document in a table, ordered by id.
func (s *Store) ListRows(ctx context.Context, table Table) ([]Row, error) {
	rows, err := s.conn.QueryContext(ctx,
		fmt.Sprintf("SELECT id, data, updated_at, origin_device FROM %s ORDER BY id", table))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		var row Row
		var data string
		if err := rows.Scan(&row.ID, &data, &row.UpdatedAt, &row.Origin); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		row.Data = json.RawMessage(data)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", table, err)
	}
	return result, nil
}

// ExportTables returns every replicated table's current rows, for snapshot
// writing.
func (s *Store) ExportTables(ctx context.Context) (map[Table][]Row, error) {
	out := make(map[Table][]Row, len(Tables()))
	for _, table := range Tables() {
		rows, err := s.ListRows(ctx, table)
		if err != nil {
			return nil, err
		}
		out[table] = rows
	}
	return out, nil
}

// UnflushedEntries returns all change-log rows not yet written to a journal
// file, in ascending sequence order.
func (s *Store) UnflushedEntries(ctx context.Context) ([]wire.ChangeEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT seq, tbl, row_id, op, data, updated_at, device_id
		FROM change_log WHERE flushed = 0 ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unflushed entries: %w", err)
	}
	defer rows.Close()

	var entries []wire.ChangeEntry
	for rows.Next() {
		var e wire.ChangeEntry
		var op string
		var data sql.NullString
		if err := rows.Scan(&e.Seq, &e.Table, &e.ID, &op, &data, &e.TS, &e.Device); err != nil {
			return nil, fmt.Errorf("failed to scan change log row: %w", err)
		}
		e.Op = wire.Op(op)
		if data.Valid {
			e.Data = json.RawMessage(data.String)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate change log: %w", err)
	}
	return entries, nil
}

// MarkFlushed marks every unflushed change-log row up to and including
// maxSeq as flushed.
func (s *Store) MarkFlushed(ctx context.Context, maxSeq int64) error {
	_, err := s.conn.ExecContext(ctx,
		"UPDATE change_log SET flushed = 1 WHERE flushed = 0 AND seq <= ?", maxSeq)
	if err != nil {
		return fmt.Errorf("failed to mark entries flushed: %w", err)
	}
	return nil
}

// PendingCount returns how many change-log rows await flushing.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM change_log WHERE flushed = 0").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

// MaxSeq returns the highest sequence number ever issued by this device.
// Reads sqlite_sequence so the answer survives change-log pruning.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var max int64
	err := s.conn.QueryRowContext(ctx,
		"SELECT COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'change_log'), 0)").Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max seq: %w", err)
	}
	return max, nil
}

// PruneChangeLog removes flushed change-log rows with seq <= upTo. Called by
// compaction once those rows are folded into a snapshot. Unflushed rows are
// never pruned regardless of seq.
func (s *Store) PruneChangeLog(ctx context.Context, upTo int64) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		"DELETE FROM change_log WHERE flushed = 1 AND seq <= ?", upTo)
	if err != nil {
		return 0, fmt.Errorf("failed to prune change log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned rows: %w", err)
	}
	return n, nil
}

// Watermark returns the highest sequence number from the given remote device
// fully applied locally. Zero means nothing applied yet.
func (s *Store) Watermark(ctx context.Context, deviceID string) (int64, error) {
	var seq int64
	err := s.conn.QueryRowContext(ctx,
		"SELECT last_seq FROM sync_watermarks WHERE device_id = ?", deviceID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark for %s: %w", deviceID, err)
	}
	return seq, nil
}

// SetWatermark advances the watermark for a remote device. Monotonic: a
// value below the stored one is ignored.
func (s *Store) SetWatermark(ctx context.Context, deviceID string, seq int64) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_watermarks (device_id, last_seq) VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			last_seq = MAX(last_seq, excluded.last_seq)`,
		deviceID, seq)
	if err != nil {
		return fmt.Errorf("failed to set watermark for %s: %w", deviceID, err)
	}
	return nil
}

// Watermarks returns every known remote device's watermark.
func (s *Store) Watermarks(ctx context.Context) (map[string]int64, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT device_id, last_seq FROM sync_watermarks ORDER BY device_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var dev string
		var seq int64
		if err := rows.Scan(&dev, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		out[dev] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate watermarks: %w", err)
	}
	return out, nil
}
