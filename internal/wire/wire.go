// Package wire defines the file formats exchanged through the shared sync
// folder: journal batches, snapshots, and per-device metadata.
//
// Every device owns one subfolder of the sync folder and only ever writes
// inside it (plus the shared snapshots/ directory, where filenames are
// device-prefixed). Files are written atomically (temp file + rename) so a
// reader never observes a partial write.
//
// Folder layout:
//
//	sync_folder/
//	  {device_id}/meta.json
//	  {device_id}/{seq:010d}.json      journal batches
//	  snapshots/{device_id}_{seq}.json
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FormatVersion is the journal/snapshot format version this build writes.
// Files with a different version are skipped by the puller, not treated as
// corruption.
const FormatVersion = 1

// ErrUnsupportedVersion is returned when a journal or snapshot file declares
// a format version this build does not understand.
var ErrUnsupportedVersion = errors.New("unsupported file format version")

// Op is the kind of mutation a change entry carries.
type Op string

const (
	// OpUpsert replaces the whole row with the entry's data.
	OpUpsert Op = "upsert"
	// OpDelete removes the row. Delete entries carry no data.
	OpDelete Op = "delete"
)

// Valid reports whether op is a known operation.
func (op Op) Valid() bool {
	return op == OpUpsert || op == OpDelete
}

// ChangeEntry is one replicated mutation inside a journal file.
//
// The table name stays a plain string on the wire so that a file containing
// tables from a newer app version still parses; unknown tables are ignored
// entry-by-entry at apply time.
type ChangeEntry struct {
	// Seq is the origin device's monotonic sequence number. Never reused.
	Seq int64 `json:"seq"`
	// TS is the row's last-modified time in Unix milliseconds. Conflicts
	// between devices are resolved by comparing this value.
	TS int64 `json:"ts"`
	// Device is the origin device id.
	Device string `json:"device"`
	// Table names the replicated table the row belongs to.
	Table string `json:"table"`
	// Op is upsert or delete.
	Op Op `json:"op"`
	// ID is the row id within the table.
	ID string `json:"id"`
	// Data is the serialized row for upserts; absent for deletes.
	Data json.RawMessage `json:"data,omitempty"`
}

// Validate checks that the entry is structurally sound.
func (e *ChangeEntry) Validate() error {
	if e.Seq <= 0 {
		return fmt.Errorf("seq must be positive (got %d)", e.Seq)
	}
	if e.Device == "" {
		return fmt.Errorf("device is required")
	}
	if e.Table == "" {
		return fmt.Errorf("table is required")
	}
	if !e.Op.Valid() {
		return fmt.Errorf("unknown op %q", e.Op)
	}
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Op == OpUpsert && len(e.Data) == 0 {
		return fmt.Errorf("upsert entry %s/%s has no data", e.Table, e.ID)
	}
	if e.TS <= 0 {
		return fmt.Errorf("ts is required")
	}
	return nil
}

// JournalFile is a batch of change entries flushed by one device.
// The filename encodes the batch's highest sequence number.
type JournalFile struct {
	Version int           `json:"version"`
	Device  string        `json:"device"`
	Entries []ChangeEntry `json:"entries"`
}

// Validate checks the journal's structure: entries present, sequence numbers
// strictly ascending. Entry device ids may differ from the journal's device:
// remote-origin changes stay replicable and are relayed under the relaying
// device's sequence stream.
func (j *JournalFile) Validate() error {
	if j.Device == "" {
		return fmt.Errorf("device is required")
	}
	if len(j.Entries) == 0 {
		return fmt.Errorf("journal has no entries")
	}
	var prev int64
	for i := range j.Entries {
		e := &j.Entries[i]
		if err := e.Validate(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if e.Seq <= prev {
			return fmt.Errorf("entry %d: seq %d not ascending (previous %d)", i, e.Seq, prev)
		}
		prev = e.Seq
	}
	return nil
}

// MaxSeq returns the highest sequence number in the journal.
// The journal must have passed Validate, so this is the last entry.
func (j *JournalFile) MaxSeq() int64 {
	if len(j.Entries) == 0 {
		return 0
	}
	return j.Entries[len(j.Entries)-1].Seq
}

// SnapshotRow is one exported row inside a snapshot file. It carries the
// conflict-resolution fields (UpdatedAt, Device) alongside the opaque row
// data so importing goes through the same last-write-wins gate as journal
// entries.
type SnapshotRow struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt int64           `json:"updatedAt"`
	Device    string          `json:"device"`
}

// SnapshotFile is a consistent full export of every replicated table at one
// sequence point, used for new-device bootstrap and compaction.
type SnapshotFile struct {
	Version   int                      `json:"version"`
	Device    string                   `json:"device"`
	AtSeq     int64                    `json:"atSeq"`
	CreatedAt int64                    `json:"createdAt"`
	Tables    map[string][]SnapshotRow `json:"tables"`
}

// Validate checks the snapshot's structure.
func (s *SnapshotFile) Validate() error {
	if s.Device == "" {
		return fmt.Errorf("device is required")
	}
	if s.AtSeq < 0 {
		return fmt.Errorf("atSeq must be non-negative (got %d)", s.AtSeq)
	}
	for table, rows := range s.Tables {
		for i, row := range rows {
			if row.ID == "" {
				return fmt.Errorf("table %s row %d: id is required", table, i)
			}
			if len(row.Data) == 0 {
				return fmt.Errorf("table %s row %s: data is required", table, row.ID)
			}
		}
	}
	return nil
}

// DeviceMeta is the per-device metadata file ({device_id}/meta.json).
// It is advisory: the puller uses it for device names in status output,
// never for correctness decisions.
type DeviceMeta struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Platform   string `json:"platform"`
	LastSeq    int64  `json:"lastSeq"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// Validate checks the metadata's structure.
func (m *DeviceMeta) Validate() error {
	if m.DeviceID == "" {
		return fmt.Errorf("deviceId is required")
	}
	if m.LastSeq < 0 {
		return fmt.Errorf("lastSeq must be non-negative (got %d)", m.LastSeq)
	}
	return nil
}
