package wire

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// SnapshotsDir is the name of the shared snapshot directory inside the sync
// folder. Device subfolders must never use this name.
const SnapshotsDir = "snapshots"

// MetaFileName is the per-device metadata filename.
const MetaFileName = "meta.json"

// JournalFileName returns the canonical filename for a journal batch whose
// highest sequence number is seq: zero-padded so lexical order equals
// numeric order.
func JournalFileName(seq int64) string {
	return fmt.Sprintf("%010d.json", seq)
}

// ParseJournalSeq extracts the sequence number encoded in a journal filename.
// Returns false for names that are not journal batches (meta.json, temp
// files, foreign files dropped into the folder).
func ParseJournalSeq(name string) (int64, bool) {
	if !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	base := strings.TrimSuffix(name, ".json")
	if len(base) != 10 {
		return 0, false
	}
	seq, err := strconv.ParseInt(base, 10, 64)
	if err != nil || seq <= 0 {
		return 0, false
	}
	return seq, true
}

// SnapshotFileName returns the canonical filename for a device's snapshot at
// the given sequence point: {device_id}_{seq}.json.
func SnapshotFileName(deviceID string, atSeq int64) string {
	return fmt.Sprintf("%s_%d.json", deviceID, atSeq)
}

// ParseSnapshotName splits a snapshot filename into device id and sequence.
// The device id itself may contain underscores, so the split is on the last
// one.
func ParseSnapshotName(name string) (deviceID string, atSeq int64, ok bool) {
	if !strings.HasSuffix(name, ".json") {
		return "", 0, false
	}
	base := strings.TrimSuffix(name, ".json")
	idx := strings.LastIndex(base, "_")
	if idx <= 0 || idx == len(base)-1 {
		return "", 0, false
	}
	seq, err := strconv.ParseInt(base[idx+1:], 10, 64)
	if err != nil || seq < 0 {
		return "", 0, false
	}
	return base[:idx], seq, true
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by a rename, so other devices reading through the synced folder
// never see a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}

// WriteJournal validates and writes a journal file into the device directory,
// named by its highest sequence number. Returns the written path.
func WriteJournal(deviceDir string, j *JournalFile) (string, error) {
	if err := j.Validate(); err != nil {
		return "", fmt.Errorf("cannot write invalid journal: %w", err)
	}

	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal journal: %w", err)
	}

	path := filepath.Join(deviceDir, JournalFileName(j.MaxSeq()))
	if err := WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// ReadJournal reads and parses a journal file. A version mismatch is
// reported as ErrUnsupportedVersion (wrapped) so callers can distinguish
// "skip this file" from corruption.
func ReadJournal(path string) (*JournalFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal %s: %w", path, err)
	}

	var j JournalFile
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to parse journal %s: %w", path, err)
	}
	if j.Version != FormatVersion {
		return nil, fmt.Errorf("journal %s declares version %d: %w", path, j.Version, ErrUnsupportedVersion)
	}
	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("invalid journal %s: %w", path, err)
	}
	return &j, nil
}

// WriteSnapshot validates and writes a snapshot into the shared snapshots
// directory. Returns the written path.
func WriteSnapshot(snapshotsDir string, s *SnapshotFile) (string, error) {
	if err := s.Validate(); err != nil {
		return "", fmt.Errorf("cannot write invalid snapshot: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	path := filepath.Join(snapshotsDir, SnapshotFileName(s.Device, s.AtSeq))
	if err := WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// ReadSnapshot reads and parses a snapshot file, with the same version
// handling as ReadJournal.
func ReadSnapshot(path string) (*SnapshotFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}

	var s SnapshotFile
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	if s.Version != FormatVersion {
		return nil, fmt.Errorf("snapshot %s declares version %d: %w", path, s.Version, ErrUnsupportedVersion)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid snapshot %s: %w", path, err)
	}
	return &s, nil
}

// WriteMeta writes a device's meta.json into its directory.
func WriteMeta(deviceDir string, m *DeviceMeta) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid meta: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}
	return WriteFileAtomic(filepath.Join(deviceDir, MetaFileName), data)
}

// ReadMeta reads a device's meta.json.
func ReadMeta(deviceDir string) (*DeviceMeta, error) {
	path := filepath.Join(deviceDir, MetaFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read meta %s: %w", path, err)
	}

	var m DeviceMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse meta %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid meta %s: %w", path, err)
	}
	return &m, nil
}

// JournalRef points at one journal file on disk.
type JournalRef struct {
	Seq  int64
	Path string
}

// ListJournals returns the journal files in a device directory sorted by
// ascending sequence number. Files whose names don't parse as journal
// batches are ignored. A missing directory is treated as empty: the device
// may not have flushed anything yet, or the folder provider may not have
// propagated it.
func ListJournals(deviceDir string) ([]JournalRef, error) {
	entries, err := os.ReadDir(deviceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read device directory %s: %w", deviceDir, err)
	}

	var refs []JournalRef
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		seq, ok := ParseJournalSeq(entry.Name())
		if !ok {
			continue
		}
		refs = append(refs, JournalRef{Seq: seq, Path: filepath.Join(deviceDir, entry.Name())})
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Seq < refs[j].Seq })
	return refs, nil
}

// LatestSnapshot finds the newest snapshot (highest atSeq) for the given
// device in the snapshots directory. Returns ok=false if the device has no
// snapshot yet or the directory doesn't exist.
func LatestSnapshot(snapshotsDir, deviceID string) (path string, atSeq int64, ok bool, err error) {
	entries, err := os.ReadDir(snapshotsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("failed to read snapshots directory %s: %w", snapshotsDir, err)
	}

	best := int64(-1)
	bestName := ""
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		dev, seq, parsed := ParseSnapshotName(entry.Name())
		if !parsed || dev != deviceID {
			continue
		}
		if seq > best {
			best = seq
			bestName = entry.Name()
		}
	}

	if best < 0 {
		return "", 0, false, nil
	}
	return filepath.Join(snapshotsDir, bestName), best, true, nil
}

// ListSnapshots returns every snapshot for the given device, sorted by
// ascending atSeq. Used by compaction to prune superseded snapshots.
func ListSnapshots(snapshotsDir, deviceID string) ([]JournalRef, error) {
	entries, err := os.ReadDir(snapshotsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshots directory %s: %w", snapshotsDir, err)
	}

	var refs []JournalRef
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		dev, seq, parsed := ParseSnapshotName(entry.Name())
		if !parsed || dev != deviceID {
			continue
		}
		refs = append(refs, JournalRef{Seq: seq, Path: filepath.Join(snapshotsDir, entry.Name())})
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Seq < refs[j].Seq })
	return refs, nil
}
