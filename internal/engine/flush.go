package engine

import (
	"context"
	"path/filepath"

	"github.com/marginalia-app/marginalia/internal/wire"
)

// flush drains the unflushed change log into one journal file in this
// device's subfolder.
//
// Ordering matters for crash safety: the journal file is renamed into place
// first, then the entries are marked flushed, and meta.json is rewritten
// last. A crash at any point either retries the same entries next cycle
// (replayed files are idempotent for readers) or leaves meta.json behind the
// truth, never ahead of it.
func (e *Engine) flush(ctx context.Context, folder string) error {
	entries, err := e.store.UnflushedEntries(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	e.mu.Lock()
	device := e.device
	e.mu.Unlock()

	journal := &wire.JournalFile{
		Version: wire.FormatVersion,
		Device:  device.DeviceID,
		Entries: entries,
	}

	deviceDir := filepath.Join(folder, device.DeviceID)
	path, err := wire.WriteJournal(deviceDir, journal)
	if err != nil {
		return &IOError{Op: "write journal", Path: deviceDir, Err: err}
	}

	if err := e.store.MarkFlushed(ctx, journal.MaxSeq()); err != nil {
		return err
	}

	if err := e.writeMeta(ctx, deviceDir); err != nil {
		return err
	}

	e.config.Logger.Printf("Flushed %d entries to %s", len(entries), path)
	return nil
}
