package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sanonone/kektorvec/pkg/core/types"
	"github.com/sanonone/kektorvec/pkg/persistence"
)

// loadSnapshot reads the snapshot file, or creates an empty index when there
// is none yet.
func (e *Engine) loadSnapshot() (*Manager, error) {
	f, err := os.Open(e.snapPath)
	if errors.Is(err, os.ErrNotExist) {
		return New(e.opts.Index)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	idx, err := Load(f, e.opts.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return idx, nil
}

// replayWAL applies the logged mutations to the loaded index. The log may
// overlap the snapshot: inserts of ids already present are skipped, and
// deletes and compactions are idempotent. A torn final frame, left by a crash
// in the middle of a write, is cut off.
func (e *Engine) replayWAL() error {
	f, err := os.Open(e.walPath)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := persistence.ReplayWAL(f, func(entry persistence.Entry) error {
		switch entry.Op {
		case persistence.OpInsert:
			rec := types.Record{ID: entry.ID, Vector: entry.Vector, Metadata: entry.Metadata}
			if err := e.idx.restore(rec); err != nil {
				return fmt.Errorf("%w: wal insert %d: %v", types.ErrCorruptSnapshot, entry.ID, err)
			}
		case persistence.OpDelete:
			e.idx.Delete(entry.ID)
		case persistence.OpCompact:
			if _, err := e.idx.Compact(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if res.TornTail {
		slog.Warn("WAL ends with a torn frame, truncating",
			"path", e.walPath, "valid_bytes", res.ValidBytes, "entries", res.Entries)
		if err := e.wal.TruncateTo(res.ValidBytes); err != nil {
			return fmt.Errorf("failed to truncate torn WAL tail: %w", err)
		}
	}
	e.dirtyCounter.Store(int64(res.Entries))
	slog.Debug("WAL replayed", "entries", res.Entries)
	return nil
}

// Save writes a snapshot and truncates the log.
//
// Mutations are blocked only while the copy-on-write views are captured. The
// snapshot is written to a temporary file, synced and renamed over the old one.
// The log is truncated afterwards unless mutations arrived during the write;
// in that case it is kept whole and the next Save truncates it.
func (e *Engine) Save() error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	e.mu.Lock()
	if e.isClosed() {
		e.mu.Unlock()
		return ErrClosed
	}
	c := e.idx.capture()
	logSize := e.wal.Size()
	dirty := e.dirtyCounter.Load()
	e.mu.Unlock()

	start := time.Now()
	if err := e.writeSnapshotFile(c); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isClosed() {
		return nil
	}
	if e.wal.Size() == logSize {
		if err := e.wal.Truncate(); err != nil {
			return fmt.Errorf("failed to truncate WAL: %w", err)
		}
	}
	e.dirtyCounter.Add(-dirty)
	e.lastSaveTime = time.Now()

	slog.Info("Snapshot saved",
		"path", e.snapPath,
		"snapshot_records", c.manifest.Records,
		"duration", time.Since(start))
	return nil
}

func (e *Engine) writeSnapshotFile(c capture) error {
	tempSnap := e.snapPath + ".tmp"
	f, err := os.Create(tempSnap)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer os.Remove(tempSnap)

	if err := e.idx.write(f, c); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempSnap, e.snapPath); err != nil {
		return fmt.Errorf("failed to install snapshot: %w", err)
	}
	return nil
}
