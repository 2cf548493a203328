// Package engine provides the high-level, embedded interface for kektorvec.
//
// Manager ties the vector storage, the proximity graph and the query engine
// into one consistent index held in memory. Engine adds durability on top of
// a Manager: every mutation is recorded in a write-ahead log and the whole
// index is periodically written to a snapshot file, so a restart loads the
// snapshot and replays the log.
//
// Basic usage:
//
//	opts := engine.DefaultOptions("./data", 1536)
//	db, err := engine.Open(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sanonone/kektorvec/pkg/core/types"
	"github.com/sanonone/kektorvec/pkg/embeddings"
	"github.com/sanonone/kektorvec/pkg/persistence"
	"github.com/sanonone/kektorvec/pkg/query"
)

const (
	// SnapshotFilename is the snapshot file inside DataDir.
	SnapshotFilename = "index.kvs"
	// WALFilename is the write-ahead log inside DataDir.
	WALFilename = "index.wal"
)

// ErrClosed is returned by mutations on a closed Engine.
var ErrClosed = errors.New("engine closed")

// Options configures the behavior of the Engine, including persistence paths
// and automatic maintenance policies.
type Options struct {
	// DataDir is the directory where the snapshot and the log are stored.
	// It is created automatically if it does not exist.
	DataDir string

	// Index is the configuration of the index. When a snapshot exists it must
	// agree with it, see Load.
	Index Config

	// AutoSaveInterval defines how much time must pass since the last save
	// before a new snapshot is triggered (if AutoSaveThreshold is also met).
	// Set to 0 to disable auto-saving.
	AutoSaveInterval time.Duration

	// AutoSaveThreshold defines how many write operations must occur
	// before a new snapshot is triggered (if AutoSaveInterval is also met).
	// Set to 0 to disable auto-saving.
	AutoSaveThreshold int64

	// MaintenanceInterval defines how often the tombstone ratio is checked.
	MaintenanceInterval time.Duration

	// CompactThreshold triggers a compaction when tombstones make up at least
	// this fraction of the graph. Set to 0 to disable automatic compaction.
	CompactThreshold float64

	// FsyncInterval is the period of the background log fsync. Set to 0 to
	// fsync only on Save and Close.
	FsyncInterval time.Duration
}

// DefaultOptions returns a standard configuration suitable for most use cases.
//
// Defaults:
//   - AutoSave: every 60s if at least 1000 changes occurred
//   - Compaction: checked every 10s, runs at 20% tombstones
//   - Log fsync: every second
func DefaultOptions(dataDir string, dim int) Options {
	return Options{
		DataDir:             dataDir,
		Index:               DefaultConfig(dim),
		AutoSaveInterval:    60 * time.Second,
		AutoSaveThreshold:   1000,
		MaintenanceInterval: 10 * time.Second,
		CompactThreshold:    0.2,
		FsyncInterval:       persistence.DefaultSyncInterval,
	}
}

// Engine is a durable index. Use Open to initialize an Engine and Close to
// shut it down gracefully.
type Engine struct {
	idx *Manager
	wal *persistence.WALWriter

	opts     Options
	walPath  string
	snapPath string

	// mu orders mutations with their log entries, so the log replays in the
	// order the index applied them.
	mu sync.Mutex

	// adminMu serializes Save calls.
	adminMu      sync.Mutex
	dirtyCounter atomic.Int64
	lastSaveTime time.Time

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open initializes a new Engine instance using the provided options.
//
// It performs the following actions:
// 1. Creates DataDir if missing.
// 2. Loads the snapshot if available.
// 3. Replays the log to recover the mutations made after the snapshot.
// 4. Starts background goroutines for auto-saving and compaction.
//
// This method blocks until the index is fully loaded and ready.
func Open(opts Options) (*Engine, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	e := &Engine{
		opts:         opts,
		walPath:      filepath.Join(opts.DataDir, WALFilename),
		snapPath:     filepath.Join(opts.DataDir, SnapshotFilename),
		lastSaveTime: time.Now(),
		closed:       make(chan struct{}),
	}

	// 1. Load Snapshot if exists
	idx, err := e.loadSnapshot()
	if err != nil {
		return nil, err
	}
	e.idx = idx

	// 2. Open the log and replay it on top of the snapshot.
	wal, err := persistence.OpenWAL(e.walPath, opts.FsyncInterval)
	if err != nil {
		return nil, err
	}
	e.wal = wal

	if err := e.replayWAL(); err != nil {
		e.wal.Close()
		return nil, fmt.Errorf("failed to replay WAL: %w", err)
	}

	// 3. Start Background Tasks
	e.wg.Add(1)
	go e.backgroundTasks()

	stats := e.idx.Stats()
	slog.Info("Engine opened", "dir", opts.DataDir, "name", stats.Name, "live", stats.Live, "tombstones", stats.Tombstones)
	return e, nil
}

// Close performs a clean shutdown of the Engine.
//
// It stops background maintenance tasks and closes the log. It does not force
// a final snapshot; every mutation is already in the log.
func (e *Engine) Close() error {
	var err error

	e.closeOnce.Do(func() {
		close(e.closed)
		e.wg.Wait()

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.wal != nil {
			err = e.wal.Close()
		}
	})
	return err
}

// Config returns the index configuration.
func (e *Engine) Config() Config { return e.idx.Config() }

// --- Mutations ---

// Insert stores a vector and returns its id.
func (e *Engine) Insert(vector []float32, metadata map[string]any) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isClosed() {
		return 0, ErrClosed
	}

	rec, err := e.idx.insert(vector, metadata)
	if err != nil {
		return 0, err
	}
	return rec.ID, e.logInsert(rec)
}

// InsertText embeds text and stores the resulting vector. The embedder is
// called before any lock is taken.
func (e *Engine) InsertText(ctx context.Context, embedder embeddings.Embedder, text string, metadata map[string]any) (uint64, error) {
	vec, err := Embed(ctx, embedder, text)
	if err != nil {
		return 0, err
	}
	meta := textMetadata(text, metadata)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isClosed() {
		return 0, ErrClosed
	}

	rec, err := e.idx.insert(vec, meta)
	if err != nil {
		return 0, err
	}
	return rec.ID, e.logInsert(rec)
}

// Delete tombstones id and reports whether it was live.
func (e *Engine) Delete(id uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isClosed() {
		return false, ErrClosed
	}

	if !e.idx.Delete(id) {
		return false, nil
	}
	if err := e.append(persistence.Entry{Op: persistence.OpDelete, ID: id}); err != nil {
		return true, err
	}
	return true, nil
}

// Compact physically removes tombstoned vectors.
func (e *Engine) Compact() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isClosed() {
		return 0, ErrClosed
	}

	removed, err := e.idx.Compact()
	if err != nil || removed == 0 {
		return removed, err
	}
	return removed, e.append(persistence.Entry{Op: persistence.OpCompact})
}

func (e *Engine) logInsert(rec types.Record) error {
	return e.append(persistence.Entry{
		Op:       persistence.OpInsert,
		ID:       rec.ID,
		Vector:   rec.Vector,
		Metadata: rec.Metadata,
	})
}

// append logs an applied mutation. The caller holds e.mu.
func (e *Engine) append(entry persistence.Entry) error {
	if err := e.wal.AppendEntry(entry); err != nil {
		slog.Error("WAL append failed", "op", entry.Op, "id", entry.ID, "error", err)
		return fmt.Errorf("persistence error (WAL write failed): %w", err)
	}
	if err := e.wal.Flush(); err != nil {
		return fmt.Errorf("CRITICAL: persistence flush failed: %w", err)
	}
	e.dirtyCounter.Add(1)
	return nil
}

// --- Reads ---

// Get returns a copy of the live record id.
func (e *Engine) Get(id uint64) (types.Record, error) { return e.idx.Get(id) }

// Search runs a similarity query.
func (e *Engine) Search(ctx context.Context, req query.Request) ([]types.Result, error) {
	return e.idx.Search(ctx, req)
}

// SearchText embeds text and runs a similarity query with it.
func (e *Engine) SearchText(ctx context.Context, embedder embeddings.Embedder, text string, k int, filter query.Filter) ([]types.Result, error) {
	return e.idx.SearchText(ctx, embedder, text, k, filter)
}

// Stats returns counters and configuration of the index.
func (e *Engine) Stats() Stats { return e.idx.Stats() }

// --- Background maintenance ---

// backgroundTasks handles automatic saving and compaction.
func (e *Engine) backgroundTasks() {
	defer e.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	// Use the configured value or a safe default if 0
	interval := e.opts.MaintenanceInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	maintTicker := time.NewTicker(interval)
	defer maintTicker.Stop()

	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
			e.checkAutoSave()
		case <-maintTicker.C:
			e.checkCompaction()
		}
	}
}

// checkAutoSave writes a snapshot when both the write and the time thresholds are met.
func (e *Engine) checkAutoSave() {
	if e.opts.AutoSaveThreshold <= 0 || e.opts.AutoSaveInterval <= 0 {
		return
	}
	if e.dirtyCounter.Load() < e.opts.AutoSaveThreshold {
		return
	}
	e.adminMu.Lock()
	due := time.Since(e.lastSaveTime) >= e.opts.AutoSaveInterval
	e.adminMu.Unlock()
	if !due {
		return
	}
	if err := e.Save(); err != nil {
		// Log error but continue (background task)
		slog.Error("Background snapshot failed", "error", err)
	}
}

// checkCompaction compacts when the tombstone ratio reaches the threshold.
func (e *Engine) checkCompaction() {
	if e.opts.CompactThreshold <= 0 {
		return
	}
	stats := e.idx.Stats()
	if stats.Nodes == 0 || float64(stats.Tombstones)/float64(stats.Nodes) < e.opts.CompactThreshold {
		return
	}
	removed, err := e.Compact()
	if err != nil {
		slog.Error("Background compaction failed", "error", err)
		return
	}
	slog.Info("Background compaction finished", "removed", removed)
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}
