package persistence

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sanonone/kektorvec/pkg/core/types"
)

// DefaultSyncInterval is the default time between forced fsync operations.
// It bounds the data lost on a crash to roughly one interval of writes.
const DefaultSyncInterval = 1 * time.Second

// Entry is one logged mutation. Vectors are logged in stored (normalized)
// form so replay reproduces them bit for bit.
type Entry struct {
	Op       OpCode         `json:"-"`
	ID       uint64         `json:"id,omitempty"`
	Vector   []float32      `json:"vector,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// WALWriter appends mutation frames to the write-ahead log.
//
// Writes go to a buffered writer. A background routine flushes and fsyncs the
// file every sync interval; Sync and Close do the same on demand.
type WALWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	path string
	size int64

	dirty        bool
	syncInterval time.Duration
	syncTicker   *time.Ticker
	stopCh       chan struct{}
	wg           sync.WaitGroup
	closed       bool
}

// OpenWAL opens or creates the log at path. A non-positive syncInterval
// disables the background sync; callers then rely on Sync.
func OpenWAL(path string, syncInterval time.Duration) (*WALWriter, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w := &WALWriter{
		file:         file,
		buf:          bufio.NewWriter(file),
		path:         path,
		size:         info.Size(),
		syncInterval: syncInterval,
		stopCh:       make(chan struct{}),
	}

	if syncInterval > 0 {
		w.syncTicker = time.NewTicker(syncInterval)
		w.wg.Add(1)
		go w.syncRoutine()
	}

	slog.Debug("WAL opened", "path", path, "size", w.size, "sync_interval", syncInterval)
	return w, nil
}

// Append writes one frame.
func (w *WALWriter) Append(op OpCode, payload []byte) error {
	frame := EncodeFrame(op, payload)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("cannot write to closed WAL")
	}
	if _, err := w.buf.Write(frame); err != nil {
		return err
	}
	w.size += int64(len(frame))
	w.dirty = true
	return nil
}

// AppendEntry encodes e as JSON and appends it.
func (w *WALWriter) AppendEntry(e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode WAL entry: %w", err)
	}
	return w.Append(e.Op, payload)
}

// Flush forces the buffer contents to be written to the OS file descriptor.
func (w *WALWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// Sync flushes the buffer and fsyncs the file.
func (w *WALWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncUnlocked()
}

func (w *WALWriter) syncUnlocked() error {
	if !w.dirty {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.dirty = false
	return nil
}

// Truncate discards the log. Used once a snapshot covers every logged entry.
func (w *WALWriter) Truncate() error {
	return w.TruncateTo(0)
}

// TruncateTo cuts the log to n bytes, dropping any buffered writes. Used to
// drop a torn tail found during replay.
func (w *WALWriter) TruncateTo(n int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Reset(w.file)
	if err := w.file.Truncate(n); err != nil {
		return err
	}
	if _, err := w.file.Seek(n, io.SeekStart); err != nil {
		return err
	}
	w.size = n
	w.dirty = false
	return w.file.Sync()
}

// Size returns the logical size of the log, buffered bytes included.
func (w *WALWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the file path.
func (w *WALWriter) Path() string {
	return w.path
}

// Close stops the background routine, syncs pending data and closes the file.
func (w *WALWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopCh)
	if w.syncTicker != nil {
		w.syncTicker.Stop()
	}
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.syncUnlocked(); err != nil {
		slog.Error("Failed to sync WAL during Close", "error", err)
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

// syncRoutine periodically forces fsync so durability does not depend on
// explicit Sync calls.
func (w *WALWriter) syncRoutine() {
	defer w.wg.Done()
	for {
		select {
		case <-w.syncTicker.C:
			if err := w.Sync(); err != nil {
				slog.Error("Periodic WAL sync failed", "error", err)
			}
		case <-w.stopCh:
			return
		}
	}
}

// ReplayResult summarizes a log replay.
type ReplayResult struct {
	Entries int
	// ValidBytes is the offset just past the last intact frame.
	ValidBytes int64
	// TornTail reports an incomplete final frame that should be truncated.
	TornTail bool
}

// ReplayWAL decodes every frame of r and hands it to fn in order. An
// incomplete or checksum-failing final frame is reported as a torn tail and is
// not an error; damage followed by further data is ErrCorruptSnapshot.
func ReplayWAL(r io.Reader, fn func(Entry) error) (ReplayResult, error) {
	br := bufio.NewReader(r)
	var res ReplayResult

	for {
		frame, n, err := ReadFrame(br)
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			atEnd := errors.Is(err, ErrIncompleteFrame)
			if errors.Is(err, ErrChecksumMismatch) {
				_, peekErr := br.Peek(1)
				atEnd = peekErr == io.EOF
			}
			if atEnd {
				res.TornTail = true
				return res, nil
			}
			return res, fmt.Errorf("%w: wal frame at offset %d: %v", types.ErrCorruptSnapshot, res.ValidBytes, err)
		}

		var e Entry
		switch frame.Op {
		case OpInsert, OpDelete, OpCompact:
			if err := json.Unmarshal(frame.Payload, &e); err != nil {
				return res, fmt.Errorf("%w: wal entry at offset %d: %v", types.ErrCorruptSnapshot, res.ValidBytes, err)
			}
			e.Op = frame.Op
		default:
			return res, fmt.Errorf("%w: unexpected %s frame in wal at offset %d", types.ErrCorruptSnapshot, frame.Op, res.ValidBytes)
		}

		if err := fn(e); err != nil {
			return res, err
		}
		res.Entries++
		res.ValidBytes += int64(n)
	}
}
