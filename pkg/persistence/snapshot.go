package persistence

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/sanonone/kektorvec/pkg/core/distance"
	"github.com/sanonone/kektorvec/pkg/core/hnsw"
	"github.com/sanonone/kektorvec/pkg/core/types"
)

// FormatVersion is the snapshot layout version written by this package.
const FormatVersion = 1

// batchSize is the number of records or nodes per frame.
const batchSize = 1024

// Manifest is the first frame of a snapshot. It carries the index
// configuration, checked against the caller's on load, and the counts the
// rest of the file must match.
type Manifest struct {
	FormatVersion  int       `json:"format_version"`
	SnapshotID     string    `json:"snapshot_id"`
	CreatedAt      time.Time `json:"created_at"`
	Name           string    `json:"name,omitempty"`
	Dimension      int       `json:"dimension"`
	Metric         string    `json:"metric"`
	Precision      string    `json:"precision"`
	M              int       `json:"m"`
	EfConstruction int       `json:"ef_construction"`
	EfSearch       int       `json:"ef_search"`
	Heuristic      bool      `json:"heuristic"`
	EntryPoint     uint64    `json:"entry_point"`
	MaxLevel       int       `json:"max_level"`
	NextID         uint64    `json:"next_id"`
	Records        int       `json:"records"`
	Tombstones     int       `json:"tombstones"`
	Nodes          int       `json:"nodes"`
}

// recordWire is the gob form of a stored record. Exactly one of F32 and F16
// is set, depending on the manifest precision. Metadata is canonical JSON.
type recordWire struct {
	ID       uint64
	F32      []float32
	F16      []uint16
	Metadata []byte
	Deleted  bool
}

// nodeWire is the gob form of a graph node.
type nodeWire struct {
	ID    uint64
	Level int
	Links [][]uint64
}

type trailer struct {
	Records int `json:"records"`
	Nodes   int `json:"nodes"`
}

// StoredRecord is a decoded record with its tombstone flag.
type StoredRecord struct {
	Record  types.Record
	Deleted bool
}

// SnapshotData is the decoded content of a snapshot.
type SnapshotData struct {
	Manifest Manifest
	Records  []StoredRecord
	Nodes    []hnsw.NodeState
}

// WriteSnapshot writes manifest, records, graph and trailer frames to w.
// SnapshotID, CreatedAt and FormatVersion are filled in when zero.
func WriteSnapshot(w io.Writer, m Manifest, records iter.Seq2[types.Record, bool], nodes iter.Seq[hnsw.NodeState]) error {
	bw := bufio.NewWriterSize(w, 1<<20)
	fw := NewFrameWriter(bw)

	if m.FormatVersion == 0 {
		m.FormatVersion = FormatVersion
	}
	if m.SnapshotID == "" {
		m.SnapshotID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	half := distance.Precision(m.Precision) == distance.Float16

	manifest, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := fw.WriteFrame(OpManifest, manifest); err != nil {
		return err
	}

	// --- Records ---
	var tr trailer
	batch := make([]recordWire, 0, batchSize)
	flushRecords := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := writeGob(fw, OpRecords, batch); err != nil {
			return fmt.Errorf("failed to encode records: %w", err)
		}
		batch = batch[:0]
		return nil
	}
	for rec, deleted := range records {
		wire := recordWire{ID: rec.ID, Deleted: deleted}
		if half {
			wire.F16 = distance.EncodeFloat16(rec.Vector)
		} else {
			wire.F32 = rec.Vector
		}
		if len(rec.Metadata) > 0 {
			if wire.Metadata, err = json.Marshal(rec.Metadata); err != nil {
				return fmt.Errorf("failed to encode metadata of record %d: %w", rec.ID, err)
			}
		}
		batch = append(batch, wire)
		tr.Records++
		if len(batch) == batchSize {
			if err := flushRecords(); err != nil {
				return err
			}
		}
	}
	if err := flushRecords(); err != nil {
		return err
	}

	// --- Graph ---
	nodeBatch := make([]nodeWire, 0, batchSize)
	flushNodes := func() error {
		if len(nodeBatch) == 0 {
			return nil
		}
		if err := writeGob(fw, OpGraph, nodeBatch); err != nil {
			return fmt.Errorf("failed to encode graph: %w", err)
		}
		nodeBatch = nodeBatch[:0]
		return nil
	}
	for st := range nodes {
		nodeBatch = append(nodeBatch, nodeWire{ID: st.ID, Level: st.Level, Links: st.Links})
		tr.Nodes++
		if len(nodeBatch) == batchSize {
			if err := flushNodes(); err != nil {
				return err
			}
		}
	}
	if err := flushNodes(); err != nil {
		return err
	}

	if tr.Records != m.Records+m.Tombstones || tr.Nodes != m.Nodes {
		return fmt.Errorf("snapshot counts changed while writing: manifest %d records/%d nodes, wrote %d/%d",
			m.Records+m.Tombstones, m.Nodes, tr.Records, tr.Nodes)
	}

	trailerPayload, _ := json.Marshal(tr)
	if err := fw.WriteFrame(OpTrailer, trailerPayload); err != nil {
		return err
	}
	return bw.Flush()
}

func writeGob(fw *FrameWriter, op OpCode, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return err
	}
	return fw.WriteFrame(op, buf.Bytes())
}

// ReadSnapshot decodes and structurally validates a snapshot. Every failure
// wraps types.ErrCorruptSnapshot.
func ReadSnapshot(r io.Reader) (*SnapshotData, error) {
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", types.ErrCorruptSnapshot, fmt.Sprintf(format, args...))
	}
	br := bufio.NewReaderSize(r, 1<<20)

	frame, _, err := ReadFrame(br)
	if err != nil {
		return nil, corrupt("reading manifest: %v", err)
	}
	if frame.Op != OpManifest {
		return nil, corrupt("first frame is %s, want manifest", frame.Op)
	}
	data := &SnapshotData{}
	m := &data.Manifest
	if err := json.Unmarshal(frame.Payload, m); err != nil {
		return nil, corrupt("decoding manifest: %v", err)
	}
	if m.FormatVersion != FormatVersion {
		return nil, corrupt("unsupported format version %d", m.FormatVersion)
	}
	if m.Dimension <= 0 {
		return nil, corrupt("invalid dimension %d", m.Dimension)
	}
	half := distance.Precision(m.Precision) == distance.Float16

	if m.Records < 0 || m.Tombstones < 0 || m.Nodes < 0 {
		return nil, corrupt("negative counts %d/%d/%d", m.Records, m.Tombstones, m.Nodes)
	}
	// The counts are only trusted once the trailer confirms them.
	data.Records = make([]StoredRecord, 0, min(m.Records, batchSize)+min(m.Tombstones, batchSize))
	data.Nodes = make([]hnsw.NodeState, 0, min(m.Nodes, batchSize))
	var lastID uint64
	live, tombstoned := 0, 0
	stage := OpRecords

	for {
		frame, _, err := ReadFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, corrupt("missing trailer")
			}
			return nil, corrupt("reading frame: %v", err)
		}

		switch frame.Op {
		case OpRecords:
			if stage != OpRecords {
				return nil, corrupt("records frame after graph frames")
			}
			var batch []recordWire
			if err := gob.NewDecoder(bytes.NewReader(frame.Payload)).Decode(&batch); err != nil {
				return nil, corrupt("decoding records: %v", err)
			}
			for _, w := range batch {
				if w.ID <= lastID {
					return nil, corrupt("record ids out of order at %d", w.ID)
				}
				if w.ID >= m.NextID {
					return nil, corrupt("record id %d not below next id %d", w.ID, m.NextID)
				}
				lastID = w.ID
				vec := w.F32
				if half {
					vec = distance.DecodeFloat16(w.F16)
				}
				if len(vec) != m.Dimension {
					return nil, corrupt("record %d has %d components, manifest says %d", w.ID, len(vec), m.Dimension)
				}
				var meta map[string]any
				if len(w.Metadata) > 0 {
					if err := json.Unmarshal(w.Metadata, &meta); err != nil {
						return nil, corrupt("metadata of record %d: %v", w.ID, err)
					}
				}
				if w.Deleted {
					tombstoned++
				} else {
					live++
				}
				data.Records = append(data.Records, StoredRecord{
					Record:  types.Record{ID: w.ID, Vector: vec, Metadata: meta},
					Deleted: w.Deleted,
				})
			}

		case OpGraph:
			stage = OpGraph
			var batch []nodeWire
			if err := gob.NewDecoder(bytes.NewReader(frame.Payload)).Decode(&batch); err != nil {
				return nil, corrupt("decoding graph: %v", err)
			}
			for _, w := range batch {
				data.Nodes = append(data.Nodes, hnsw.NodeState{ID: w.ID, Level: w.Level, Links: w.Links})
			}

		case OpTrailer:
			var tr trailer
			if err := json.Unmarshal(frame.Payload, &tr); err != nil {
				return nil, corrupt("decoding trailer: %v", err)
			}
			if live != m.Records || tombstoned != m.Tombstones || len(data.Nodes) != m.Nodes {
				return nil, corrupt("counts mismatch: manifest %d live/%d deleted/%d nodes, read %d/%d/%d",
					m.Records, m.Tombstones, m.Nodes, live, tombstoned, len(data.Nodes))
			}
			if tr.Records != len(data.Records) || tr.Nodes != len(data.Nodes) {
				return nil, corrupt("trailer counts %d/%d do not match %d/%d",
					tr.Records, tr.Nodes, len(data.Records), len(data.Nodes))
			}
			if _, err := br.Peek(1); err != io.EOF {
				return nil, corrupt("trailing data after trailer")
			}
			return data, nil

		default:
			return nil, corrupt("unexpected %s frame", frame.Op)
		}
	}
}
