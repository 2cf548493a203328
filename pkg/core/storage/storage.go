// Package storage implements the record table of the index: an ordered map from
// id to normalized vector and metadata, with soft deletion.
//
// Records live in a tidwall/btree keyed by id. The tree supports O(1)
// copy-on-write clones, which is what lets iteration and snapshots run against
// a stable view while inserts and deletes continue on the live table.
package storage

import (
	"encoding/json"
	"fmt"
	"iter"
	"sync"

	"github.com/sanonone/kektorvec/pkg/core/distance"
	"github.com/sanonone/kektorvec/pkg/core/types"
	"github.com/tidwall/btree"
)

// entry is one row of the record table. Entries are replaced, never mutated,
// so a cloned tree keeps observing the values it was cloned with.
type entry struct {
	id       uint64
	vector   []float32
	metadata map[string]any
	deleted  bool
}

func entryLess(a, b entry) bool { return a.id < b.id }

func idLess(a, b uint64) bool { return a < b }

// Store is the vector storage. It is safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	dim       int
	precision distance.Precision

	records    *btree.BTreeG[entry]
	tombstones *btree.BTreeG[uint64]
	nextID     uint64
}

// New creates an empty store for vectors of the given dimensionality.
func New(dim int, precision distance.Precision) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", types.ErrInvalidArgument, dim)
	}
	p, err := distance.ParsePrecision(string(precision))
	if err != nil {
		return nil, err
	}
	return &Store{
		dim:        dim,
		precision:  p,
		records:    btree.NewBTreeG(entryLess),
		tombstones: btree.NewBTreeG(idLess),
		nextID:     1,
	}, nil
}

// Dimension returns the vector dimensionality fixed at creation.
func (s *Store) Dimension() int { return s.dim }

// Precision returns the component precision of stored vectors.
func (s *Store) Precision() distance.Precision { return s.precision }

// Put validates, normalizes and stores a vector with its metadata and returns
// the newly assigned id.
func (s *Store) Put(vector []float32, metadata map[string]any) (uint64, error) {
	vec, meta, err := s.canonicalize(vector, metadata)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.records.Set(entry{id: id, vector: vec, metadata: meta})
	return id, nil
}

// Restore inserts a record that is already in stored form, as read back from a
// snapshot or the write-ahead log. The id counter advances past rec.ID.
func (s *Store) Restore(rec types.Record, deleted bool) error {
	if rec.ID == 0 {
		return fmt.Errorf("%w: record id 0 is reserved", types.ErrInvalidArgument)
	}
	if len(rec.Vector) != s.dim {
		return fmt.Errorf("%w: record %d has %d components, index has %d",
			types.ErrDimensionMismatch, rec.ID, len(rec.Vector), s.dim)
	}
	if err := distance.CheckFinite(rec.Vector); err != nil {
		return fmt.Errorf("record %d: %w", rec.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records.Get(entry{id: rec.ID}); ok {
		return fmt.Errorf("%w: duplicate record id %d", types.ErrInvalidArgument, rec.ID)
	}
	s.records.Set(entry{id: rec.ID, vector: rec.Vector, metadata: rec.Metadata, deleted: deleted})
	if deleted {
		s.tombstones.Set(rec.ID)
	}
	if rec.ID >= s.nextID {
		s.nextID = rec.ID + 1
	}
	return nil
}

// Get returns the record for id. Tombstoned and unknown ids yield ErrNotFound.
// The returned vector and metadata are shared and must not be modified.
func (s *Store) Get(id uint64) (types.Record, error) {
	s.mu.RLock()
	e, ok := s.records.Get(entry{id: id})
	s.mu.RUnlock()

	if !ok || e.deleted {
		return types.Record{}, fmt.Errorf("%w: vector %d", types.ErrNotFound, id)
	}
	return types.Record{ID: e.id, Vector: e.vector, Metadata: e.metadata}, nil
}

// Metadata returns only the metadata of a live record.
func (s *Store) Metadata(id uint64) (map[string]any, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return rec.Metadata, nil
}

// Delete tombstones id. It is idempotent and reports whether the record was live.
func (s *Store) Delete(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records.Get(entry{id: id})
	if !ok || e.deleted {
		return false
	}
	e.deleted = true
	s.records.Set(e)
	s.tombstones.Set(id)
	return true
}

// IsTombstoned reports whether id exists and has been deleted.
func (s *Store) IsTombstoned(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tombstones.Get(id)
	return ok
}

// Remove physically drops records. It is used by compaction and to roll back a
// failed insertion.
func (s *Store) Remove(ids []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.records.Delete(entry{id: id})
		s.tombstones.Delete(id)
	}
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records.Len() - s.tombstones.Len()
}

// Tombstones returns the number of deleted records not yet compacted away.
func (s *Store) Tombstones() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tombstones.Len()
}

// NextID returns the id the next Put will assign.
func (s *Store) NextID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}

// SetNextID advances the id counter. Lower values are ignored so ids are never reused.
func (s *Store) SetNextID(next uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next > s.nextID {
		s.nextID = next
	}
}

// Iterate yields every live record in ascending id order. The sequence reads a
// copy-on-write view taken when iteration starts, so it is finite, restartable
// and unaffected by concurrent writes.
func (s *Store) Iterate() iter.Seq[types.Record] {
	return func(yield func(types.Record) bool) {
		view := s.Snapshot()
		for rec, deleted := range view.Records() {
			if deleted {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// canonicalize returns the stored form of a vector and its metadata: a
// normalized copy of the vector, rounded when the store uses half precision,
// and metadata deep-copied through a JSON round trip.
func (s *Store) canonicalize(vector []float32, metadata map[string]any) ([]float32, map[string]any, error) {
	if len(vector) != s.dim {
		return nil, nil, fmt.Errorf("%w: got %d components, index has %d",
			types.ErrDimensionMismatch, len(vector), s.dim)
	}
	if err := distance.CheckFinite(vector); err != nil {
		return nil, nil, err
	}
	vec := distance.Normalize(vector)
	if s.precision == distance.Float16 {
		distance.RoundFloat16(vec)
	}
	meta, err := CanonicalMetadata(metadata)
	if err != nil {
		return nil, nil, err
	}
	return vec, meta, nil
}

// CanonicalMetadata deep-copies metadata through JSON so the stored value is
// exactly what a snapshot will reproduce. Values that cannot be encoded are
// rejected with ErrInvalidArgument. Nil and empty metadata yield nil.
func CanonicalMetadata(metadata map[string]any) (map[string]any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata is not serializable: %v", types.ErrInvalidArgument, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: metadata is not serializable: %v", types.ErrInvalidArgument, err)
	}
	return out, nil
}
