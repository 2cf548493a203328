package storage

import (
	"iter"

	"github.com/sanonone/kektorvec/pkg/core/distance"
	"github.com/sanonone/kektorvec/pkg/core/types"
	"github.com/tidwall/btree"
)

// View is an immutable point-in-time image of a Store.
type View struct {
	Dimension  int
	Precision  distance.Precision
	NextID     uint64
	Live       int
	Tombstoned int

	records *btree.BTreeG[entry]
}

// Snapshot captures a copy-on-write view of the store. The cost is O(1); pages
// are duplicated lazily as the live store is written to.
func (s *Store) Snapshot() *View {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Copy marks both trees shared, so it needs the write lock.
	return &View{
		Dimension:  s.dim,
		Precision:  s.precision,
		NextID:     s.nextID,
		Live:       s.records.Len() - s.tombstones.Len(),
		Tombstoned: s.tombstones.Len(),
		records:    s.records.Copy(),
	}
}

// Records yields every record of the view in ascending id order together with
// its tombstone flag.
func (v *View) Records() iter.Seq2[types.Record, bool] {
	return func(yield func(types.Record, bool) bool) {
		v.records.Scan(func(e entry) bool {
			return yield(types.Record{ID: e.id, Vector: e.vector, Metadata: e.metadata}, e.deleted)
		})
	}
}

// Len returns the number of records in the view, tombstoned included.
func (v *View) Len() int { return v.records.Len() }
