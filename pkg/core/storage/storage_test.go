package storage

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/sanonone/kektorvec/pkg/core/distance"
	"github.com/sanonone/kektorvec/pkg/core/types"
)

func newTestStore(t *testing.T, dim int) *Store {
	t.Helper()
	s, err := New(dim, distance.Float32)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestPutAssignsMonotonicIDs(t *testing.T) {
	s := newTestStore(t, 2)

	for want := uint64(1); want <= 5; want++ {
		id, err := s.Put([]float32{1, float32(want)}, nil)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if id != want {
			t.Fatalf("expected id %d, got %d", want, id)
		}
	}
	if s.Len() != 5 {
		t.Errorf("expected 5 live records, got %d", s.Len())
	}
}

func TestPutNormalizes(t *testing.T) {
	s := newTestStore(t, 2)
	input := []float32{3, 4}

	id, _ := s.Put(input, nil)
	rec, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(distance.Norm(rec.Vector)-1) > 1e-6 {
		t.Errorf("stored vector not normalized: %v", rec.Vector)
	}
	if input[0] != 3 || input[1] != 4 {
		t.Errorf("Put modified caller's slice: %v", input)
	}

	zeroID, _ := s.Put([]float32{0, 0}, nil)
	zero, _ := s.Get(zeroID)
	if zero.Vector[0] != 0 || zero.Vector[1] != 0 {
		t.Errorf("zero vector changed: %v", zero.Vector)
	}
}

func TestPutFloat16Rounds(t *testing.T) {
	s, err := New(3, distance.Float16)
	if err != nil {
		t.Fatal(err)
	}
	id, _ := s.Put([]float32{0.1, 0.2, 0.3}, nil)
	rec, _ := s.Get(id)

	again := append([]float32(nil), rec.Vector...)
	distance.RoundFloat16(again)
	if !reflect.DeepEqual(again, rec.Vector) {
		t.Errorf("stored vector is not representable in float16: %v", rec.Vector)
	}
}

func TestDimensionEnforced(t *testing.T) {
	s := newTestStore(t, 3)
	_, err := s.Put([]float32{1, 2}, nil)
	if !errors.Is(err, types.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if s.NextID() != 1 {
		t.Errorf("failed Put consumed an id")
	}
}

func TestNonFiniteRejected(t *testing.T) {
	s := newTestStore(t, 2)
	nan, inf := float32(math.NaN()), float32(math.Inf(-1))

	for _, v := range [][]float32{{nan, 1}, {1, inf}} {
		if _, err := s.Put(v, nil); !errors.Is(err, types.ErrInvalidArgument) {
			t.Errorf("Put(%v): expected ErrInvalidArgument, got %v", v, err)
		}
	}
	if err := s.Restore(types.Record{ID: 3, Vector: []float32{nan, 0}}, false); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("Restore: expected ErrInvalidArgument, got %v", err)
	}
	if s.Len() != 0 || s.NextID() != 1 {
		t.Errorf("rejected vectors changed the store: len=%d next=%d", s.Len(), s.NextID())
	}
}

func TestMetadataCanonicalized(t *testing.T) {
	s := newTestStore(t, 1)
	meta := map[string]any{
		"count": 3,
		"tags":  []string{"a", "b"},
	}
	id, err := s.Put([]float32{1}, meta)
	if err != nil {
		t.Fatal(err)
	}
	meta["count"] = 99

	got, _ := s.Metadata(id)
	want := map[string]any{"count": float64(3), "tags": []any{"a", "b"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("metadata = %#v, want %#v", got, want)
	}

	_, err = s.Put([]float32{1}, map[string]any{"ch": make(chan int)})
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for unserializable metadata, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t, 1)
	id, _ := s.Put([]float32{1}, nil)

	if !s.Delete(id) {
		t.Fatal("first delete should report a live record")
	}
	if s.Delete(id) {
		t.Fatal("second delete should be a no-op")
	}
	if s.Delete(42) {
		t.Fatal("deleting an unknown id should be a no-op")
	}
	if _, err := s.Get(id); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if !s.IsTombstoned(id) || s.Tombstones() != 1 || s.Len() != 0 {
		t.Errorf("unexpected counters: tombstones=%d live=%d", s.Tombstones(), s.Len())
	}

	s.Remove([]uint64{id})
	if s.Tombstones() != 0 || s.IsTombstoned(id) {
		t.Error("Remove should drop the tombstone")
	}
	if next, _ := s.Put([]float32{1}, nil); next != 2 {
		t.Errorf("ids must not be reused, got %d", next)
	}
}

func TestIterate(t *testing.T) {
	s := newTestStore(t, 1)
	for i := 0; i < 10; i++ {
		s.Put([]float32{1}, map[string]any{"i": i})
	}
	s.Delete(3)
	s.Delete(7)

	var ids []uint64
	for rec := range s.Iterate() {
		ids = append(ids, rec.ID)
		// Concurrent-style writes during iteration must not leak into it.
		s.Put([]float32{1}, nil)
	}
	want := []uint64{1, 2, 4, 5, 6, 8, 9, 10}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("Iterate ids = %v, want %v", ids, want)
	}

	// Restartable: a second pass sees the records added during the first.
	count := 0
	for range s.Iterate() {
		count++
	}
	if count != len(want)+len(want) {
		t.Errorf("second pass yielded %d records, want %d", count, 2*len(want))
	}

	// Early break.
	for rec := range s.Iterate() {
		if rec.ID != 1 {
			t.Errorf("first record id = %d", rec.ID)
		}
		break
	}
}

func TestSnapshotViewIsStable(t *testing.T) {
	s := newTestStore(t, 1)
	s.Put([]float32{1}, nil)
	s.Put([]float32{1}, nil)

	view := s.Snapshot()
	s.Delete(1)
	s.Put([]float32{1}, nil)

	if view.Len() != 2 || view.Live != 2 || view.Tombstoned != 0 || view.NextID != 3 {
		t.Fatalf("unexpected view counters: %+v", view)
	}
	for rec, deleted := range view.Records() {
		if deleted {
			t.Errorf("record %d deleted after the view was taken must appear live", rec.ID)
		}
	}
}

func TestRestore(t *testing.T) {
	s := newTestStore(t, 2)

	if err := s.Restore(types.Record{ID: 5, Vector: []float32{1, 0}}, false); err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(types.Record{ID: 9, Vector: []float32{0, 1}}, true); err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(types.Record{ID: 5, Vector: []float32{1, 0}}, false); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("duplicate restore: expected ErrInvalidArgument, got %v", err)
	}
	if err := s.Restore(types.Record{ID: 6, Vector: []float32{1}}, false); !errors.Is(err, types.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if s.NextID() != 10 {
		t.Errorf("NextID = %d, want 10", s.NextID())
	}
	if !s.IsTombstoned(9) || s.Len() != 1 {
		t.Errorf("tombstone not restored")
	}

	s.SetNextID(4)
	if s.NextID() != 10 {
		t.Errorf("SetNextID must not move the counter backwards")
	}
}
