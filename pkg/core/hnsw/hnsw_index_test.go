package hnsw

import (
	"errors"
	"math/rand/v2"
	"reflect"
	"sort"
	"testing"

	"github.com/sanonone/kektorvec/pkg/core/distance"
	"github.com/sanonone/kektorvec/pkg/core/types"
)

func newTestIndex(t testing.TB, cfg Config) *Index {
	t.Helper()
	idx, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return idx
}

// randomVectors returns n normalized vectors drawn from a seeded generator.
func randomVectors(seed uint64, n, dim int) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		out[i] = distance.Normalize(v)
	}
	return out
}

// insertAll inserts vectors with ids 1..n.
func insertAll(t testing.TB, idx *Index, vectors [][]float32) {
	t.Helper()
	for i, v := range vectors {
		if err := idx.Insert(uint64(i+1), v); err != nil {
			t.Fatalf("Insert %d failed: %v", i+1, err)
		}
	}
}

// bruteForce returns the k nearest live ids by exhaustive scan.
func bruteForce(vectors [][]float32, query []float32, k int, skip map[uint64]bool) []uint64 {
	q := distance.Normalize(query)
	cands := make([]types.Candidate, 0, len(vectors))
	for i, v := range vectors {
		id := uint64(i + 1)
		if skip[id] {
			continue
		}
		sim, _ := distance.Dot(q, v)
		cands = append(cands, types.Candidate{ID: id, Distance: 1 - sim})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].Less(cands[j]) })
	if len(cands) > k {
		cands = cands[:k]
	}
	ids := make([]uint64, len(cands))
	for i, c := range cands {
		ids[i] = c.ID
	}
	return ids
}

func ids(cands []types.Candidate) []uint64 {
	out := make([]uint64, len(cands))
	for i, c := range cands {
		out[i] = c.ID
	}
	return out
}

func recall(got, want []uint64) float64 {
	if len(want) == 0 {
		return 1
	}
	set := make(map[uint64]bool, len(want))
	for _, id := range want {
		set[id] = true
	}
	hit := 0
	for _, id := range got {
		if set[id] {
			hit++
		}
	}
	return float64(hit) / float64(len(want))
}

func TestToyScenario(t *testing.T) {
	idx := newTestIndex(t, DefaultConfig())
	insertAll(t, idx, [][]float32{
		distance.Normalize([]float32{1, 0}),     // A
		distance.Normalize([]float32{0.9, 0.1}), // B
		distance.Normalize([]float32{0, 1}),     // C
	})

	res, err := idx.Search([]float32{1, 0}, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids(res), []uint64{1, 2}) {
		t.Fatalf("expected [A B], got %v", ids(res))
	}
	if res[0].Distance > 1e-6 {
		t.Errorf("A should be at distance 0, got %f", res[0].Distance)
	}
	if sim := 1 - res[1].Distance; sim < 0.9938 || sim > 0.9940 {
		t.Errorf("B similarity = %f, want ~0.9939", sim)
	}

	idx.MarkDeleted(1)
	res, _ = idx.Search([]float32{1, 0}, 2, 0)
	if !reflect.DeepEqual(ids(res), []uint64{2, 3}) {
		t.Fatalf("after deleting A expected [B C], got %v", ids(res))
	}
}

func TestExactForSmallGraphs(t *testing.T) {
	cfg := DefaultConfig()
	for n := 1; n <= cfg.M; n++ {
		vectors := randomVectors(uint64(n), n, 8)
		idx := newTestIndex(t, cfg)
		insertAll(t, idx, vectors)

		for q, query := range randomVectors(uint64(100+n), 5, 8) {
			k := min(n, 5)
			got, err := idx.Search(query, k, 0)
			if err != nil {
				t.Fatal(err)
			}
			want := bruteForce(vectors, query, k, nil)
			if !reflect.DeepEqual(ids(got), want) {
				t.Fatalf("n=%d query=%d: got %v, want %v", n, q, ids(got), want)
			}
		}
	}
}

func TestRecall(t *testing.T) {
	const (
		n      = 2000
		dim    = 32
		k      = 10
		trials = 50
	)
	vectors := randomVectors(42, n, dim)
	cfg := DefaultConfig()
	cfg.Seed = 7
	idx := newTestIndex(t, cfg)
	insertAll(t, idx, vectors)

	total := 0.0
	for _, q := range randomVectors(99, trials, dim) {
		got, err := idx.Search(q, k, 0)
		if err != nil {
			t.Fatal(err)
		}
		total += recall(ids(got), bruteForce(vectors, q, k, nil))
	}
	if avg := total / trials; avg < 0.9 {
		t.Errorf("average recall@%d = %.3f, want >= 0.9", k, avg)
	}
}

func TestRecallWithHeuristic(t *testing.T) {
	vectors := randomVectors(5, 1000, 16)
	cfg := DefaultConfig()
	cfg.Heuristic = true
	idx := newTestIndex(t, cfg)
	insertAll(t, idx, vectors)

	total := 0.0
	queries := randomVectors(6, 30, 16)
	for _, q := range queries {
		got, _ := idx.Search(q, 10, 0)
		total += recall(ids(got), bruteForce(vectors, q, 10, nil))
	}
	if avg := total / float64(len(queries)); avg < 0.9 {
		t.Errorf("average recall = %.3f, want >= 0.9", avg)
	}
}

func TestResultsOrdered(t *testing.T) {
	idx := newTestIndex(t, DefaultConfig())
	insertAll(t, idx, randomVectors(3, 300, 8))

	res, _ := idx.Search(randomVectors(4, 1, 8)[0], 20, 0)
	for i := 1; i < len(res); i++ {
		if res[i].Less(res[i-1]) {
			t.Fatalf("results out of order at %d: %+v before %+v", i, res[i-1], res[i])
		}
	}
}

func TestSearchEdgeCases(t *testing.T) {
	idx := newTestIndex(t, DefaultConfig())

	res, err := idx.Search([]float32{1, 0}, 3, 0)
	if err != nil || len(res) != 0 {
		t.Fatalf("empty graph: got %v, %v", res, err)
	}
	if _, err := idx.Search([]float32{1, 0}, 0, 0); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("k=0: expected ErrInvalidArgument, got %v", err)
	}

	insertAll(t, idx, [][]float32{{1, 0}, {0, 1}})
	res, _ = idx.Search([]float32{1, 0}, 10, 0)
	if len(res) != 2 {
		t.Errorf("k larger than graph: got %d results", len(res))
	}
	if _, err := idx.Search([]float32{1, 0, 0}, 1, 0); !errors.Is(err, types.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}

	// A zero query is equidistant from everything: ties resolve by id.
	res, _ = idx.Search([]float32{0, 0}, 2, 0)
	if !reflect.DeepEqual(ids(res), []uint64{1, 2}) {
		t.Errorf("zero query: got %v", ids(res))
	}
}

func TestDuplicateAndReservedIDs(t *testing.T) {
	idx := newTestIndex(t, DefaultConfig())
	if err := idx.Insert(0, []float32{1, 0}); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("id 0: expected ErrInvalidArgument, got %v", err)
	}
	if err := idx.Insert(1, []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := idx.Insert(1, []float32{1, 0}); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("duplicate id: expected ErrInvalidArgument, got %v", err)
	}
}

func TestSparseIDs(t *testing.T) {
	idx := newTestIndex(t, DefaultConfig())
	big := uint64(1) << 60
	vectors := randomVectors(21, 4, 3)
	for i, id := range []uint64{big, 7, 1 << 40, big + 1} {
		if err := idx.Insert(id, vectors[i]); err != nil {
			t.Fatalf("Insert(%d) failed: %v", id, err)
		}
	}
	res, err := idx.Search(vectors[0], 1, 0)
	if err != nil || len(res) != 1 || res[0].ID != big {
		t.Fatalf("Search = %v, %v", res, err)
	}

	idx.MarkDeleted(big)
	if _, err := idx.Compact(); err != nil {
		t.Fatal(err)
	}
	if err := idx.Insert(3, vectors[0]); err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 4 || idx.Contains(big) {
		t.Fatalf("Len = %d, contains removed id: %v", idx.Len(), idx.Contains(big))
	}

	var got []uint64
	for st := range idx.Export().Nodes() {
		got = append(got, st.ID)
	}
	if want := []uint64{3, 7, 1 << 40, big + 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("exported ids = %v, want %v", got, want)
	}
}

func TestStalePlanRejected(t *testing.T) {
	idx := newTestIndex(t, DefaultConfig())
	insertAll(t, idx, randomVectors(1, 10, 4))

	plan, err := idx.Prepare(11, randomVectors(2, 1, 4)[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Insert(12, randomVectors(3, 1, 4)[0]); err != nil {
		t.Fatal(err)
	}
	if err := idx.Commit(plan); !errors.Is(err, ErrStalePlan) {
		t.Fatalf("expected ErrStalePlan, got %v", err)
	}
	if idx.Contains(11) {
		t.Error("stale plan must not be applied")
	}
}

func TestLinkInvariants(t *testing.T) {
	cfg := DefaultConfig()
	cfg.M = 4
	idx := newTestIndex(t, cfg)
	insertAll(t, idx, randomVectors(11, 500, 8))

	snap := idx.Export()
	levels := make(map[uint64]int)
	for st := range snap.Nodes() {
		levels[st.ID] = st.Level
	}
	for st := range snap.Nodes() {
		if len(st.Links) != st.Level+1 {
			t.Fatalf("node %d: %d layers for level %d", st.ID, len(st.Links), st.Level)
		}
		for l, layer := range st.Links {
			budget := cfg.M
			if l == 0 {
				budget = 2 * cfg.M
			}
			if len(layer) > budget {
				t.Fatalf("node %d layer %d: %d links over budget %d", st.ID, l, len(layer), budget)
			}
			for _, nb := range layer {
				if nb == st.ID {
					t.Fatalf("node %d links to itself", st.ID)
				}
				if levels[nb] < l {
					t.Fatalf("node %d links to %d at layer %d above its level", st.ID, nb, l)
				}
			}
		}
	}
	if lvl, _ := idx.Level(idx.EntryPoint()); lvl != idx.MaxLevel() {
		t.Errorf("entry point level %d, max level %d", lvl, idx.MaxLevel())
	}
}

func TestSeedDeterminism(t *testing.T) {
	vectors := randomVectors(8, 300, 8)
	cfg := DefaultConfig()
	cfg.Seed = 1234

	a := newTestIndex(t, cfg)
	b := newTestIndex(t, cfg)
	insertAll(t, a, vectors)
	insertAll(t, b, vectors)

	for id := uint64(1); id <= 300; id++ {
		la, _ := a.Level(id)
		lb, _ := b.Level(id)
		if la != lb || !reflect.DeepEqual(a.Neighbors(id, 0), b.Neighbors(id, 0)) {
			t.Fatalf("node %d differs between identically seeded graphs", id)
		}
	}
}

func TestLevelDistribution(t *testing.T) {
	idx := newTestIndex(t, DefaultConfig())
	counts := make(map[int]int)
	const draws = 20000
	for i := 0; i < draws; i++ {
		l := idx.levelFor(uint64(i + 1))
		if l < 0 || l > DefaultMaxLevel {
			t.Fatalf("level %d out of range", l)
		}
		counts[l]++
	}
	// P(level >= 1) = 1/M for mL = 1/ln(M).
	upper := float64(draws-counts[0]) / draws
	if upper < 0.04 || upper > 0.09 {
		t.Errorf("fraction of nodes above layer 0 = %.3f, want about 1/16", upper)
	}
}

func TestDeletion(t *testing.T) {
	vectors := randomVectors(21, 500, 16)
	idx := newTestIndex(t, DefaultConfig())
	insertAll(t, idx, vectors)

	deleted := make(map[uint64]bool)
	for id := uint64(1); id <= 500; id += 3 {
		if !idx.MarkDeleted(id) {
			t.Fatalf("MarkDeleted(%d) returned false", id)
		}
		deleted[id] = true
	}
	if idx.MarkDeleted(1) {
		t.Error("second MarkDeleted must be a no-op")
	}
	if idx.Live() != 500-len(deleted) || idx.Tombstones() != len(deleted) {
		t.Errorf("Live=%d Tombstones=%d", idx.Live(), idx.Tombstones())
	}

	for _, q := range randomVectors(22, 20, 16) {
		res, err := idx.Search(q, 10, 100)
		if err != nil {
			t.Fatal(err)
		}
		if len(res) != 10 {
			t.Fatalf("expected 10 results, got %d", len(res))
		}
		for _, c := range res {
			if deleted[c.ID] {
				t.Fatalf("tombstoned node %d returned", c.ID)
			}
		}
	}
}

func TestDeleteEverything(t *testing.T) {
	idx := newTestIndex(t, DefaultConfig())
	insertAll(t, idx, randomVectors(1, 20, 4))
	for id := uint64(1); id <= 20; id++ {
		idx.MarkDeleted(id)
	}
	res, err := idx.Search([]float32{1, 0, 0, 0}, 5, 0)
	if err != nil || len(res) != 0 {
		t.Fatalf("expected no results, got %v, %v", res, err)
	}

	// New nodes stay reachable through the tombstoned ones.
	if err := idx.Insert(21, distance.Normalize([]float32{1, 0, 0, 0})); err != nil {
		t.Fatal(err)
	}
	res, _ = idx.Search([]float32{1, 0, 0, 0}, 5, 0)
	if !reflect.DeepEqual(ids(res), []uint64{21}) {
		t.Errorf("expected [21], got %v", ids(res))
	}
}

func TestCompaction(t *testing.T) {
	const n = 800
	vectors := randomVectors(31, n, 16)
	cfg := DefaultConfig()
	cfg.Seed = 3
	idx := newTestIndex(t, cfg)
	insertAll(t, idx, vectors)

	deleted := make(map[uint64]bool)
	rng := rand.New(rand.NewPCG(9, 9))
	for len(deleted) < n/4 {
		id := uint64(rng.IntN(n) + 1)
		if idx.MarkDeleted(id) {
			deleted[id] = true
		}
	}
	// Make sure the entry point is among the removed nodes.
	ep := idx.EntryPoint()
	if idx.MarkDeleted(ep) {
		deleted[ep] = true
	}

	queries := randomVectors(32, 30, 16)
	before := make([][]uint64, len(queries))
	for i, q := range queries {
		res, _ := idx.Search(q, 10, n)
		before[i] = ids(res)
	}

	removed, err := idx.Compact()
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != len(deleted) {
		t.Fatalf("removed %d nodes, want %d", len(removed), len(deleted))
	}
	if idx.Tombstones() != 0 || idx.Len() != n-len(deleted) {
		t.Fatalf("after compaction Len=%d Tombstones=%d", idx.Len(), idx.Tombstones())
	}
	if _, dead := deleted[idx.EntryPoint()]; dead {
		t.Fatal("entry point still references a removed node")
	}
	if lvl, _ := idx.Level(idx.EntryPoint()); lvl != idx.MaxLevel() {
		t.Errorf("entry point level %d, max level %d", lvl, idx.MaxLevel())
	}

	for st := range idx.Export().Nodes() {
		for _, layer := range st.Links {
			for _, nb := range layer {
				if deleted[nb] {
					t.Fatalf("node %d still links to removed node %d", st.ID, nb)
				}
			}
		}
	}

	total := 0.0
	for i, q := range queries {
		res, _ := idx.Search(q, 10, 0)
		exact := bruteForce(vectors, q, 10, deleted)
		total += recall(ids(res), exact)
		if wide, _ := idx.Search(q, 10, n); !reflect.DeepEqual(ids(wide), before[i]) {
			t.Errorf("query %d: compaction changed exhaustive results: %v vs %v", i, ids(wide), before[i])
		}
	}
	if avg := total / float64(len(queries)); avg < 0.9 {
		t.Errorf("recall after compaction = %.3f", avg)
	}

	if removed, _ := idx.Compact(); removed != nil {
		t.Errorf("second compaction removed %v", removed)
	}
}

func TestCompactToEmpty(t *testing.T) {
	idx := newTestIndex(t, DefaultConfig())
	insertAll(t, idx, randomVectors(1, 5, 4))
	for id := uint64(1); id <= 5; id++ {
		idx.MarkDeleted(id)
	}
	removed, err := idx.Compact()
	if err != nil || len(removed) != 5 {
		t.Fatalf("Compact = %v, %v", removed, err)
	}
	if idx.EntryPoint() != 0 || idx.MaxLevel() != -1 || idx.Len() != 0 {
		t.Errorf("graph not empty: ep=%d level=%d len=%d", idx.EntryPoint(), idx.MaxLevel(), idx.Len())
	}
	if err := idx.Insert(6, distance.Normalize([]float32{1, 1, 0, 0})); err != nil {
		t.Fatal(err)
	}
	if idx.EntryPoint() != 6 {
		t.Errorf("entry point = %d, want 6", idx.EntryPoint())
	}
}
