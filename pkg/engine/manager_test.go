package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"reflect"
	"sync"
	"testing"

	"github.com/sanonone/kektorvec/pkg/core/distance"
	"github.com/sanonone/kektorvec/pkg/core/hnsw"
	"github.com/sanonone/kektorvec/pkg/core/types"
	"github.com/sanonone/kektorvec/pkg/embeddings"
	"github.com/sanonone/kektorvec/pkg/persistence"
	"github.com/sanonone/kektorvec/pkg/query"
)

func newTestManager(t testing.TB, cfg Config) *Manager {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func randomVectors(seed uint64, n, dim int) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

// populate inserts vectors with a "group" metadata key cycling over 0..4.
func populate(t testing.TB, m *Manager, vectors [][]float32) []uint64 {
	t.Helper()
	ids := make([]uint64, len(vectors))
	for i, v := range vectors {
		id, err := m.Insert(v, map[string]any{"group": i % 5, "title": fmt.Sprintf("doc-%d", i)})
		if err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
		ids[i] = id
	}
	return ids
}

func searchAll(t testing.TB, m *Manager, queries [][]float32, k, ef int) [][]types.Result {
	t.Helper()
	out := make([][]types.Result, len(queries))
	for i, q := range queries {
		res, err := m.Search(context.Background(), query.Request{Vector: q, K: k, EfSearch: ef})
		if err != nil {
			t.Fatalf("Search %d failed: %v", i, err)
		}
		out[i] = res
	}
	return out
}

func resultIDs(results []types.Result) []uint64 {
	out := make([]uint64, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestManagerToyScenario(t *testing.T) {
	m := newTestManager(t, DefaultConfig(2))
	a, _ := m.Insert([]float32{1, 0}, map[string]any{"name": "A"})
	b, _ := m.Insert([]float32{0.9, 0.1}, map[string]any{"name": "B"})
	c, _ := m.Insert([]float32{0, 1}, map[string]any{"name": "C"})

	res, err := m.Search(context.Background(), query.Request{Vector: []float32{1, 0}, K: 3})
	if err != nil {
		t.Fatal(err)
	}
	if got := resultIDs(res); !reflect.DeepEqual(got, []uint64{a, b, c}) {
		t.Fatalf("expected order [%d %d %d], got %v", a, b, c, got)
	}

	wantB := 0.9 / math.Sqrt(0.82)
	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"A", res[0].Similarity, 1},
		{"B", res[1].Similarity, wantB},
		{"C", res[2].Similarity, 0},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-6 {
			t.Errorf("similarity of %s = %f, want %f", c.name, c.got, c.want)
		}
	}
	if res[1].Metadata["name"] != "B" {
		t.Errorf("metadata not attached: %v", res[1].Metadata)
	}
}

func TestManagerValidation(t *testing.T) {
	m := newTestManager(t, DefaultConfig(3))
	ctx := context.Background()

	if _, err := m.Search(ctx, query.Request{Vector: []float32{1, 0, 0}, K: 1}); !errors.Is(err, types.ErrEmptyIndex) {
		t.Errorf("empty index: expected ErrEmptyIndex, got %v", err)
	}

	if _, err := m.Insert([]float32{1, 0}, nil); !errors.Is(err, types.ErrDimensionMismatch) {
		t.Errorf("short insert: expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := m.Insert([]float32{1, 0, 0, 0}, nil); !errors.Is(err, types.ErrDimensionMismatch) {
		t.Errorf("long insert: expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := m.Insert([]float32{1, 0, 0}, map[string]any{"bad": make(chan int)}); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("bad metadata: expected ErrInvalidArgument, got %v", err)
	}
	if s := m.Stats(); s.Live != 0 || s.Nodes != 0 || s.NextID != 1 {
		t.Fatalf("failed inserts left side effects: %+v", s)
	}

	m.Insert([]float32{1, 0, 0}, nil)
	testCases := []struct {
		name string
		req  query.Request
		want error
	}{
		{"short query", query.Request{Vector: []float32{1, 0}, K: 1}, types.ErrDimensionMismatch},
		{"zero k", query.Request{Vector: []float32{1, 0, 0}, K: 0}, types.ErrInvalidArgument},
		{"negative k", query.Request{Vector: []float32{1, 0, 0}, K: -2}, types.ErrInvalidArgument},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Search(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name string
		cfg  Config
	}{
		{"zero dimension", Config{}},
		{"bad metric", Config{Dimension: 4, Metric: "euclidean"}},
		{"bad precision", Config{Dimension: 4, Precision: "int8"}},
		{"tiny m", Config{Dimension: 4, M: 1}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); !errors.Is(err, types.ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}

	m := newTestManager(t, Config{Dimension: 4})
	if got := m.Config(); got.M != 16 || got.EfConstruction != 200 || got.EfSearch != 64 || got.Name != DefaultIndexName {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestManagerFewerThanK(t *testing.T) {
	m := newTestManager(t, DefaultConfig(4))
	populate(t, m, randomVectors(1, 3, 4))

	res, err := m.Search(context.Background(), query.Request{Vector: []float32{1, 1, 1, 1}, K: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res))
	}
}

func TestManagerDeleteAndGet(t *testing.T) {
	m := newTestManager(t, DefaultConfig(8))
	vectors := randomVectors(2, 200, 8)
	ids := populate(t, m, vectors)

	rec, err := m.Get(ids[7])
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(distance.Norm(rec.Vector)-1) > 1e-5 {
		t.Errorf("stored vector not normalized: norm %f", distance.Norm(rec.Vector))
	}
	rec.Vector[0] = 42
	rec.Metadata["title"] = "changed"
	again, _ := m.Get(ids[7])
	if again.Vector[0] == 42 || again.Metadata["title"] == "changed" {
		t.Fatal("Get must return a copy")
	}

	deleted := map[uint64]bool{}
	for i := 0; i < len(ids); i += 4 {
		if !m.Delete(ids[i]) {
			t.Fatalf("Delete(%d) reported not live", ids[i])
		}
		deleted[ids[i]] = true
	}
	if m.Delete(ids[0]) {
		t.Error("second Delete must report false")
	}
	if m.Delete(99999) {
		t.Error("Delete of an unknown id must report false")
	}
	if _, err := m.Get(ids[0]); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Get of deleted id: expected ErrNotFound, got %v", err)
	}
	if _, err := m.Get(99999); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Get of unknown id: expected ErrNotFound, got %v", err)
	}

	for _, k := range []int{1, 10, 200} {
		for _, res := range searchAll(t, m, vectors[:20], k, 0) {
			for _, r := range res {
				if deleted[r.ID] {
					t.Fatalf("deleted id %d returned for k=%d", r.ID, k)
				}
			}
		}
	}

	s := m.Stats()
	if s.Live != 150 || s.Tombstones != 50 || s.Nodes != 200 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestManagerCompactionKeepsResults(t *testing.T) {
	m := newTestManager(t, DefaultConfig(12))
	vectors := randomVectors(3, 300, 12)
	ids := populate(t, m, vectors)
	for i := 0; i < len(ids); i += 3 {
		m.Delete(ids[i])
	}

	queries := randomVectors(4, 25, 12)
	// An ef covering the whole graph makes both searches exhaustive.
	before := searchAll(t, m, queries, 10, 1000)

	removed, err := m.Compact()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 100 {
		t.Fatalf("expected 100 removed, got %d", removed)
	}
	after := searchAll(t, m, queries, 10, 1000)
	for i := range before {
		if !reflect.DeepEqual(resultIDs(before[i]), resultIDs(after[i])) {
			t.Fatalf("query %d: results changed by compaction\nbefore %v\nafter  %v",
				i, resultIDs(before[i]), resultIDs(after[i]))
		}
	}

	s := m.Stats()
	if s.Tombstones != 0 || s.Nodes != 200 || s.Live != 200 {
		t.Errorf("unexpected stats after compaction %+v", s)
	}
	if n, _ := m.Compact(); n != 0 {
		t.Errorf("second compaction removed %d", n)
	}

	// Ids are never reused.
	id, _ := m.Insert(vectors[0], nil)
	if id != uint64(len(vectors)+1) {
		t.Errorf("expected fresh id %d, got %d", len(vectors)+1, id)
	}
}

func TestManagerFilter(t *testing.T) {
	m := newTestManager(t, DefaultConfig(6))
	vectors := randomVectors(5, 400, 6)
	populate(t, m, vectors)

	filter, err := query.ParseFilter("group = 3")
	if err != nil {
		t.Fatal(err)
	}
	res, err := m.Search(context.Background(), query.Request{Vector: vectors[0], K: 15, Filter: filter})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 15 {
		t.Fatalf("expected 15 filtered results, got %d", len(res))
	}
	for _, r := range res {
		if r.Metadata["group"] != float64(3) {
			t.Fatalf("filter let through %v", r.Metadata)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	for _, precision := range []distance.Precision{distance.Float32, distance.Float16} {
		t.Run(string(precision), func(t *testing.T) {
			cfg := DefaultConfig(16)
			cfg.Precision = precision
			m := newTestManager(t, cfg)
			vectors := randomVectors(6, 1500, 16)
			ids := populate(t, m, vectors)
			for i := 0; i < len(ids); i += 10 {
				m.Delete(ids[i])
			}

			var buf bytes.Buffer
			if err := m.Snapshot(&buf); err != nil {
				t.Fatalf("Snapshot failed: %v", err)
			}
			loaded, err := Load(bytes.NewReader(buf.Bytes()), cfg)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if !reflect.DeepEqual(m.Stats(), loaded.Stats()) {
				t.Fatalf("stats differ:\n%+v\n%+v", m.Stats(), loaded.Stats())
			}
			queries := randomVectors(7, 30, 16)
			if !reflect.DeepEqual(searchAll(t, m, queries, 10, 0), searchAll(t, loaded, queries, 10, 0)) {
				t.Fatal("loaded index returns different results")
			}
			for _, id := range ids[:50] {
				want, wantErr := m.Get(id)
				got, gotErr := loaded.Get(id)
				if !reflect.DeepEqual(want, got) || (wantErr == nil) != (gotErr == nil) {
					t.Fatalf("record %d differs after load", id)
				}
			}

			// Tombstones survive and can still be compacted.
			if n, err := loaded.Compact(); err != nil || n != 150 {
				t.Fatalf("compaction after load removed %d, %v", n, err)
			}
			id, _ := loaded.Insert(vectors[1], nil)
			if id != uint64(len(vectors)+1) {
				t.Errorf("id counter not restored: got %d", id)
			}
		})
	}
}

func TestSnapshotEmptyIndex(t *testing.T) {
	m := newTestManager(t, DefaultConfig(4))
	var buf bytes.Buffer
	if err := m.Snapshot(&buf); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(&buf, DefaultConfig(4))
	if err != nil {
		t.Fatal(err)
	}
	if s := loaded.Stats(); s.Live != 0 || s.MaxLevel != -1 || s.NextID != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestLoadConfigMismatch(t *testing.T) {
	m := newTestManager(t, DefaultConfig(4))
	populate(t, m, randomVectors(8, 10, 4))
	var buf bytes.Buffer
	m.Snapshot(&buf)

	testCases := []struct {
		name   string
		modify func(*Config)
	}{
		{"dimension", func(c *Config) { c.Dimension = 8 }},
		{"precision", func(c *Config) { c.Precision = distance.Float16 }},
		{"m", func(c *Config) { c.M = 8 }},
		{"ef_construction", func(c *Config) { c.EfConstruction = 100 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig(4)
			tc.modify(&cfg)
			if _, err := Load(bytes.NewReader(buf.Bytes()), cfg); !errors.Is(err, types.ErrConfigMismatch) {
				t.Fatalf("expected ErrConfigMismatch, got %v", err)
			}
		})
	}

	// Query-time parameters may change freely.
	cfg := DefaultConfig(4)
	cfg.EfSearch = 128
	cfg.Heuristic = true
	if _, err := Load(bytes.NewReader(buf.Bytes()), cfg); err != nil {
		t.Fatalf("changing query-time parameters must be allowed: %v", err)
	}
}

func TestLoadCorruptSnapshot(t *testing.T) {
	m := newTestManager(t, DefaultConfig(4))
	populate(t, m, randomVectors(9, 50, 4))
	var buf bytes.Buffer
	m.Snapshot(&buf)
	good := buf.Bytes()

	flipped := bytes.Clone(good)
	flipped[len(flipped)/3] ^= 0xFF

	for name, data := range map[string][]byte{
		"flipped":          flipped,
		"truncated":        good[:len(good)-5],
		"garbage":          []byte("definitely not a snapshot"),
		"negative records": manifestOnly(t, persistence.Manifest{FormatVersion: 1, Dimension: 4, Records: -5}),
		"negative nodes":   manifestOnly(t, persistence.Manifest{FormatVersion: 1, Dimension: 4, Nodes: -1}),
		"overflow counts":  manifestOnly(t, persistence.Manifest{FormatVersion: 1, Dimension: 4, Records: math.MaxInt, Tombstones: math.MaxInt}),
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(bytes.NewReader(data), DefaultConfig(4)); !errors.Is(err, types.ErrCorruptSnapshot) {
				t.Fatalf("expected ErrCorruptSnapshot, got %v", err)
			}
		})
	}
}

// manifestOnly encodes valid frames holding a manifest and an empty trailer.
func manifestOnly(t *testing.T, mf persistence.Manifest) []byte {
	t.Helper()
	var buf bytes.Buffer
	fw := persistence.NewFrameWriter(&buf)
	manifest, err := json.Marshal(mf)
	if err != nil {
		t.Fatal(err)
	}
	if err := fw.WriteFrame(persistence.OpManifest, manifest); err != nil {
		t.Fatal(err)
	}
	if err := fw.WriteFrame(persistence.OpTrailer, []byte(`{"records":0,"nodes":0}`)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestLoadSparseIDs(t *testing.T) {
	cfg := DefaultConfig(2)
	big := uint64(1) << 60
	mf := persistence.Manifest{
		Dimension:      cfg.Dimension,
		Metric:         string(cfg.Metric),
		Precision:      string(cfg.Precision),
		M:              cfg.M,
		EfConstruction: cfg.EfConstruction,
		EfSearch:       cfg.EfSearch,
		EntryPoint:     big,
		MaxLevel:       0,
		NextID:         big + 1,
		Records:        2,
		Nodes:          2,
	}
	records := func(yield func(types.Record, bool) bool) {
		_ = yield(types.Record{ID: 1, Vector: []float32{1, 0}}, false) &&
			yield(types.Record{ID: big, Vector: []float32{0, 1}}, false)
	}
	nodes := func(yield func(hnsw.NodeState) bool) {
		_ = yield(hnsw.NodeState{ID: 1, Level: 0, Links: [][]uint64{{big}}}) &&
			yield(hnsw.NodeState{ID: big, Level: 0, Links: [][]uint64{{1}}})
	}
	var buf bytes.Buffer
	if err := persistence.WriteSnapshot(&buf, mf, records, nodes); err != nil {
		t.Fatal(err)
	}

	m, err := Load(&buf, cfg)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	res, err := m.Search(context.Background(), query.Request{Vector: []float32{0, 1}, K: 1})
	if err != nil || len(res) != 1 || res[0].ID != big {
		t.Fatalf("Search = %+v, %v", res, err)
	}
	id, err := m.Insert([]float32{1, 1}, nil)
	if err != nil || id != big+1 {
		t.Fatalf("Insert = %d, %v", id, err)
	}
}

// wordEmbedder maps known words to fixed vectors.
func wordEmbedder(words map[string][]float32) embeddings.Embedder {
	return embeddings.Func(func(_ context.Context, text string) ([]float32, error) {
		v, ok := words[text]
		if !ok {
			return nil, fmt.Errorf("rate limited")
		}
		return v, nil
	})
}

func TestTextHelpers(t *testing.T) {
	m := newTestManager(t, DefaultConfig(2))
	emb := wordEmbedder(map[string][]float32{
		"cats":    {1, 0},
		"kittens": {0.95, 0.05},
		"trucks":  {0, 1},
	})
	ctx := context.Background()

	for _, w := range []string{"cats", "trucks"} {
		if _, err := m.InsertText(ctx, emb, w, map[string]any{"source": "test"}); err != nil {
			t.Fatal(err)
		}
	}

	_, err := m.InsertText(ctx, emb, "unknown", nil)
	if !errors.Is(err, types.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if s := m.Stats(); s.Live != 2 || s.NextID != 3 {
		t.Fatalf("failed embedding touched the index: %+v", s)
	}
	if _, err := m.InsertText(ctx, nil, "cats", nil); !errors.Is(err, types.ErrEmbeddingUnavailable) {
		t.Fatalf("nil embedder: expected ErrEmbeddingUnavailable, got %v", err)
	}

	res, err := m.SearchText(ctx, emb, "kittens", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Metadata["text"] != "cats" || res[0].Metadata["source"] != "test" {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := m.SearchText(ctx, emb, "unknown", 1, nil); !errors.Is(err, types.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
}

func TestSearchHonoursContext(t *testing.T) {
	m := newTestManager(t, DefaultConfig(4))
	populate(t, m, randomVectors(10, 20, 4))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Search(ctx, query.Request{Vector: []float32{1, 0, 0, 0}, K: 3}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConcurrentSearchDuringMutation(t *testing.T) {
	m := newTestManager(t, DefaultConfig(8))
	vectors := randomVectors(11, 1200, 8)
	populate(t, m, vectors[:200])

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 8)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				res, err := m.Search(context.Background(), query.Request{Vector: vectors[(r*31+i)%200], K: 5})
				if err != nil {
					errs <- err
					return
				}
				for j := 1; j < len(res); j++ {
					if res[j].Similarity > res[j-1].Similarity {
						errs <- fmt.Errorf("results out of order: %v", res)
						return
					}
				}
			}
		}(r)
	}

	var buf bytes.Buffer
	for i, v := range vectors[200:] {
		id, err := m.Insert(v, nil)
		if err != nil {
			t.Fatal(err)
		}
		if i%7 == 0 {
			m.Delete(id)
		}
		if i == 500 {
			if err := m.Snapshot(&buf); err != nil {
				t.Fatal(err)
			}
		}
	}
	if _, err := m.Compact(); err != nil {
		t.Fatal(err)
	}
	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	// The snapshot taken mid-stream is self-consistent.
	if _, err := Load(&buf, DefaultConfig(8)); err != nil {
		t.Fatalf("snapshot taken during mutation does not load: %v", err)
	}
}
