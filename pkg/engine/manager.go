package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sanonone/kektorvec/pkg/core/hnsw"
	"github.com/sanonone/kektorvec/pkg/core/storage"
	"github.com/sanonone/kektorvec/pkg/core/types"
	"github.com/sanonone/kektorvec/pkg/embeddings"
	"github.com/sanonone/kektorvec/pkg/metrics"
	"github.com/sanonone/kektorvec/pkg/persistence"
	"github.com/sanonone/kektorvec/pkg/query"
)

// Manager owns the storage, the graph and the tombstones of one index and
// keeps them consistent with each other. It is safe for concurrent use:
// searches run in parallel, mutations are serialized.
type Manager struct {
	cfg Config

	// writeMu serializes inserts, deletes, compaction and snapshot capture.
	writeMu sync.Mutex

	store *storage.Store
	graph *hnsw.Index
	query *query.Engine
}

// New creates an empty index.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	store, err := storage.New(cfg.Dimension, cfg.Precision)
	if err != nil {
		return nil, err
	}
	graph, err := hnsw.New(cfg.graphConfig())
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:   cfg,
		store: store,
		graph: graph,
		query: &query.Engine{Searcher: graph, Resolver: store, Dimension: cfg.Dimension},
	}, nil
}

// Config returns the configuration of the index, defaults applied.
func (m *Manager) Config() Config { return m.cfg }

// Insert stores a vector with its metadata and links it into the graph. It
// returns the new id. On failure the index is left as it was.
func (m *Manager) Insert(vector []float32, metadata map[string]any) (uint64, error) {
	rec, err := m.insert(vector, metadata)
	if err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// insert returns the record in stored form, for the write-ahead log.
func (m *Manager) insert(vector []float32, metadata map[string]any) (types.Record, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	id, err := m.store.Put(vector, metadata)
	if err != nil {
		return types.Record{}, err
	}
	rec, err := m.store.Get(id)
	if err == nil {
		err = m.link(rec)
	}
	if err != nil {
		m.store.Remove([]uint64{id})
		return types.Record{}, fmt.Errorf("failed to insert vector: %w", err)
	}

	m.recordInsert()
	return rec, nil
}

// restore re-applies a logged insertion. Ids already present are skipped so a
// log that overlaps the loaded snapshot replays cleanly.
func (m *Manager) restore(rec types.Record) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	// Tombstoned records stay in the graph until compaction.
	if m.graph.Contains(rec.ID) {
		return nil
	}
	meta, err := storage.CanonicalMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	rec.Metadata = meta
	if err := m.store.Restore(rec, false); err != nil {
		return err
	}
	if err := m.link(rec); err != nil {
		m.store.Remove([]uint64{rec.ID})
		return err
	}
	m.recordInsert()
	return nil
}

// link adds a stored record to the graph. The plan is computed under the graph
// read lock and committed under the write lock; writeMu guarantees nothing
// commits in between.
func (m *Manager) link(rec types.Record) error {
	plan, err := m.graph.Prepare(rec.ID, rec.Vector)
	if err != nil {
		return err
	}
	return m.graph.Commit(plan)
}

// Delete tombstones id. It is idempotent and reports whether id was live.
func (m *Manager) Delete(id uint64) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.graph.MarkDeleted(id)
	if !m.store.Delete(id) {
		return false
	}
	metrics.DeletesTotal.WithLabelValues(m.cfg.Name).Inc()
	m.updateGauges()
	return true
}

// Get returns a copy of the live record id.
func (m *Manager) Get(id uint64) (types.Record, error) {
	rec, err := m.store.Get(id)
	if err != nil {
		return types.Record{}, err
	}
	rec.Vector = slices.Clone(rec.Vector)
	rec.Metadata, _ = storage.CanonicalMetadata(rec.Metadata)
	return rec, nil
}

// Search runs a similarity query. A deadline on ctx bounds the whole call.
// Each result carries its own copy of the top-level metadata map; nested values
// are shared with the index and must not be modified.
func (m *Manager) Search(ctx context.Context, req query.Request) ([]types.Result, error) {
	start := time.Now()
	results, err := m.query.Search(ctx, req)
	metrics.SearchDuration.WithLabelValues(m.cfg.Name).Observe(time.Since(start).Seconds())
	metrics.SearchesTotal.WithLabelValues(m.cfg.Name, errorClass(err)).Inc()
	for i := range results {
		results[i].Metadata = maps.Clone(results[i].Metadata)
	}
	return results, err
}

// InsertText embeds text and inserts the vector. The text is kept under the
// "text" metadata key unless metadata already sets it. Embedding happens
// before the index is touched, so a failing embedder leaves it unchanged.
func (m *Manager) InsertText(ctx context.Context, embedder embeddings.Embedder, text string, metadata map[string]any) (uint64, error) {
	vec, err := Embed(ctx, embedder, text)
	if err != nil {
		return 0, err
	}
	return m.Insert(vec, textMetadata(text, metadata))
}

// textMetadata returns a copy of metadata carrying text under "text".
func textMetadata(text string, metadata map[string]any) map[string]any {
	meta := maps.Clone(metadata)
	if meta == nil {
		meta = make(map[string]any, 1)
	}
	if _, ok := meta["text"]; !ok {
		meta["text"] = text
	}
	return meta
}

// SearchText embeds text and runs a similarity query with it.
func (m *Manager) SearchText(ctx context.Context, embedder embeddings.Embedder, text string, k int, filter query.Filter) ([]types.Result, error) {
	vec, err := Embed(ctx, embedder, text)
	if err != nil {
		return nil, err
	}
	return m.Search(ctx, query.Request{Vector: vec, K: k, Filter: filter})
}

// Embed calls embedder, mapping every failure, a nil embedder included, to
// ErrEmbeddingUnavailable.
func Embed(ctx context.Context, embedder embeddings.Embedder, text string) ([]float32, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: no embedder configured", types.ErrEmbeddingUnavailable)
	}
	vec, err := embedder.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, types.ErrEmbeddingUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", types.ErrEmbeddingUnavailable, err)
	}
	return vec, nil
}

// Compact physically removes tombstoned vectors and repairs the graph around
// them. It returns the number of vectors removed.
func (m *Manager) Compact() (int, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	removed, err := m.graph.Compact()
	if err != nil {
		return 0, fmt.Errorf("compaction failed: %w", err)
	}
	m.store.Remove(removed)

	metrics.CompactionsTotal.WithLabelValues(m.cfg.Name).Inc()
	metrics.CompactedNodesTotal.WithLabelValues(m.cfg.Name).Add(float64(len(removed)))
	m.updateGauges()
	return len(removed), nil
}

// capture is a consistent image of the index. Both views are copy-on-write,
// so encoding one does not hold any lock.
type capture struct {
	manifest persistence.Manifest
	records  *storage.View
	graph    *hnsw.Snapshot
}

func (m *Manager) capture() capture {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	view := m.store.Snapshot()
	g := m.graph.Export()
	return capture{
		manifest: persistence.Manifest{
			Name:           m.cfg.Name,
			Dimension:      m.cfg.Dimension,
			Metric:         string(m.cfg.Metric),
			Precision:      string(m.cfg.Precision),
			M:              m.cfg.M,
			EfConstruction: m.cfg.EfConstruction,
			EfSearch:       m.cfg.EfSearch,
			Heuristic:      m.cfg.Heuristic,
			EntryPoint:     g.EntryPoint,
			MaxLevel:       g.MaxLevel,
			NextID:         view.NextID,
			Records:        view.Live,
			Tombstones:     view.Tombstoned,
			Nodes:          g.Size,
		},
		records: view,
		graph:   g,
	}
}

func (m *Manager) write(w io.Writer, c capture) error {
	start := time.Now()
	if err := persistence.WriteSnapshot(w, c.manifest, c.records.Records(), c.graph.Nodes()); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	metrics.SnapshotsTotal.WithLabelValues(m.cfg.Name).Inc()
	metrics.SnapshotDuration.WithLabelValues(m.cfg.Name).Observe(time.Since(start).Seconds())
	return nil
}

// Snapshot writes the index to w. Mutations wait only while the copy-on-write
// views are taken; searches never wait.
func (m *Manager) Snapshot(w io.Writer) error {
	return m.write(w, m.capture())
}

// Load reads a snapshot and rebuilds the index. The snapshot must agree with
// cfg on dimension, metric, precision, M and efConstruction, otherwise
// ErrConfigMismatch is returned. Structural damage yields ErrCorruptSnapshot.
func Load(r io.Reader, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	data, err := persistence.ReadSnapshot(r)
	if err != nil {
		return nil, err
	}
	if err := checkManifest(data.Manifest, cfg); err != nil {
		return nil, err
	}

	m, err := New(cfg)
	if err != nil {
		return nil, err
	}

	deleted := make(map[uint64]bool, len(data.Records))
	vectors := make(map[uint64][]float32, len(data.Records))
	for _, sr := range data.Records {
		if err := m.store.Restore(sr.Record, sr.Deleted); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrCorruptSnapshot, err)
		}
		deleted[sr.Record.ID] = sr.Deleted
		vectors[sr.Record.ID] = sr.Record.Vector
	}
	m.store.SetNextID(data.Manifest.NextID)

	if len(data.Nodes) != len(data.Records) {
		return nil, fmt.Errorf("%w: %d graph nodes for %d records", types.ErrCorruptSnapshot, len(data.Nodes), len(data.Records))
	}
	for i := range data.Nodes {
		data.Nodes[i].Deleted = deleted[data.Nodes[i].ID]
	}
	vectorOf := func(id uint64) ([]float32, bool) {
		v, ok := vectors[id]
		return v, ok
	}
	if err := m.graph.Restore(data.Manifest.EntryPoint, data.Manifest.MaxLevel, data.Nodes, vectorOf); err != nil {
		return nil, err
	}

	m.updateGauges()
	slog.Info("Index loaded from snapshot",
		"name", cfg.Name,
		"snapshot_id", data.Manifest.SnapshotID,
		"live", data.Manifest.Records,
		"tombstones", data.Manifest.Tombstones)
	return m, nil
}

func checkManifest(mf persistence.Manifest, cfg Config) error {
	mismatch := func(field string, got, want any) error {
		return fmt.Errorf("%w: snapshot %s is %v, configured %v", types.ErrConfigMismatch, field, got, want)
	}
	switch {
	case mf.Dimension != cfg.Dimension:
		return mismatch("dimension", mf.Dimension, cfg.Dimension)
	case mf.Metric != string(cfg.Metric):
		return mismatch("metric", mf.Metric, cfg.Metric)
	case mf.Precision != string(cfg.Precision):
		return mismatch("precision", mf.Precision, cfg.Precision)
	case mf.M != cfg.M:
		return mismatch("m", mf.M, cfg.M)
	case mf.EfConstruction != cfg.EfConstruction:
		return mismatch("ef_construction", mf.EfConstruction, cfg.EfConstruction)
	}
	return nil
}

// Stats describes the current state of an index.
type Stats struct {
	Name           string `json:"name"`
	Dimension      int    `json:"dimension"`
	Metric         string `json:"metric"`
	Precision      string `json:"precision"`
	M              int    `json:"m"`
	EfConstruction int    `json:"ef_construction"`
	EfSearch       int    `json:"ef_search"`
	Live           int    `json:"live"`
	Tombstones     int    `json:"tombstones"`
	Nodes          int    `json:"nodes"`
	EntryPoint     uint64 `json:"entry_point"`
	MaxLevel       int    `json:"max_level"`
	NextID         uint64 `json:"next_id"`
}

// Stats returns counters and configuration of the index.
func (m *Manager) Stats() Stats {
	return Stats{
		Name:           m.cfg.Name,
		Dimension:      m.cfg.Dimension,
		Metric:         string(m.cfg.Metric),
		Precision:      string(m.cfg.Precision),
		M:              m.cfg.M,
		EfConstruction: m.cfg.EfConstruction,
		EfSearch:       m.cfg.EfSearch,
		Live:           m.store.Len(),
		Tombstones:     m.store.Tombstones(),
		Nodes:          m.graph.Len(),
		EntryPoint:     m.graph.EntryPoint(),
		MaxLevel:       m.graph.MaxLevel(),
		NextID:         m.store.NextID(),
	}
}

func (m *Manager) recordInsert() {
	metrics.InsertsTotal.WithLabelValues(m.cfg.Name).Inc()
	m.updateGauges()
}

func (m *Manager) updateGauges() {
	metrics.TotalVectors.WithLabelValues(m.cfg.Name).Set(float64(m.store.Len()))
	metrics.TombstonedVectors.WithLabelValues(m.cfg.Name).Set(float64(m.store.Tombstones()))
}

// errorClass names the error category of err for metric labels.
func errorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, types.ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, types.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, types.ErrEmptyIndex):
		return "empty_index"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	case errors.Is(err, types.ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "error"
}
