package hnsw

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/sanonone/kektorvec/pkg/core/distance"
	"github.com/sanonone/kektorvec/pkg/core/types"
)

// ErrStalePlan is returned by Commit when the graph changed after the plan was prepared.
var ErrStalePlan = errors.New("stale insertion plan")

// Index is the hierarchical graph.
//
// Searches and insertion planning share the read lock. Commits, deletions and
// compaction swaps take the write lock for the duration of a few slice
// assignments. Callers are expected to serialize writers among themselves.
type Index struct {
	mu sync.RWMutex

	cfg   Config
	m     int // neighbor budget on layers >= 1
	mMax0 int // neighbor budget on layer 0
	ml    float64

	distFn distance.DistanceFunc

	// nodes is a dense table addressed through slots, so memory follows the
	// number of nodes rather than the largest id. Freed slots are reused.
	nodes      []*node
	slots      map[uint64]uint32
	free       []uint32
	entryPoint uint64 // 0 when the graph is empty
	maxLevel   int    // -1 when the graph is empty
	size       int
	deleted    int

	// version increases on every structural change and detects stale plans.
	version uint64

	visitedPool sync.Pool
}

// New creates an empty graph.
func New(cfg Config) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	fn, err := distance.GetFloat32Func(distance.Cosine)
	if err != nil {
		return nil, err
	}

	h := &Index{
		cfg:      cfg,
		m:        cfg.M,
		mMax0:    cfg.M * 2,
		ml:       1.0 / math.Log(float64(cfg.M)),
		distFn:   fn,
		nodes:    make([]*node, 0, 1024),
		slots:    make(map[uint64]uint32, 1024),
		maxLevel: -1,
	}
	h.visitedPool = sync.Pool{
		New: func() any { return NewBitSet(1024) },
	}
	return h, nil
}

// Config returns the parameters the graph was built with.
func (h *Index) Config() Config { return h.cfg }

// capacity returns the neighbor budget of a layer.
func (h *Index) capacity(layer int) int {
	if layer == 0 {
		return h.mMax0
	}
	return h.m
}

// levelFor draws floor(-ln(U) * mL), capped at MaxLevel. U comes from a
// generator seeded with the configured seed and the id, so a node gets the
// same level every time the graph is rebuilt from the same inserts.
func (h *Index) levelFor(id uint64) int {
	rng := rand.New(rand.NewPCG(h.cfg.Seed^0x9e3779b97f4a7c15, id))
	u := 1 - rng.Float64() // (0, 1]

	level := int(math.Floor(-math.Log(u) * h.ml))
	if level > h.cfg.MaxLevel {
		level = h.cfg.MaxLevel
	}
	return level
}

// get returns the node for id or nil. Must be called under a lock.
func (h *Index) get(id uint64) *node {
	if s, ok := h.slots[id]; ok {
		return h.nodes[s]
	}
	return nil
}

func (h *Index) vectorOf(id uint64) []float32 {
	if n := h.get(id); n != nil {
		return n.vector
	}
	return nil
}

// put stores n in the slot of its id, allocating one for a new id. Must be
// called under Lock.
func (h *Index) put(n *node) {
	if s, ok := h.slots[n.id]; ok {
		h.nodes[s] = n
		return
	}
	var s uint32
	if last := len(h.free) - 1; last >= 0 {
		s, h.free = h.free[last], h.free[:last]
		h.nodes[s] = n
	} else {
		s = uint32(len(h.nodes))
		h.nodes = append(h.nodes, n)
	}
	h.slots[n.id] = s
}

// remove frees the slot of id. Must be called under Lock.
func (h *Index) remove(id uint64) {
	s, ok := h.slots[id]
	if !ok {
		return
	}
	h.nodes[s] = nil
	delete(h.slots, id)
	h.free = append(h.free, s)
}

// --- Search ---

// Search returns up to k nearest live nodes to query, sorted by distance then id.
// ef <= 0 selects the configured EfSearch. The query does not need to be normalized.
func (h *Index) Search(query []float32, k, ef int) ([]types.Candidate, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", types.ErrInvalidArgument, k)
	}
	q := distance.Normalize(query)

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entryPoint == 0 {
		return []types.Candidate{}, nil
	}
	if ef <= 0 {
		ef = h.cfg.EfSearch
	}
	ef = max(ef, k)

	ep, err := h.entryCandidate(q)
	if err != nil {
		return nil, err
	}

	// 1) Greedy descent through the upper layers.
	for l := h.maxLevel; l > 0; l-- {
		nearest, err := h.searchLayer(q, []types.Candidate{ep}, 1, l, true)
		if err != nil {
			return nil, err
		}
		if len(nearest) > 0 {
			ep = nearest[0]
		}
	}

	// 2) Best-first search on the base layer.
	results, err := h.searchLayer(q, []types.Candidate{ep}, ef, 0, false)
	if err != nil {
		return nil, err
	}
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (h *Index) entryCandidate(q []float32) (types.Candidate, error) {
	d, err := h.distFn(q, h.get(h.entryPoint).vector)
	if err != nil {
		return types.Candidate{}, err
	}
	return types.Candidate{ID: h.entryPoint, Distance: d}, nil
}

// searchLayer runs a best-first search on one layer starting from entries and
// returns at most ef candidates sorted by distance then id. Tombstoned nodes are
// always traversed; they are part of the result only when includeDeleted is set.
// Must be called under a lock.
func (h *Index) searchLayer(q []float32, entries []types.Candidate, ef, layer int, includeDeleted bool) ([]types.Candidate, error) {
	visited := h.visitedPool.Get().(*BitSet)
	defer func() {
		visited.Clear()
		h.visitedPool.Put(visited)
	}()
	visited.EnsureCapacity(uint64(len(h.nodes)))

	candidates := newMinHeap(ef)
	results := newMaxHeap(ef + 1)

	for _, e := range entries {
		s, ok := h.slots[e.ID]
		if !ok || visited.Has(uint64(s)) {
			continue
		}
		visited.Add(uint64(s))
		heap.Push(candidates, e)
		if n := h.nodes[s]; includeDeleted || !n.deleted {
			heap.Push(results, e)
			if results.Len() > ef {
				heap.Pop(results)
			}
		}
	}

	for candidates.Len() > 0 {
		current := heap.Pop(candidates).(types.Candidate)

		// Nothing reachable from here can beat the worst kept result.
		if results.Len() >= ef && results.Peek().Less(current) {
			break
		}

		currentNode := h.get(current.ID)
		if currentNode == nil || layer > currentNode.level {
			continue
		}

		for _, neighborID := range currentNode.links[layer] {
			s, ok := h.slots[neighborID]
			if !ok || visited.Has(uint64(s)) {
				continue
			}
			visited.Add(uint64(s))
			neighbor := h.nodes[s]
			d, err := h.distFn(q, neighbor.vector)
			if err != nil {
				return nil, err
			}
			c := types.Candidate{ID: neighborID, Distance: d}

			if results.Len() < ef || c.Less(results.Peek()) {
				heap.Push(candidates, c)
				if includeDeleted || !neighbor.deleted {
					heap.Push(results, c)
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]types.Candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(types.Candidate)
	}
	return out, nil
}

// --- Insertion ---

// Insertion is a prepared but not yet applied insertion. It holds the new node
// and replacement copies of every neighbor whose list changes.
type Insertion struct {
	node       *node
	updates    map[uint64]*node
	entryPoint uint64
	maxLevel   int
	version    uint64
}

// ID returns the id of the node being inserted.
func (p *Insertion) ID() uint64 { return p.node.id }

// Level returns the level drawn for the new node.
func (p *Insertion) Level() int { return p.node.level }

// lookup resolves a node as it will look after the plan is committed.
func (p *Insertion) lookup(h *Index, id uint64) *node {
	if id == p.node.id {
		return p.node
	}
	if n, ok := p.updates[id]; ok {
		return n
	}
	return h.get(id)
}

// Prepare plans the insertion of a normalized vector under id. It only takes
// the read lock, so searches keep running while the neighborhood is computed.
// The vector is retained by the graph and must not be modified afterwards.
func (h *Index) Prepare(id uint64, vector []float32) (*Insertion, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: node id 0 is reserved", types.ErrInvalidArgument)
	}
	level := h.levelFor(id)

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.get(id) != nil {
		return nil, fmt.Errorf("%w: node %d already exists", types.ErrInvalidArgument, id)
	}

	n := &node{id: id, level: level, vector: vector, links: make([][]uint64, level+1)}
	for l := range n.links {
		n.links[l] = []uint64{}
	}
	plan := &Insertion{
		node:       n,
		updates:    make(map[uint64]*node),
		entryPoint: h.entryPoint,
		maxLevel:   h.maxLevel,
		version:    h.version,
	}

	if h.entryPoint == 0 {
		plan.entryPoint = id
		plan.maxLevel = level
		return plan, nil
	}

	ep, err := h.entryCandidate(vector)
	if err != nil {
		return nil, err
	}
	entries := []types.Candidate{ep}

	for l := h.maxLevel; l > level; l-- {
		nearest, err := h.searchLayer(vector, entries, 1, l, true)
		if err != nil {
			return nil, err
		}
		if len(nearest) > 0 {
			entries = nearest[:1]
		}
	}

	for l := min(level, h.maxLevel); l >= 0; l-- {
		found, err := h.searchLayer(vector, entries, h.cfg.EfConstruction, l, true)
		if err != nil {
			return nil, err
		}

		selected, err := h.selectNeighbors(found, h.m, func(id uint64) []float32 {
			if nb := plan.lookup(h, id); nb != nil {
				return nb.vector
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		links := make([]uint64, len(selected))
		for i, c := range selected {
			links[i] = c.ID
		}
		n.links[l] = links

		for _, c := range selected {
			if err := h.planBacklink(plan, c.ID, l, c.Distance); err != nil {
				return nil, err
			}
		}
		if len(found) > 0 {
			entries = found
		}
	}

	if level > h.maxLevel {
		plan.entryPoint = id
		plan.maxLevel = level
	}
	return plan, nil
}

// planBacklink records that neighborID gains a link to the new node at layer.
// When the neighbor list overflows, the farthest entries are evicted.
func (h *Index) planBacklink(plan *Insertion, neighborID uint64, layer int, dist float64) error {
	current := plan.lookup(h, neighborID)
	if current == nil || layer > current.level {
		return nil
	}
	newID := plan.node.id
	existing := current.links[layer]
	capacity := h.capacity(layer)

	var next []uint64
	if len(existing) < capacity {
		next = make([]uint64, len(existing)+1)
		copy(next, existing)
		next[len(existing)] = newID
	} else {
		candidates := make([]types.Candidate, 0, len(existing)+1)
		for _, id := range existing {
			other := plan.lookup(h, id)
			if other == nil {
				continue
			}
			d, err := h.distFn(current.vector, other.vector)
			if err != nil {
				return err
			}
			candidates = append(candidates, types.Candidate{ID: id, Distance: d})
		}
		candidates = append(candidates, types.Candidate{ID: newID, Distance: dist})
		sortCandidates(candidates)

		kept, err := h.selectNeighbors(candidates, capacity, func(id uint64) []float32 {
			if nb := plan.lookup(h, id); nb != nil {
				return nb.vector
			}
			return nil
		})
		if err != nil {
			return err
		}
		next = make([]uint64, len(kept))
		for i, c := range kept {
			next[i] = c.ID
		}
	}

	plan.updates[neighborID] = current.withLinks(layer, next)
	return nil
}

// Commit applies a prepared insertion under the write lock.
func (h *Index) Commit(plan *Insertion) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if plan.version != h.version {
		return fmt.Errorf("%w: node %d", ErrStalePlan, plan.node.id)
	}
	id := plan.node.id
	if h.get(id) != nil {
		return fmt.Errorf("%w: node %d already exists", types.ErrInvalidArgument, id)
	}

	h.put(plan.node)
	for _, updated := range plan.updates {
		h.put(updated)
	}
	h.entryPoint = plan.entryPoint
	h.maxLevel = plan.maxLevel
	h.size++
	h.version++
	return nil
}

// Insert prepares and commits in one step.
func (h *Index) Insert(id uint64, vector []float32) error {
	plan, err := h.Prepare(id, vector)
	if err != nil {
		return err
	}
	return h.Commit(plan)
}

// selectNeighbors picks up to m candidates from a list sorted by distance. With
// the heuristic disabled the m nearest are kept. With it enabled a candidate is
// only accepted if it is closer to the base than to every already accepted
// neighbor; free slots are then filled back with the best discarded ones.
func (h *Index) selectNeighbors(candidates []types.Candidate, m int, vectorOf func(uint64) []float32) ([]types.Candidate, error) {
	if len(candidates) <= m {
		return candidates, nil
	}
	if !h.cfg.Heuristic {
		return candidates[:m], nil
	}

	results := make([]types.Candidate, 0, m)
	discarded := make([]types.Candidate, 0, len(candidates))

	for _, e := range candidates {
		if len(results) >= m {
			break
		}
		ev := vectorOf(e.ID)
		good := true
		for _, r := range results {
			d, err := h.distFn(ev, vectorOf(r.ID))
			if err != nil {
				return nil, err
			}
			if d < e.Distance {
				good = false
				break
			}
		}
		if good {
			results = append(results, e)
		} else {
			discarded = append(discarded, e)
		}
	}

	for _, c := range discarded {
		if len(results) >= m {
			break
		}
		results = append(results, c)
	}
	sortCandidates(results)
	return results, nil
}

func sortCandidates(c []types.Candidate) {
	slices.SortFunc(c, func(a, b types.Candidate) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
}

// --- Deletion and accessors ---

// MarkDeleted tombstones id. It reports whether the node was live.
func (h *Index) MarkDeleted(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.get(id)
	if n == nil || n.deleted {
		return false
	}
	h.put(n.withDeleted())
	h.deleted++
	h.version++
	return true
}

// IsDeleted reports whether id is a tombstoned node.
func (h *Index) IsDeleted(id uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := h.get(id)
	return n != nil && n.deleted
}

// Contains reports whether id is present, tombstoned or not.
func (h *Index) Contains(id uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.get(id) != nil
}

// Len returns the number of nodes, tombstones included.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Live returns the number of nodes that can appear in results.
func (h *Index) Live() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size - h.deleted
}

// Tombstones returns the number of tombstoned nodes.
func (h *Index) Tombstones() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.deleted
}

// EntryPoint returns the entry node id, or 0 for an empty graph.
func (h *Index) EntryPoint() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.entryPoint
}

// MaxLevel returns the highest populated layer, or -1 for an empty graph.
func (h *Index) MaxLevel() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.maxLevel
}

// Level returns the level of id.
func (h *Index) Level(id uint64) (int, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := h.get(id)
	if n == nil {
		return 0, false
	}
	return n.level, true
}

// Neighbors returns a copy of the neighbor list of id at layer.
func (h *Index) Neighbors(id uint64, layer int) []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := h.get(id)
	if n == nil || layer < 0 || layer > n.level {
		return nil
	}
	return slices.Clone(n.links[layer])
}
