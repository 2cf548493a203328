package hnsw

import (
	"cmp"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/sanonone/kektorvec/pkg/core/types"
)

// Snapshot is an immutable capture of the graph structure. It shares node
// values with the live graph; those are never mutated, so the capture stays
// consistent while the graph keeps changing.
type Snapshot struct {
	EntryPoint uint64
	MaxLevel   int
	Size       int

	nodes []*node
}

// Export captures the current graph.
func (h *Index) Export() *Snapshot {
	h.mu.RLock()
	s := &Snapshot{
		EntryPoint: h.entryPoint,
		MaxLevel:   h.maxLevel,
		Size:       h.size,
		nodes:      make([]*node, 0, h.size),
	}
	for _, n := range h.nodes {
		if n != nil {
			s.nodes = append(s.nodes, n)
		}
	}
	h.mu.RUnlock()

	slices.SortFunc(s.nodes, func(a, b *node) int { return cmp.Compare(a.id, b.id) })
	return s
}

// Nodes yields the captured nodes in ascending id order. Link slices are shared
// and must not be modified.
func (s *Snapshot) Nodes() iter.Seq[NodeState] {
	return func(yield func(NodeState) bool) {
		for _, n := range s.nodes {
			if !yield(NodeState{ID: n.id, Level: n.level, Links: n.links, Deleted: n.deleted}) {
				return
			}
		}
	}
}

// Restore loads a persisted graph into an empty index. vectorOf supplies the
// stored vector of each node. The structure is validated first: ids must be
// unique, every link must point at a node present at that layer, no list may
// exceed its budget, and the entry point must sit on the top layer.
func (h *Index) Restore(entryPoint uint64, maxLevel int, states []NodeState, vectorOf func(id uint64) ([]float32, bool)) error {
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: graph: %s", types.ErrCorruptSnapshot, fmt.Sprintf(format, args...))
	}

	byID := make(map[uint64]*node, len(states))
	topLevel := -1
	for _, st := range states {
		if st.ID == 0 {
			return corrupt("node id 0 is reserved")
		}
		if _, dup := byID[st.ID]; dup {
			return corrupt("duplicate node %d", st.ID)
		}
		if st.Level < 0 || st.Level > h.cfg.MaxLevel {
			return corrupt("node %d has level %d outside [0, %d]", st.ID, st.Level, h.cfg.MaxLevel)
		}
		if len(st.Links) != st.Level+1 {
			return corrupt("node %d has %d link layers for level %d", st.ID, len(st.Links), st.Level)
		}
		vec, ok := vectorOf(st.ID)
		if !ok {
			return corrupt("node %d has no stored vector", st.ID)
		}
		links := make([][]uint64, len(st.Links))
		for l, layer := range st.Links {
			if len(layer) > h.capacity(l) {
				return corrupt("node %d has %d links at layer %d, budget is %d", st.ID, len(layer), l, h.capacity(l))
			}
			links[l] = slices.Clone(layer)
			if links[l] == nil {
				links[l] = []uint64{}
			}
		}
		byID[st.ID] = &node{id: st.ID, level: st.Level, vector: vec, links: links, deleted: st.Deleted}
		topLevel = max(topLevel, st.Level)
	}

	for _, n := range byID {
		for l, layer := range n.links {
			for _, target := range layer {
				if target == n.id {
					return corrupt("node %d links to itself at layer %d", n.id, l)
				}
				t, ok := byID[target]
				if !ok {
					return corrupt("node %d links to unknown node %d", n.id, target)
				}
				if t.level < l {
					return corrupt("node %d links to node %d at layer %d above its level %d", n.id, target, l, t.level)
				}
			}
		}
	}

	if len(byID) == 0 {
		if entryPoint != 0 || maxLevel != -1 {
			return corrupt("empty graph with entry point %d and max level %d", entryPoint, maxLevel)
		}
	} else {
		ep, ok := byID[entryPoint]
		if !ok {
			return corrupt("unknown entry point %d", entryPoint)
		}
		if maxLevel != topLevel || ep.level != maxLevel {
			return corrupt("entry point %d has level %d, max level is %d (recorded %d)", entryPoint, ep.level, topLevel, maxLevel)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size != 0 {
		return fmt.Errorf("%w: restore into a non-empty graph", types.ErrInvalidArgument)
	}
	ids := slices.Sorted(maps.Keys(byID))
	h.nodes = make([]*node, 0, len(ids))
	h.slots = make(map[uint64]uint32, len(ids))
	h.free = nil
	deleted := 0
	for _, id := range ids {
		n := byID[id]
		h.put(n)
		if n.deleted {
			deleted++
		}
	}
	h.entryPoint = entryPoint
	h.maxLevel = maxLevel
	h.size = len(byID)
	h.deleted = deleted
	h.version++
	return nil
}
