package hnsw

import (
	"log/slog"
	"runtime"
	"slices"
	"time"

	"github.com/sanonone/kektorvec/pkg/core/types"
	"golang.org/x/sync/errgroup"
)

// repair holds the recomputed links of a single surviving node.
type repair struct {
	id    uint64
	links map[int][]uint64 // layer -> new neighbor list
}

// Compact physically removes every tombstoned node and repairs the lists that
// pointed at them. It returns the removed ids in ascending order.
//
// Phase 1 (read lock): collect tombstones and the nodes that reference them.
// Phase 2 (read lock, parallel): recompute the affected lists.
// Phase 3 (write lock): swap the replacement nodes in and re-elect the entry point.
func (h *Index) Compact() ([]uint64, error) {
	start := time.Now()

	for {
		// =====================================================================
		// PHASE 1: IDENTIFY
		// =====================================================================
		h.mu.RLock()
		version := h.version

		removed := make(map[uint64]struct{})
		for _, n := range h.nodes {
			if n != nil && n.deleted {
				removed[n.id] = struct{}{}
			}
		}
		if len(removed) == 0 {
			h.mu.RUnlock()
			return nil, nil
		}

		affected := make([]*node, 0, len(removed))
		for _, n := range h.nodes {
			if n == nil || n.deleted {
				continue
			}
			if referencesAny(n, removed) {
				affected = append(affected, n)
			}
		}

		// =====================================================================
		// PHASE 2: REPAIR
		// =====================================================================
		repairs := make([]repair, len(affected))
		var g errgroup.Group
		g.SetLimit(runtime.NumCPU())
		for i, n := range affected {
			g.Go(func() error {
				links, err := h.relink(n, removed)
				if err != nil {
					return err
				}
				repairs[i] = repair{id: n.id, links: links}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			h.mu.RUnlock()
			return nil, err
		}

		entryPoint, maxLevel := h.electEntryPoint(removed)
		h.mu.RUnlock()

		// =====================================================================
		// PHASE 3: SWAP
		// =====================================================================
		h.mu.Lock()
		if h.version != version {
			// A writer slipped in between the phases; plan again.
			h.mu.Unlock()
			continue
		}

		for _, r := range repairs {
			n := h.get(r.id)
			for layer, links := range r.links {
				n = n.withLinks(layer, links)
			}
			h.put(n)
		}
		ids := make([]uint64, 0, len(removed))
		for id := range removed {
			h.remove(id)
			ids = append(ids, id)
		}
		h.entryPoint = entryPoint
		h.maxLevel = maxLevel
		h.size -= len(removed)
		h.deleted -= len(removed)
		h.version++
		h.mu.Unlock()

		slices.Sort(ids)
		slog.Info("[HNSW] Compaction complete",
			"removed_nodes", len(ids),
			"repaired_nodes", len(repairs),
			"entry_point", entryPoint,
			"duration", time.Since(start),
		)
		return ids, nil
	}
}

func referencesAny(n *node, removed map[uint64]struct{}) bool {
	for _, layer := range n.links {
		for _, id := range layer {
			if _, dead := removed[id]; dead {
				return true
			}
		}
	}
	return false
}

// relink recomputes every layer of n that references a removed node. The new
// list is the best of n's surviving neighbors and the live neighbors of the
// removed ones at the same layer. Must be called under a lock.
func (h *Index) relink(n *node, removed map[uint64]struct{}) (map[int][]uint64, error) {
	out := make(map[int][]uint64)

	for layer, links := range n.links {
		if !slices.ContainsFunc(links, func(id uint64) bool { _, dead := removed[id]; return dead }) {
			continue
		}

		seen := map[uint64]struct{}{n.id: {}}
		var pool []uint64
		add := func(id uint64) {
			if _, ok := seen[id]; ok {
				return
			}
			if _, dead := removed[id]; dead {
				return
			}
			seen[id] = struct{}{}
			pool = append(pool, id)
		}

		for _, id := range links {
			if _, dead := removed[id]; !dead {
				add(id)
				continue
			}
			if gone := h.get(id); gone != nil && layer <= gone.level {
				for _, second := range gone.links[layer] {
					add(second)
				}
			}
		}

		candidates := make([]types.Candidate, 0, len(pool))
		for _, id := range pool {
			d, err := h.distFn(n.vector, h.get(id).vector)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, types.Candidate{ID: id, Distance: d})
		}
		sortCandidates(candidates)

		kept, err := h.selectNeighbors(candidates, h.capacity(layer), h.vectorOf)
		if err != nil {
			return nil, err
		}
		next := make([]uint64, len(kept))
		for i, c := range kept {
			next[i] = c.ID
		}
		out[layer] = next
	}
	return out, nil
}

// electEntryPoint keeps the current entry point if it survives, otherwise picks
// the surviving node with the highest level, lowest id first. Must be called
// under a lock.
func (h *Index) electEntryPoint(removed map[uint64]struct{}) (uint64, int) {
	if _, dead := removed[h.entryPoint]; !dead {
		return h.entryPoint, h.maxLevel
	}

	var best *node
	for _, n := range h.nodes {
		if n == nil {
			continue
		}
		if _, dead := removed[n.id]; dead {
			continue
		}
		if best == nil || n.level > best.level || (n.level == best.level && n.id < best.id) {
			best = n
		}
	}
	if best == nil {
		slog.Info("[HNSW] Graph is now empty")
		return 0, -1
	}
	slog.Info("[HNSW] Entry point removed, elected a new one", "entry_point", best.id, "level", best.level)
	return best.id, best.level
}
