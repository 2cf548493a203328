// Package hnsw implements the Hierarchical Navigable Small World proximity
// graph used to answer approximate nearest neighbor queries.
//
// This file defines the node, the building block of the graph. Nodes are
// immutable once published: every structural change builds a replacement node
// and swaps it into the node table under the index write lock. Exported
// snapshots therefore keep seeing the graph exactly as it was captured.
package hnsw

import "slices"

// node is a single vector in the graph.
type node struct {
	// id is the record id assigned by storage. Ids index the node table directly.
	id uint64
	// level is the highest layer the node participates in.
	level int
	// vector is the normalized vector, shared with storage. Read-only.
	vector []float32
	// links[l] holds the neighbor ids at layer l, for l in 0..level.
	links [][]uint64
	// deleted marks a tombstone: traversed during search but never returned.
	deleted bool
}

// withLinks returns a copy of n whose neighbor list at layer is replaced.
// The outer slice is cloned so the original node stays untouched.
func (n *node) withLinks(layer int, neighbors []uint64) *node {
	c := *n
	c.links = slices.Clone(n.links)
	c.links[layer] = neighbors
	return &c
}

// withDeleted returns a tombstoned copy of n.
func (n *node) withDeleted() *node {
	c := *n
	c.deleted = true
	return &c
}

// NodeState is the persisted form of a node.
type NodeState struct {
	ID      uint64
	Level   int
	Links   [][]uint64
	Deleted bool
}
