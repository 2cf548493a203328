// Package query turns a query vector into a ranked, filtered result list.
//
// The graph only knows ids and distances. The engine resolves each candidate's
// metadata, drops records deleted since the graph was read, applies the
// metadata filter and converts distances to similarities. Filtering happens
// after the graph search, so the engine over-fetches and widens the pool until
// enough candidates survive.
package query

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sanonone/kektorvec/pkg/core/distance"
	"github.com/sanonone/kektorvec/pkg/core/types"
)

const (
	// DefaultOverFetch is the pool multiplier applied to k when a filter is set.
	DefaultOverFetch = 4
	// DefaultMaxK bounds k so a single request cannot pull the whole index.
	DefaultMaxK = 10000
)

// Request describes a similarity query.
type Request struct {
	Vector []float32
	K      int
	// EfSearch overrides the graph's default breadth when positive.
	EfSearch int
	Filter   Filter
}

// Searcher is the approximate nearest neighbor primitive.
type Searcher interface {
	Search(query []float32, k, ef int) ([]types.Candidate, error)
	Live() int
}

// Resolver maps an id to the metadata of a live record. Deleted or unknown
// ids return an error wrapping types.ErrNotFound.
type Resolver interface {
	Metadata(id uint64) (map[string]any, error)
}

// Engine executes requests against a searcher and a resolver.
type Engine struct {
	Searcher  Searcher
	Resolver  Resolver
	Dimension int
	// OverFetch multiplies k for filtered queries. Zero means DefaultOverFetch.
	OverFetch int
	// MaxK is the largest accepted k. Zero means DefaultMaxK.
	MaxK int
}

// Validate checks a request without running it.
func (e *Engine) Validate(req Request) error {
	if len(req.Vector) != e.Dimension {
		return fmt.Errorf("%w: query has %d components, index has %d",
			types.ErrDimensionMismatch, len(req.Vector), e.Dimension)
	}
	if err := distance.CheckFinite(req.Vector); err != nil {
		return fmt.Errorf("query: %w", err)
	}
	maxK := e.MaxK
	if maxK <= 0 {
		maxK = DefaultMaxK
	}
	if req.K <= 0 || req.K > maxK {
		return fmt.Errorf("%w: k must be in [1, %d], got %d", types.ErrInvalidArgument, maxK, req.K)
	}
	if req.EfSearch < 0 {
		return fmt.Errorf("%w: ef_search must not be negative", types.ErrInvalidArgument)
	}
	return nil
}

// Search returns up to req.K results ordered by similarity, highest first,
// ties broken by ascending id. Fewer than K live matches is not an error; an
// index with no live vectors is.
func (e *Engine) Search(ctx context.Context, req Request) ([]types.Result, error) {
	if err := e.Validate(req); err != nil {
		return nil, err
	}
	live := e.Searcher.Live()
	if live == 0 {
		return nil, types.ErrEmptyIndex
	}

	overFetch := e.OverFetch
	if overFetch <= 0 {
		overFetch = DefaultOverFetch
	}
	pool := req.K
	if req.Filter != nil {
		pool = req.K * overFetch
	}

	var results []types.Result
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// The searcher widens ef to at least the pool size.
		candidates, err := e.Searcher.Search(req.Vector, pool, req.EfSearch)
		if err != nil {
			return nil, err
		}

		results, err = e.resolve(candidates, req)
		if err != nil {
			return nil, err
		}

		// Stop when k survived, when the graph returned less than asked for
		// (nothing more to find), or when the pool already spans every live vector.
		if len(results) >= req.K || len(candidates) < pool || pool >= live {
			break
		}
		pool *= 2
	}

	slices.SortStableFunc(results, func(a, b types.Result) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if len(results) > req.K {
		results = results[:req.K]
	}
	return results, nil
}

func (e *Engine) resolve(candidates []types.Candidate, req Request) ([]types.Result, error) {
	results := make([]types.Result, 0, min(len(candidates), req.K))
	for _, c := range candidates {
		meta, err := e.Resolver.Metadata(c.ID)
		if errors.Is(err, types.ErrNotFound) {
			// Deleted after the graph was read.
			continue
		}
		if err != nil {
			return nil, err
		}
		if req.Filter != nil && !req.Filter(meta) {
			continue
		}
		results = append(results, types.Result{ID: c.ID, Similarity: 1 - c.Distance, Metadata: meta})
	}
	return results, nil
}
