package hnsw

import (
	"fmt"

	"github.com/sanonone/kektorvec/pkg/core/types"
)

const (
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 64
	// DefaultMaxLevel caps the level a node can draw.
	DefaultMaxLevel = 16
)

// Config holds the construction and search parameters of a graph.
type Config struct {
	// M is the neighbor budget per node on upper layers. Layer 0 allows 2*M.
	M int `json:"m" yaml:"m"`
	// EfConstruction is the candidate list size used while inserting.
	EfConstruction int `json:"ef_construction" yaml:"ef_construction"`
	// EfSearch is the default candidate list size at query time.
	EfSearch int `json:"ef_search" yaml:"ef_search"`
	// Heuristic enables diversity-aware neighbor selection instead of keeping
	// the plain nearest candidates.
	Heuristic bool `json:"heuristic" yaml:"heuristic"`
	// MaxLevel caps the random level of a node.
	MaxLevel int `json:"max_level" yaml:"max_level"`
	// Seed feeds the level generator so graphs can be rebuilt identically.
	Seed uint64 `json:"seed" yaml:"seed"`
}

// DefaultConfig returns the recommended parameters.
func DefaultConfig() Config {
	return Config{
		M:              DefaultM,
		EfConstruction: DefaultEfConstruction,
		EfSearch:       DefaultEfSearch,
		MaxLevel:       DefaultMaxLevel,
	}
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.M == 0 {
		c.M = DefaultM
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = DefaultEfConstruction
	}
	if c.EfSearch == 0 {
		c.EfSearch = DefaultEfSearch
	}
	if c.MaxLevel == 0 {
		c.MaxLevel = DefaultMaxLevel
	}
	return c
}

// Validate checks the parameters after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch {
	case c.M < 2:
		return fmt.Errorf("%w: m must be at least 2, got %d", types.ErrInvalidArgument, c.M)
	case c.EfConstruction < 1:
		return fmt.Errorf("%w: ef_construction must be positive, got %d", types.ErrInvalidArgument, c.EfConstruction)
	case c.EfSearch < 1:
		return fmt.Errorf("%w: ef_search must be positive, got %d", types.ErrInvalidArgument, c.EfSearch)
	case c.MaxLevel < 0:
		return fmt.Errorf("%w: max_level must not be negative, got %d", types.ErrInvalidArgument, c.MaxLevel)
	}
	return nil
}
