package engine

import (
	"fmt"

	"github.com/sanonone/kektorvec/pkg/core/distance"
	"github.com/sanonone/kektorvec/pkg/core/hnsw"
	"github.com/sanonone/kektorvec/pkg/core/types"
)

// DefaultIndexName labels metrics and snapshots when Config.Name is empty.
const DefaultIndexName = "default"

// Config describes an index. Dimension, Metric, Precision, M and
// EfConstruction are fixed for the life of the index and recorded in its
// snapshots; EfSearch, Heuristic and Seed may change between runs.
type Config struct {
	Name           string             `json:"name" yaml:"name"`
	Dimension      int                `json:"dimension" yaml:"dimension"`
	Metric         distance.Metric    `json:"metric" yaml:"metric"`
	Precision      distance.Precision `json:"precision" yaml:"precision"`
	M              int                `json:"m" yaml:"m"`
	EfConstruction int                `json:"ef_construction" yaml:"ef_construction"`
	EfSearch       int                `json:"ef_search" yaml:"ef_search"`
	Heuristic      bool               `json:"heuristic" yaml:"heuristic"`
	Seed           uint64             `json:"seed" yaml:"seed"`
}

// DefaultConfig returns the recommended configuration for vectors of the
// given dimensionality.
func DefaultConfig(dim int) Config {
	return Config{
		Name:           DefaultIndexName,
		Dimension:      dim,
		Metric:         distance.Cosine,
		Precision:      distance.Float32,
		M:              hnsw.DefaultM,
		EfConstruction: hnsw.DefaultEfConstruction,
		EfSearch:       hnsw.DefaultEfSearch,
	}
}

// withDefaults fills zero values with the defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Dimension)
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Metric == "" {
		c.Metric = d.Metric
	}
	if c.Precision == "" {
		c.Precision = d.Precision
	}
	if c.M == 0 {
		c.M = d.M
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = d.EfConstruction
	}
	if c.EfSearch == 0 {
		c.EfSearch = d.EfSearch
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", types.ErrInvalidArgument, c.Dimension)
	}
	if _, err := distance.ParseMetric(string(c.Metric)); err != nil {
		return err
	}
	if _, err := distance.ParsePrecision(string(c.Precision)); err != nil {
		return err
	}
	return c.graphConfig().Validate()
}

func (c Config) graphConfig() hnsw.Config {
	return hnsw.Config{
		M:              c.M,
		EfConstruction: c.EfConstruction,
		EfSearch:       c.EfSearch,
		Heuristic:      c.Heuristic,
		MaxLevel:       hnsw.DefaultMaxLevel,
		Seed:           c.Seed,
	}
}
