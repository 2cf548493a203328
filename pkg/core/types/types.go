// Package types holds the data types and error taxonomy shared by the storage,
// graph, query and engine packages.
package types

import "errors"

// Sentinel errors. Callers match them with errors.Is; every layer wraps them
// with context using fmt.Errorf("...: %w", err).
var (
	// ErrDimensionMismatch is returned when a vector length differs from the
	// dimensionality the index was created with.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrNotFound is returned by id lookups that miss or hit a tombstone.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument covers k <= 0, malformed filters and bad configuration.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrEmptyIndex is returned by a search over zero live vectors.
	ErrEmptyIndex = errors.New("empty index")
	// ErrConfigMismatch is returned when a snapshot disagrees with the requested configuration.
	ErrConfigMismatch = errors.New("config mismatch")
	// ErrCorruptSnapshot is returned when persisted state fails structural validation.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	// ErrEmbeddingUnavailable wraps failures of the external embedding function.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
)

// Record is a stored vector with its metadata. Records are immutable once written.
type Record struct {
	ID       uint64
	Vector   []float32
	Metadata map[string]any
}

// Candidate is the graph-internal search result: a node id and its cosine
// distance (1 - similarity) to the query.
type Candidate struct {
	ID       uint64
	Distance float64
}

// Less orders candidates by distance, breaking ties by the lower id.
func (c Candidate) Less(o Candidate) bool {
	if c.Distance != o.Distance {
		return c.Distance < o.Distance
	}
	return c.ID < o.ID
}

// Result is a single ranked search hit returned to callers.
type Result struct {
	ID         uint64         `json:"id"`
	Similarity float64        `json:"similarity"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
