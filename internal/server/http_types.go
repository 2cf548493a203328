package server

import "github.com/sanonone/kektorvec/pkg/core/types"

// VectorAddRequest defines the body for adding a single vector. Exactly one of
// Vector and Text must be set; Text is embedded with the configured embedder.
type VectorAddRequest struct {
	Vector   []float32      `json:"vector,omitempty"`
	Text     string         `json:"text,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type VectorAddResponse struct {
	ID uint64 `json:"id"`
}

type VectorResponse struct {
	ID       uint64         `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchRequest defines the body for search operations.
type SearchRequest struct {
	Vector   []float32 `json:"vector,omitempty"`
	Text     string    `json:"text,omitempty"`
	K        int       `json:"k"`
	EfSearch int       `json:"ef_search,omitempty"`
	// Filter uses the metadata filter grammar, e.g. "group=2 AND year>2020".
	Filter string `json:"filter,omitempty"`
}

type SearchResponse struct {
	Results []types.Result `json:"results"`
}
