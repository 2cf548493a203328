// Package embeddings adapts external embedding services to the index.
//
// The index treats embedding as a collaborator: text goes in, a vector comes
// out. Every failure of the collaborator, whether transport, status or decoding,
// is reported as types.ErrEmbeddingUnavailable so callers can tell it apart
// from index errors.
package embeddings

import (
	"context"
	"fmt"

	"github.com/sanonone/kektorvec/pkg/core/types"
)

// Embedder defines the interface for converting text into vector representations.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Func adapts a plain function to the Embedder interface.
type Func func(ctx context.Context, text string) ([]float32, error)

// Embed calls f and wraps any failure in ErrEmbeddingUnavailable.
func (f Func) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := f(ctx, text)
	if err != nil {
		return nil, unavailable("embedding function", err)
	}
	if len(vec) == 0 {
		return nil, unavailable("embedding function", fmt.Errorf("empty vector"))
	}
	return vec, nil
}

func unavailable(provider string, err error) error {
	return fmt.Errorf("%w: %s: %v", types.ErrEmbeddingUnavailable, provider, err)
}
