// Package embedding provides text embedding providers (Ollama, ONNX, mock) and caching.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// Provider identifies the model that produced the vectors. Indexes are stamped with it.
	Provider() string
	Close() error
}

// ErrMalformedOutput is wrapped by EmbeddingError when a provider returns an unusable vector.
var ErrMalformedOutput = errors.New("malformed embedding output")

// EmbeddingError reports an unreachable provider or unusable provider output.
type EmbeddingError struct {
	Provider string
	Err      error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding provider %s: %v", e.Provider, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// checkVector rejects empty vectors, dimension mismatches and non-finite values.
// dims <= 0 skips the dimension check.
func checkVector(v []float32, dims int) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrMalformedOutput)
	}
	if dims > 0 && len(v) != dims {
		return fmt.Errorf("%w: got %d dimensions, want %d", ErrMalformedOutput, len(v), dims)
	}
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: non-finite value at %d", ErrMalformedOutput, i)
		}
	}
	return nil
}

// embedEach calls embed for every text in order, stopping at the first error.
func embedEach(ctx context.Context, texts []string, embed func(context.Context, string) ([]float32, error)) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}
