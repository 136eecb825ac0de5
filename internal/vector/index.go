// Package vector provides an exact in-memory vector index ranked by cosine distance.
package vector

import "context"

// VectorIndex defines vector storage and nearest-neighbour search.
type VectorIndex interface {
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]Result, error)
	Save(path string) error
	Load(path string) error
	Size() int
	Dimensions() int
	Close() error
}

// Result is a single search hit. Position is the entry's insertion index.
type Result struct {
	ID       string
	Position int
	Distance float64 // cosine distance in [0, 2]; 0 is identical direction
}
