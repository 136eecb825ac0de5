// Package keyword provides keyword (BM25-style) search over corpus documents.
// It backs the retrieval fallback used when the embedding provider is unavailable.
package keyword

import (
	"context"

	"github.com/hyperjump/kotoba/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// SourceBoost multiplies the score contribution from matches in the source (file name) field.
	// Values <= 1 search text and source together with no boost.
	SourceBoost float64
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum edit distance for fuzzy matching (1 or 2). Default 1.
	Fuzziness int
}

// KeywordIndex defines keyword search operations.
type KeywordIndex interface {
	// Index adds docs in order. Insertion order breaks score ties.
	Index(ctx context.Context, docs []models.Document) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]KeywordResult, error)
	DocCount() (uint64, error)
	Close() error
}

// KeywordResult is a single keyword search hit.
type KeywordResult struct {
	ID    string
	Score float64
}
