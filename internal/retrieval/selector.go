// Package retrieval selects knowledge-base snippets for a user message.
// Retrieval never blocks a conversation: every failure degrades to an empty selection.
package retrieval

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hyperjump/kotoba/internal/corpus"
	"github.com/hyperjump/kotoba/internal/embedding"
	"github.com/hyperjump/kotoba/internal/models"
)

// DefaultK is the number of snippets selected when the caller does not say otherwise.
const DefaultK = 3

// Selector returns the texts of the documents nearest to a query.
// The index can be swapped while queries run.
type Selector struct {
	index           atomic.Pointer[corpus.Index]
	embedder        embedding.Embedder
	keywordFallback bool
	logger          *zap.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Selector) { s.logger = l }
}

// WithKeywordFallback makes Select fall back to keyword search when embedding the query fails.
func WithKeywordFallback(enabled bool) Option {
	return func(s *Selector) { s.keywordFallback = enabled }
}

// NewSelector returns a selector over index, which may be nil until one is built.
func NewSelector(index *corpus.Index, embedder embedding.Embedder, opts ...Option) *Selector {
	s := &Selector{embedder: embedder, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if index != nil {
		s.index.Store(index)
	}
	return s
}

// Swap installs a new index and returns the previous one (nil if none).
func (s *Selector) Swap(index *corpus.Index) *corpus.Index {
	return s.index.Swap(index)
}

// Index returns the current index, or nil.
func (s *Selector) Index() *corpus.Index {
	return s.index.Load()
}

// Select returns up to k snippet texts, nearest first. A missing or empty index,
// k <= 0 and query-time failures all yield an empty slice.
func (s *Selector) Select(ctx context.Context, query string, k int) []string {
	idx := s.index.Load()
	if idx == nil || idx.Size() == 0 || k <= 0 {
		return []string{}
	}
	docs, err := idx.Query(ctx, s.embedder, query, k)
	if err == nil {
		return texts(docs)
	}

	var embErr *embedding.EmbeddingError
	if s.keywordFallback && errors.As(err, &embErr) {
		s.logger.Warn("embedding failed, using keyword search", zap.Error(err))
		docs, kwErr := idx.KeywordSearch(ctx, query, k)
		if kwErr == nil {
			return texts(docs)
		}
		s.logger.Warn("keyword search failed", zap.Error(kwErr))
		return []string{}
	}
	s.logger.Warn("context selection failed", zap.Error(err))
	return []string{}
}

func texts(docs []models.ScoredDocument) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Document.Text
	}
	return out
}
