// Package corpus builds, persists and queries the knowledge-base index: an ordered
// set of documents with one embedding each, stamped with the embedding provider
// and dimensionality that produced them.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kotoba/internal/embedding"
	"github.com/hyperjump/kotoba/internal/keyword"
	"github.com/hyperjump/kotoba/internal/models"
	"github.com/hyperjump/kotoba/internal/vector"
)

// ErrProviderMismatch is returned by Query when the embedder differs from the one the index was built with.
var ErrProviderMismatch = errors.New("embedding provider does not match index")

// ErrDuplicateID is returned by Build when two records share an ID.
var ErrDuplicateID = errors.New("duplicate record id")

const defaultBatchSize = 32

// Index is an immutable corpus index. It is safe for concurrent queries.
type Index struct {
	provider   string
	dimensions int
	builtAt    time.Time
	docs       []models.Document
	vectors    *vector.MemoryIndex
	logger     *zap.Logger
	batchSize  int

	kwOnce sync.Once
	kw     *keyword.BleveIndex
	kwErr  error
}

// Option configures Build and Load.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(idx *Index) { idx.logger = l }
}

// WithBatchSize sets how many records are embedded per EmbedBatch call during Build.
func WithBatchSize(n int) Option {
	return func(idx *Index) {
		if n > 0 {
			idx.batchSize = n
		}
	}
}

func newIndex(provider string, dimensions int, opts []Option) (*Index, error) {
	vectors, err := vector.NewMemoryIndex(dimensions)
	if err != nil {
		return nil, err
	}
	idx := &Index{
		provider:   provider,
		dimensions: dimensions,
		vectors:    vectors,
		logger:     zap.NewNop(),
		batchSize:  defaultBatchSize,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx, nil
}

// Build embeds every record and returns an index with one entry per record, in record order.
// Provider failures and malformed vectors are reported as *embedding.EmbeddingError.
// Each Document.Vector holds the L2-normalised embedding.
func Build(ctx context.Context, embedder embedding.Embedder, records []models.Record, opts ...Option) (*Index, error) {
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateID, r.ID)
		}
		seen[r.ID] = true
	}

	dims := embedder.Dimensions()
	if dims <= 0 {
		return nil, &embedding.EmbeddingError{
			Provider: embedder.Provider(),
			Err:      fmt.Errorf("%w: provider reports %d dimensions", embedding.ErrMalformedOutput, dims),
		}
	}
	idx, err := newIndex(embedder.Provider(), dims, opts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	idx.docs = make([]models.Document, 0, len(records))
	for lo := 0; lo < len(records); lo += idx.batchSize {
		hi := min(lo+idx.batchSize, len(records))
		batch := records[lo:hi]
		texts := make([]string, len(batch))
		for i, r := range batch {
			texts[i] = r.Text
		}

		vecs, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, asEmbeddingError(embedder.Provider(), err)
		}
		if len(vecs) != len(batch) {
			return nil, &embedding.EmbeddingError{
				Provider: embedder.Provider(),
				Err:      fmt.Errorf("%w: %d vectors for %d texts", embedding.ErrMalformedOutput, len(vecs), len(batch)),
			}
		}

		ids := make([]string, len(batch))
		for i, r := range batch {
			if len(vecs[i]) != dims {
				return nil, &embedding.EmbeddingError{
					Provider: embedder.Provider(),
					Err:      fmt.Errorf("%w: record %q has %d dimensions, want %d", embedding.ErrMalformedOutput, r.ID, len(vecs[i]), dims),
				}
			}
			ids[i] = r.ID
		}
		if err := idx.vectors.Add(ctx, ids, vecs); err != nil {
			return nil, err
		}
		for _, r := range batch {
			v, _ := idx.vectors.Vector(r.ID)
			idx.docs = append(idx.docs, models.Document{ID: r.ID, Text: r.Text, Source: r.Source, Vector: v})
		}
		idx.logger.Debug("corpus batch embedded", zap.Int("done", hi), zap.Int("total", len(records)))
	}
	idx.builtAt = time.Now().UTC()
	idx.logger.Info("corpus index built",
		zap.Int("documents", len(idx.docs)),
		zap.String("provider", idx.provider),
		zap.Int("dimensions", dims),
		zap.Duration("took", time.Since(start)))
	return idx, nil
}

func asEmbeddingError(provider string, err error) error {
	var embErr *embedding.EmbeddingError
	if errors.As(err, &embErr) {
		return err
	}
	return &embedding.EmbeddingError{Provider: provider, Err: err}
}

// Query returns the k documents nearest to text by cosine distance, nearest first.
// Ties keep insertion order. k <= 0 or an empty index yields an empty result without
// calling the embedder; k larger than the index yields the whole corpus.
func (idx *Index) Query(ctx context.Context, embedder embedding.Embedder, text string, k int) ([]models.ScoredDocument, error) {
	if embedder.Provider() != idx.provider {
		return nil, fmt.Errorf("%w: index built with %s, query uses %s", ErrProviderMismatch, idx.provider, embedder.Provider())
	}
	if k <= 0 || len(idx.docs) == 0 {
		return []models.ScoredDocument{}, nil
	}
	q, err := embedder.Embed(ctx, text)
	if err != nil {
		return nil, asEmbeddingError(embedder.Provider(), err)
	}
	if len(q) != idx.dimensions {
		return nil, &embedding.EmbeddingError{
			Provider: embedder.Provider(),
			Err:      fmt.Errorf("%w: query has %d dimensions, want %d", embedding.ErrMalformedOutput, len(q), idx.dimensions),
		}
	}
	hits, err := idx.vectors.Search(ctx, q, k)
	if err != nil {
		return nil, err
	}
	out := make([]models.ScoredDocument, len(hits))
	for i, h := range hits {
		doc := cloneDoc(idx.docs[h.Position])
		out[i] = models.ScoredDocument{Document: &doc, Distance: h.Distance}
	}
	return out, nil
}

// KeywordSearch ranks documents by keyword relevance. The Bleve index is built on first use.
// Distance is 1/(1+score) so results read nearest first like Query.
func (idx *Index) KeywordSearch(ctx context.Context, text string, k int) ([]models.ScoredDocument, error) {
	if k <= 0 || len(idx.docs) == 0 {
		return []models.ScoredDocument{}, nil
	}
	idx.kwOnce.Do(func() {
		kw, err := keyword.NewBleveIndex()
		if err != nil {
			idx.kwErr = err
			return
		}
		if err := kw.Index(context.Background(), idx.docs); err != nil {
			_ = kw.Close()
			idx.kwErr = err
			return
		}
		idx.kw = kw
		idx.logger.Debug("keyword index built", zap.Int("documents", len(idx.docs)))
	})
	if idx.kwErr != nil {
		return nil, fmt.Errorf("keyword index: %w", idx.kwErr)
	}

	hits, err := idx.kw.Search(ctx, text, k, &keyword.SearchOptions{SourceBoost: 2})
	if err != nil {
		return nil, err
	}
	positions := make(map[string]int, len(idx.docs))
	for i, d := range idx.docs {
		positions[d.ID] = i
	}
	out := make([]models.ScoredDocument, 0, len(hits))
	for _, h := range hits {
		pos, ok := positions[h.ID]
		if !ok {
			continue
		}
		doc := cloneDoc(idx.docs[pos])
		out = append(out, models.ScoredDocument{Document: &doc, Distance: 1 / (1 + h.Score)})
	}
	return out, nil
}

// Documents returns a copy of the indexed documents in insertion order.
func (idx *Index) Documents() []models.Document {
	out := make([]models.Document, len(idx.docs))
	for i, d := range idx.docs {
		out[i] = cloneDoc(d)
	}
	return out
}

func cloneDoc(d models.Document) models.Document {
	d.Vector = append([]float32(nil), d.Vector...)
	return d
}

// Size returns the number of documents.
func (idx *Index) Size() int { return len(idx.docs) }

// Provider returns the embedding provider the index was built with.
func (idx *Index) Provider() string { return idx.provider }

// Dimensions returns the vector dimensionality.
func (idx *Index) Dimensions() int { return idx.dimensions }

// BuiltAt returns when the index was built.
func (idx *Index) BuiltAt() time.Time { return idx.builtAt }

// Close releases the keyword index if one was built.
func (idx *Index) Close() error {
	if idx.kw != nil {
		return idx.kw.Close()
	}
	return nil
}
