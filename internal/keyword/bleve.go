package keyword

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/kotoba/internal/models"
)

// bleveDoc is the indexed form of a corpus document.
type bleveDoc struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// BleveIndex implements KeywordIndex with an in-memory Bleve index.
type BleveIndex struct {
	index     bleve.Index
	mu        sync.RWMutex
	positions map[string]int
}

// NewBleveIndex creates an empty in-memory index. The corpus is rebuilt wholesale,
// so keyword data is never persisted.
func NewBleveIndex() (*BleveIndex, error) {
	index, err := bleve.NewMemOnly(newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index, positions: make(map[string]int)}, nil
}

func newMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) keeps proper nouns matchable.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("text", textFieldMapping)
	docMapping.AddFieldMappingsAt("source", textFieldMapping)
	im.AddDocumentMapping("document", docMapping)
	im.DefaultType = "document"
	im.DefaultMapping = docMapping
	return im
}

// Index adds docs in one batch.
func (b *BleveIndex) Index(ctx context.Context, docs []models.Document) error {
	batch := b.index.NewBatch()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := batch.Index(doc.ID, bleveDoc{Text: doc.Text, Source: doc.Source}); err != nil {
			return fmt.Errorf("index %s: %w", doc.ID, err)
		}
		if _, ok := b.positions[doc.ID]; !ok {
			b.positions[doc.ID] = len(b.positions)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}
	return nil
}

// Search returns up to limit hits, highest score first. Equal scores keep insertion order.
// A blank query or non-positive limit returns no hits.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]KeywordResult, error) {
	terms := tokenizeQuery(query)
	if limit <= 0 || len(terms) == 0 {
		return []KeywordResult{}, nil
	}
	sourceBoost := 1.0
	fuzzy := false
	fuzziness := 1
	if opts != nil {
		if opts.SourceBoost > 0 {
			sourceBoost = opts.SourceBoost
		}
		fuzzy = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
	}

	reqSize := limit * 2
	if reqSize < 50 {
		reqSize = 50
	}

	scores := make(map[string]float64)
	if sourceBoost <= 1.0 {
		hits, err := b.run(ctx, b.buildQuery(query, terms, fuzzy, fuzziness, ""), reqSize)
		if err != nil {
			return nil, err
		}
		for id, s := range hits {
			scores[id] = s
		}
	} else {
		textHits, err := b.run(ctx, b.buildQuery(query, terms, fuzzy, fuzziness, "text"), reqSize)
		if err != nil {
			return nil, err
		}
		sourceHits, err := b.run(ctx, b.buildQuery(query, terms, fuzzy, fuzziness, "source"), reqSize)
		if err != nil {
			return nil, err
		}
		for id, s := range textHits {
			scores[id] += s
		}
		for id, s := range sourceHits {
			scores[id] += s * sourceBoost
		}
	}

	// Documents that match only some of a multi-term query are penalised by (matched/total)^2.
	if len(terms) > 1 {
		coverage := b.termCoverage(ctx, terms, reqSize, fuzzy, fuzziness)
		for id := range scores {
			matched := coverage[id]
			if matched == 0 {
				matched = 1
			}
			c := float64(matched) / float64(len(terms))
			scores[id] *= c * c
		}
	}

	b.mu.RLock()
	merged := make([]KeywordResult, 0, len(scores))
	for id, s := range scores {
		merged = append(merged, KeywordResult{ID: id, Score: s})
	}
	sort.Slice(merged, func(i, j int) bool { return b.positions[merged[i].ID] < b.positions[merged[j].ID] })
	b.mu.RUnlock()
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (b *BleveIndex) run(ctx context.Context, q blevequery.Query, size int) (map[string]float64, error) {
	req := bleve.NewSearchRequest(q)
	req.Size = size
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make(map[string]float64, len(results.Hits))
	for _, hit := range results.Hits {
		out[hit.ID] = hit.Score
	}
	return out, nil
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// buildQuery returns a match query, or a disjunction of fuzzy term queries when fuzzy is set.
// An empty field searches all fields.
func (b *BleveIndex) buildQuery(query string, terms []string, fuzzy bool, fuzziness int, field string) blevequery.Query {
	if !fuzzy {
		mq := bleve.NewMatchQuery(query)
		if field != "" {
			mq.SetField(field)
		}
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		if field != "" {
			fq.SetField(field)
		}
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// termCoverage counts how many distinct query terms each document matches.
func (b *BleveIndex) termCoverage(ctx context.Context, terms []string, size int, fuzzy bool, fuzziness int) map[string]int {
	coverage := make(map[string]int)
	seen := make(map[string]bool, len(terms))
	for _, term := range terms {
		if seen[term] {
			continue
		}
		seen[term] = true
		hits, err := b.run(ctx, b.buildQuery(term, []string{term}, fuzzy, fuzziness, ""), size)
		if err != nil {
			continue
		}
		for id := range hits {
			coverage[id]++
		}
	}
	return coverage
}

// DocCount returns the total number of documents in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
