package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/kotoba/internal/corpus"
	"github.com/hyperjump/kotoba/internal/embedding"
	"github.com/hyperjump/kotoba/internal/extract"
	"github.com/hyperjump/kotoba/internal/fileid"
	"github.com/hyperjump/kotoba/internal/models"
)

// Indexer reads knowledge-base files and builds corpus indexes.
type Indexer struct {
	embedder    embedding.Embedder
	extractor   *extract.Extractor
	chunker     *Chunker
	allowedExts []string
	logger      *zap.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for progress and skipped files.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithExtensions restricts indexing to files with these extensions (case-insensitive).
// An empty list accepts every format the extractor supports.
func WithExtensions(exts []string) IndexerOption {
	return func(idx *Indexer) { idx.allowedExts = exts }
}

// NewIndexer creates an indexer that chunks text into chunkSize-word windows sharing chunkOverlap words.
func NewIndexer(embedder embedding.Embedder, chunkSize, chunkOverlap int, opts ...IndexerOption) *Indexer {
	idx := &Indexer{
		embedder:  embedder,
		extractor: extract.NewExtractor(),
		chunker:   NewChunker(chunkSize, chunkOverlap),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// FileRecords extracts, normalises and chunks one file. Record IDs are derived from
// the absolute path and chunk number; Source is the path relative to root.
func (idx *Indexer) FileRecords(root, path string) ([]models.Record, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", absPath)
	}
	text, err := idx.extractor.Extract(absPath)
	if err != nil {
		return nil, fmt.Errorf("extract content: %w", err)
	}

	source := absPath
	if rel, err := filepath.Rel(root, absPath); err == nil {
		source = filepath.ToSlash(rel)
	}
	chunks := idx.chunker.Chunk(Preprocess(text))
	records := make([]models.Record, len(chunks))
	for i, chunk := range chunks {
		records[i] = models.Record{ID: fileid.RecordID(absPath, i), Text: chunk, Source: source}
	}
	return records, nil
}

// DirectoryRecords walks dir in lexical order and returns the records of every
// indexable file. Files that cannot be extracted are logged and skipped so one
// damaged document does not block the rest of the knowledge base.
func (idx *Indexer) DirectoryRecords(ctx context.Context, dir string) ([]models.Record, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absDir)
	}

	var records []models.Record
	files := 0
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != absDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !idx.Accepts(path) {
			return nil
		}
		recs, err := idx.FileRecords(absDir, path)
		if err != nil {
			idx.logger.Warn("skipping file", zap.String("path", path), zap.Error(err))
			return nil
		}
		idx.logger.Debug("file chunked", zap.String("path", path), zap.Int("chunks", len(recs)))
		records = append(records, recs...)
		files++
		return nil
	})
	if err != nil {
		return nil, err
	}
	idx.logger.Info("knowledge base scanned", zap.String("dir", absDir), zap.Int("files", files), zap.Int("records", len(records)))
	return records, nil
}

// BuildDirectory reads dir and builds a corpus index from its records.
func (idx *Indexer) BuildDirectory(ctx context.Context, dir string) (*corpus.Index, error) {
	records, err := idx.DirectoryRecords(ctx, dir)
	if err != nil {
		return nil, err
	}
	return corpus.Build(ctx, idx.embedder, records, corpus.WithLogger(idx.logger))
}

// Accepts reports whether path has an allowed, extractable extension.
// Hidden files are never accepted.
func (idx *Indexer) Accepts(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !idx.extractor.Supported(ext) {
		return false
	}
	return len(idx.allowedExts) == 0 || extensionAllowed(ext, idx.allowedExts)
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
