package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kotoba/internal/corpus"
	"github.com/hyperjump/kotoba/internal/retrieval"
)

// Builder builds a corpus index from a knowledge-base directory.
type Builder interface {
	BuildDirectory(ctx context.Context, dir string) (*corpus.Index, error)
}

// Rebuilder replaces the live index wholesale: build, save, then swap into the selector.
// A failed build leaves the current index in place.
type Rebuilder struct {
	builder   Builder
	sourceDir string
	indexPath string
	selector  *retrieval.Selector
	logger    *zap.Logger
	mu        sync.Mutex
}

// NewRebuilder returns a rebuilder for sourceDir. An empty indexPath skips saving.
func NewRebuilder(builder Builder, sourceDir, indexPath string, selector *retrieval.Selector, logger *zap.Logger) *Rebuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rebuilder{
		builder:   builder,
		sourceDir: sourceDir,
		indexPath: indexPath,
		selector:  selector,
		logger:    logger,
	}
}

// Rebuild builds a fresh index and installs it. Rebuilds never overlap.
// The replaced index is not closed: sessions may still be querying it.
func (r *Rebuilder) Rebuild(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	idx, err := r.builder.BuildDirectory(ctx, r.sourceDir)
	if err != nil {
		r.logger.Error("rebuild failed, keeping current index", zap.String("dir", r.sourceDir), zap.Error(err))
		return fmt.Errorf("rebuild index: %w", err)
	}
	if r.indexPath != "" {
		if err := idx.Save(ctx, r.indexPath); err != nil {
			// the new index still serves queries; the next rebuild retries the save
			r.logger.Warn("rebuilt index not saved", zap.String("path", r.indexPath), zap.Error(err))
		}
	}
	r.selector.Swap(idx)
	r.logger.Info("index rebuilt",
		zap.Int("documents", idx.Size()),
		zap.String("provider", idx.Provider()),
		zap.Duration("took", time.Since(start)))
	return nil
}

// OnChange adapts Rebuild to the Watcher callback.
func (r *Rebuilder) OnChange(ctx context.Context, changed []string) {
	r.logger.Info("knowledge base changed", zap.Int("files", len(changed)))
	_ = r.Rebuild(ctx)
}
