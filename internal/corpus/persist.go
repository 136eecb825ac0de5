package corpus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hyperjump/kotoba/internal/embedding"
	"github.com/hyperjump/kotoba/internal/storage"
	"github.com/hyperjump/kotoba/internal/vector"
)

// File names inside an index directory.
const (
	DocumentsFile = "index.db"
	VectorsFile   = "vectors.bin"
)

// ErrCorrupt marks an index directory whose files disagree with each other.
var ErrCorrupt = errors.New("corrupt corpus index")

// Save writes the index to dir. Files are staged in a sibling temp directory and
// swapped in only when complete, so a failed save leaves any previous index intact.
func (idx *Index) Save(ctx context.Context, dir string) error {
	tmp, err := storage.TempDirFor(dir)
	if err != nil {
		return &storage.PersistenceError{Op: "save index", Path: dir, Err: err}
	}
	if err := idx.writeFiles(ctx, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return &storage.PersistenceError{Op: "save index", Path: dir, Err: err}
	}
	if err := storage.ReplaceDir(tmp, dir); err != nil {
		_ = os.RemoveAll(tmp)
		return &storage.PersistenceError{Op: "save index", Path: dir, Err: err}
	}
	idx.logger.Info("corpus index saved", zap.String("path", dir), zap.Int("documents", len(idx.docs)))
	return nil
}

func (idx *Index) writeFiles(ctx context.Context, dir string) error {
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, DocumentsFile))
	if err != nil {
		return err
	}
	if err := store.InsertDocuments(ctx, idx.docs); err != nil {
		_ = store.Close()
		return err
	}
	meta := storage.IndexMeta{
		Provider:   idx.provider,
		Dimensions: idx.dimensions,
		Count:      len(idx.docs),
		BuiltAt:    idx.builtAt,
	}
	if err := store.SetMeta(ctx, meta); err != nil {
		_ = store.Close()
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}
	return idx.vectors.Save(filepath.Join(dir, VectorsFile))
}

// Load reads an index saved by Save. The stamped provider and dimensionality must
// match embedder; otherwise the error wraps storage.ErrIncompatible. Every failure
// is a *storage.PersistenceError.
func Load(ctx context.Context, dir string, embedder embedding.Embedder, opts ...Option) (*Index, error) {
	fail := func(err error) (*Index, error) {
		return nil, &storage.PersistenceError{Op: "load index", Path: dir, Err: err}
	}

	store, err := storage.OpenSQLiteStorage(filepath.Join(dir, DocumentsFile))
	if err != nil {
		return fail(err)
	}
	defer store.Close()

	meta, err := store.GetMeta(ctx)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrCorrupt, err))
	}
	if meta.Provider != embedder.Provider() || meta.Dimensions != embedder.Dimensions() {
		return fail(fmt.Errorf("%w: index built with %s (%d dimensions), active embedder is %s (%d dimensions)",
			storage.ErrIncompatible, meta.Provider, meta.Dimensions, embedder.Provider(), embedder.Dimensions()))
	}

	docs, err := store.ListDocuments(ctx)
	if err != nil {
		return fail(err)
	}
	if len(docs) != meta.Count {
		return fail(fmt.Errorf("%w: metadata says %d documents, found %d", ErrCorrupt, meta.Count, len(docs)))
	}

	idx, err := newIndex(meta.Provider, meta.Dimensions, opts)
	if err != nil {
		return fail(err)
	}
	if err := idx.vectors.Load(filepath.Join(dir, VectorsFile)); err != nil {
		if errors.Is(err, vector.ErrCorrupt) {
			return fail(fmt.Errorf("%w: %v", ErrCorrupt, err))
		}
		return fail(err)
	}
	ids := idx.vectors.IDs()
	if len(ids) != len(docs) {
		return fail(fmt.Errorf("%w: %d documents but %d vectors", ErrCorrupt, len(docs), len(ids)))
	}
	for i := range docs {
		if ids[i] != docs[i].ID {
			return fail(fmt.Errorf("%w: entry %d is %q in documents but %q in vectors", ErrCorrupt, i, docs[i].ID, ids[i]))
		}
		docs[i].Vector, _ = idx.vectors.Vector(ids[i])
	}
	idx.docs = docs
	idx.builtAt = meta.BuiltAt
	idx.logger.Info("corpus index loaded", zap.String("path", dir), zap.Int("documents", len(docs)))
	return idx, nil
}

// ReadMeta returns the stamp of the index saved in dir without loading it.
func ReadMeta(ctx context.Context, dir string) (storage.IndexMeta, error) {
	store, err := storage.OpenSQLiteStorage(filepath.Join(dir, DocumentsFile))
	if err != nil {
		return storage.IndexMeta{}, &storage.PersistenceError{Op: "read index metadata", Path: dir, Err: err}
	}
	defer store.Close()
	meta, err := store.GetMeta(ctx)
	if err != nil {
		return storage.IndexMeta{}, &storage.PersistenceError{Op: "read index metadata", Path: dir, Err: err}
	}
	return meta, nil
}
