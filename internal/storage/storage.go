// Package storage persists the corpus index documents (SQLite) and per-user
// conversation history (YAML), and reports I/O failures as PersistenceError.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/kotoba/internal/models"
)

// ErrIncompatible marks persisted data that was produced for a different
// embedding provider or dimensionality.
var ErrIncompatible = errors.New("incompatible persisted data")

// PersistenceError reports a failed read or write of persisted state.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IndexMeta stamps a saved corpus index.
type IndexMeta struct {
	Provider   string
	Dimensions int
	Count      int
	BuiltAt    time.Time
}

// DocumentStore persists the ordered documents of a corpus index.
type DocumentStore interface {
	// InsertDocuments appends docs in order in a single transaction.
	InsertDocuments(ctx context.Context, docs []models.Document) error
	// ListDocuments returns all documents in insertion order, without vectors.
	ListDocuments(ctx context.Context) ([]models.Document, error)
	CountDocuments(ctx context.Context) (int64, error)
	SetMeta(ctx context.Context, meta IndexMeta) error
	GetMeta(ctx context.Context) (IndexMeta, error)
	Close() error
}
