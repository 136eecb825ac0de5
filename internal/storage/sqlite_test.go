package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/kotoba/internal/models"
)

func TestSQLiteStorage_Documents(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSQLiteStorage(filepath.Join(dir, "nested", "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	docs := []models.Document{
		{ID: "z", Text: "last letter", Source: "a.txt"},
		{ID: "a", Text: "first letter"},
		{ID: "m", Text: "middle", Source: "b.txt"},
	}
	if err := store.InsertDocuments(ctx, docs); err != nil {
		t.Fatal(err)
	}
	got, err := store.ListDocuments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 docs, got %d", len(got))
	}
	for i := range docs {
		if got[i].ID != docs[i].ID || got[i].Text != docs[i].Text || got[i].Source != docs[i].Source {
			t.Errorf("doc %d: got %+v, want %+v", i, got[i], docs[i])
		}
	}
	n, err := store.CountDocuments(ctx)
	if err != nil || n != 3 {
		t.Errorf("CountDocuments: got %d, %v", n, err)
	}

	// Duplicate IDs roll back the whole batch.
	err = store.InsertDocuments(ctx, []models.Document{{ID: "new", Text: "x"}, {ID: "a", Text: "dup"}})
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
	if n, _ := store.CountDocuments(ctx); n != 3 {
		t.Errorf("count after failed batch: got %d, want 3", n)
	}
}

func TestSQLiteStorage_Meta(t *testing.T) {
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	if _, err := store.GetMeta(ctx); !errors.Is(err, ErrMetaMissing) {
		t.Errorf("empty meta: got %v, want ErrMetaMissing", err)
	}

	built := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	want := IndexMeta{Provider: "mock/8", Dimensions: 8, Count: 2, BuiltAt: built}
	if err := store.SetMeta(ctx, want); err != nil {
		t.Fatal(err)
	}
	want.Count = 5
	if err := store.SetMeta(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetMeta(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Provider != want.Provider || got.Dimensions != 8 || got.Count != 5 || !got.BuiltAt.Equal(built) {
		t.Errorf("GetMeta: got %+v, want %+v", got, want)
	}
}

func TestOpenSQLiteStorage(t *testing.T) {
	dir := t.TempDir()
	if _, err := OpenSQLiteStorage(filepath.Join(dir, "missing.db")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing db: got %v, want ErrNotExist", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "missing.db")); !os.IsNotExist(err) {
		t.Error("OpenSQLiteStorage must not create the file")
	}

	garbage := filepath.Join(dir, "garbage.db")
	if err := os.WriteFile(garbage, []byte("this is not a database file at all, not even close........"), 0644); err != nil {
		t.Fatal(err)
	}
	if s, err := OpenSQLiteStorage(garbage); err == nil {
		s.Close()
		t.Error("expected error opening a corrupt database")
	}
}
