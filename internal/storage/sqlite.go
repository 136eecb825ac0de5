package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kotoba/internal/models"
)

// ErrMetaMissing is returned by GetMeta when the database carries no index stamp.
var ErrMetaMissing = errors.New("index metadata missing")

// SQLiteStorage implements DocumentStore using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return openSQLite(dbPath)
}

// OpenSQLiteStorage opens an existing database; it never creates one.
func OpenSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, err
	}
	return openSQLite(dbPath)
}

func openSQLite(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		text TEXT NOT NULL,
		source TEXT
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

// InsertDocuments inserts docs in a transaction; seq preserves their order.
func (s *SQLiteStorage) InsertDocuments(ctx context.Context, docs []models.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO documents (id, text, source) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, doc := range docs {
		if _, err := stmt.ExecContext(ctx, doc.ID, doc.Text, doc.Source); err != nil {
			return fmt.Errorf("insert document %s: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

// ListDocuments returns every document ordered by insertion.
func (s *SQLiteStorage) ListDocuments(ctx context.Context) ([]models.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, source FROM documents ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var doc models.Document
		var source sql.NullString
		if err := rows.Scan(&doc.ID, &doc.Text, &source); err != nil {
			return nil, err
		}
		doc.Source = source.String
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CountDocuments returns the total number of documents.
func (s *SQLiteStorage) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// SetMeta writes the index stamp, replacing any previous one.
func (s *SQLiteStorage) SetMeta(ctx context.Context, meta IndexMeta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	values := map[string]string{
		"provider":   meta.Provider,
		"dimensions": strconv.Itoa(meta.Dimensions),
		"count":      strconv.Itoa(meta.Count),
		"built_at":   meta.BuiltAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return fmt.Errorf("write meta %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// GetMeta reads the index stamp. ErrMetaMissing is returned when any key is absent.
func (s *SQLiteStorage) GetMeta(ctx context.Context) (IndexMeta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return IndexMeta{}, err
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return IndexMeta{}, err
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return IndexMeta{}, err
	}

	for _, k := range []string{"provider", "dimensions", "count", "built_at"} {
		if _, ok := values[k]; !ok {
			return IndexMeta{}, fmt.Errorf("%w: %s", ErrMetaMissing, k)
		}
	}
	meta := IndexMeta{Provider: values["provider"]}
	if meta.Dimensions, err = strconv.Atoi(values["dimensions"]); err != nil {
		return IndexMeta{}, fmt.Errorf("parse dimensions: %w", err)
	}
	if meta.Count, err = strconv.Atoi(values["count"]); err != nil {
		return IndexMeta{}, fmt.Errorf("parse count: %w", err)
	}
	if meta.BuiltAt, err = time.Parse(time.RFC3339Nano, values["built_at"]); err != nil {
		return IndexMeta{}, fmt.Errorf("parse built_at: %w", err)
	}
	return meta, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
