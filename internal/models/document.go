// Package models defines core data structures for knowledge documents and conversations.
package models

// Record is a raw knowledge-base text record fed to index builds.
type Record struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// Document is an indexed record together with its embedding vector.
// Vector is stored L2-normalised, not as the provider returned it.
// Documents are immutable once indexed.
type Document struct {
	ID     string    `json:"id" db:"id"`
	Text   string    `json:"text" db:"text"`
	Source string    `json:"source,omitempty" db:"source"`
	Vector []float32 `json:"-" db:"-"`
}

// ScoredDocument is a query hit. Distance is cosine distance (0 = identical direction).
type ScoredDocument struct {
	Document *Document `json:"document"`
	Distance float64   `json:"distance"`
}
