// Package cli provides the terminal chat loop and output helpers for kotoba.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// OutputFormat selects how status is written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text" or "json".
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, OutputJSON:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text or json", s)
	}
}

// IndexStatus describes a saved or loaded corpus index.
type IndexStatus struct {
	Loaded     bool   `json:"loaded"`
	Documents  int    `json:"documents,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
	BuiltAt    string `json:"built_at,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Status is the output of "kotoba status".
type Status struct {
	Index            IndexStatus `json:"index"`
	BufferWindow     int         `json:"buffer_window"`
	EmbeddingModel   string      `json:"embedding_provider"`
	GenerationModel  string      `json:"generation_model"`
	IndexPath        string      `json:"index_path"`
	ConversationsDir string      `json:"conversations_dir"`
	Conversations    int         `json:"conversation_files"`
	DiskUsageBytes   *int64      `json:"disk_usage_bytes,omitempty"`
}

// WriteStatus writes st to w in the given format.
func WriteStatus(w io.Writer, st *Status, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	if st.Index.Loaded {
		fmt.Fprintf(w, "documents:          %d   # knowledge snippets in the index\n", st.Index.Documents)
		fmt.Fprintf(w, "provider:           %s\n", st.Index.Provider)
		fmt.Fprintf(w, "dimensions:         %d\n", st.Index.Dimensions)
		if st.Index.BuiltAt != "" {
			fmt.Fprintf(w, "built_at:           %s\n", st.Index.BuiltAt)
		}
	} else {
		fmt.Fprintln(w, "documents:          0   # no index saved yet, run: kotoba index")
		if st.Index.Error != "" {
			fmt.Fprintf(w, "index_error:        %s\n", st.Index.Error)
		}
	}
	fmt.Fprintf(w, "conversation_files: %d\n", st.Conversations)
	if st.DiskUsageBytes != nil {
		fmt.Fprintf(w, "disk_usage_bytes:   %d   # index + conversations on disk\n", *st.DiskUsageBytes)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "# configuration")
	fmt.Fprintf(w, "buffer_window:      %d\n", st.BufferWindow)
	if st.EmbeddingModel != "" {
		fmt.Fprintf(w, "embedding:          %s\n", st.EmbeddingModel)
	}
	if st.GenerationModel != "" {
		fmt.Fprintf(w, "generation:         %s\n", st.GenerationModel)
	}
	fmt.Fprintf(w, "index_path:         %s\n", st.IndexPath)
	fmt.Fprintf(w, "conversations_dir:  %s\n", st.ConversationsDir)
	return nil
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
