package cli

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestParseOutputFormat(t *testing.T) {
	for _, s := range []string{"text", "json"} {
		if _, err := ParseOutputFormat(s); err != nil {
			t.Errorf("ParseOutputFormat(%q): %v", s, err)
		}
	}
	if _, err := ParseOutputFormat("yaml"); err == nil {
		t.Error("expected error for yaml")
	}
}

func TestWriteStatus_JSON(t *testing.T) {
	disk := int64(2048)
	st := &Status{
		Index:          IndexStatus{Loaded: true, Documents: 12, Provider: "ollama/nomic-embed-text", Dimensions: 768},
		BufferWindow:   10,
		IndexPath:      "/data/index",
		DiskUsageBytes: &disk,
	}
	var buf bytes.Buffer
	if err := WriteStatus(&buf, st, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded Status
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Index.Documents != 12 {
		t.Errorf("documents: got %d", decoded.Index.Documents)
	}
	if decoded.DiskUsageBytes == nil || *decoded.DiskUsageBytes != 2048 {
		t.Errorf("disk_usage_bytes: got %v", decoded.DiskUsageBytes)
	}
}

func TestWriteStatus_Text(t *testing.T) {
	tests := []struct {
		name string
		st   Status
		want []string
	}{
		{
			name: "loaded",
			st:   Status{Index: IndexStatus{Loaded: true, Documents: 3, Provider: "mock/8", Dimensions: 8}, BufferWindow: 5},
			want: []string{"documents:          3", "provider:           mock/8", "buffer_window:      5"},
		},
		{
			name: "missing",
			st:   Status{Index: IndexStatus{Error: "no such file"}},
			want: []string{"no index saved yet", "index_error:        no such file"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteStatus(&buf, &tt.st, OutputText); err != nil {
				t.Fatal(err)
			}
			for _, w := range tt.want {
				if !bytes.Contains(buf.Bytes(), []byte(w)) {
					t.Errorf("output missing %q:\n%s", w, buf.String())
				}
			}
		})
	}
}

func TestTruncateWords(t *testing.T) {
	tests := []struct {
		s        string
		maxWords int
		want     string
	}{
		{"one two three", 5, "one two three"},
		{"one two three", 2, "one two..."},
		{"  spaced   out  ", 5, "spaced out"},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := TruncateWords(tt.s, tt.maxWords); got != tt.want {
			t.Errorf("TruncateWords(%q, %d) = %q, want %q", tt.s, tt.maxWords, got, tt.want)
		}
	}
}
