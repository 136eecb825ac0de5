// Package config provides configuration loading and structs for kotoba.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Buffer window bounds accepted by Validate and the -window flags.
const (
	MinBufferWindow = 0
	MaxBufferWindow = 20
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool             `yaml:"debug"`
	LogFile    string           `yaml:"log_file"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Corpus     CorpusConfig     `yaml:"corpus"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Generation GenerationConfig `yaml:"generation"`
	Chat       ChatConfig       `yaml:"chat"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the corpus index and per-user state.
type StorageConfig struct {
	IndexPath        string `yaml:"index_path"`
	ConversationsDir string `yaml:"conversations_dir"`
	CredentialsDir   string `yaml:"credentials_dir"`
}

// CorpusConfig describes where knowledge documents come from and how they are chunked.
type CorpusConfig struct {
	SourceDir    string   `yaml:"source_dir"`
	Extensions   []string `yaml:"extensions"`
	ChunkSize    int      `yaml:"chunk_size"`
	ChunkOverlap int      `yaml:"chunk_overlap"`
	Watch        bool     `yaml:"watch"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // ollama, onnx, or mock
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	ModelPath  string `yaml:"model_path"`
	Dimensions int    `yaml:"dimensions"`
	MaxTokens  int    `yaml:"max_tokens"`
	CacheSize  int    `yaml:"cache_size"`
	MaxRetries int    `yaml:"max_retries"`
}

// GenerationConfig configures the streaming completion provider.
type GenerationConfig struct {
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	MaxRetries     int     `yaml:"max_retries"`
	ConnectTimeout int     `yaml:"connect_timeout_seconds"`
}

// ChatConfig holds prompt and conversation settings.
type ChatConfig struct {
	BufferWindow    *int   `yaml:"buffer_window"`
	ContextK        int    `yaml:"context_k"`
	MaxPromptTokens int    `yaml:"max_prompt_tokens"`
	Persona         string `yaml:"persona"`
	Greeting        string `yaml:"greeting"`
	KeywordFallback bool   `yaml:"keyword_fallback"`
}

// BufferWindowOrDefault returns the configured window; defaults to DefaultBufferWindow when unset.
func (c *ChatConfig) BufferWindowOrDefault() int {
	if c.BufferWindow != nil {
		return *c.BufferWindow
	}
	return DefaultBufferWindow
}

// Load reads and parses the config file at path, expands paths, applies defaults
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.LogFile = expandOptionalPath(cfg.LogFile, configDir)
	cfg.Storage.IndexPath = expandPath(cfg.Storage.IndexPath, configDir)
	cfg.Storage.ConversationsDir = expandPath(cfg.Storage.ConversationsDir, configDir)
	cfg.Storage.CredentialsDir = expandPath(cfg.Storage.CredentialsDir, configDir)
	cfg.Corpus.SourceDir = expandPath(cfg.Corpus.SourceDir, configDir)
	cfg.Embedding.ModelPath = expandOptionalPath(cfg.Embedding.ModelPath, configDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks value ranges that defaults cannot repair.
func (c *Config) Validate() error {
	if err := ValidateBufferWindow(c.Chat.BufferWindowOrDefault()); err != nil {
		return err
	}
	if c.Chat.ContextK < 0 {
		return fmt.Errorf("chat.context_k must not be negative, got %d", c.Chat.ContextK)
	}
	switch c.Embedding.Provider {
	case "ollama", "onnx", "mock":
	default:
		return fmt.Errorf("unknown embedding provider %q (supported: ollama, onnx, mock)", c.Embedding.Provider)
	}
	if c.Corpus.ChunkOverlap >= c.Corpus.ChunkSize {
		return fmt.Errorf("corpus.chunk_overlap (%d) must be smaller than chunk_size (%d)", c.Corpus.ChunkOverlap, c.Corpus.ChunkSize)
	}
	return nil
}

// ValidateBufferWindow reports whether n is in the recognised range.
func ValidateBufferWindow(n int) error {
	if n < MinBufferWindow || n > MaxBufferWindow {
		return fmt.Errorf("buffer window must be between %d and %d, got %d", MinBufferWindow, MaxBufferWindow, n)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}

func expandOptionalPath(path, configDir string) string {
	if path == "" {
		return ""
	}
	return expandPath(path, configDir)
}
