package config

// DefaultBufferWindow is the number of recent messages replayed into a prompt.
const DefaultBufferWindow = 10

// DefaultGreeting seeds every new conversation.
const DefaultGreeting = "How may I help you?"

// DefaultPersona frames every prompt.
const DefaultPersona = "This is a friendly conversation between an AI and a human. " +
	"Your role is to answer questions about the organization using the knowledge base below. " +
	"Focus on accurate, relevant information about its services and initiatives. " +
	"If a question falls outside that scope, politely steer the conversation back. " +
	"Keep responses short and concise, and avoid technical jargon."

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = "/usr/local/var/kotoba/data/index/knowledge"
	}
	if cfg.Storage.ConversationsDir == "" {
		cfg.Storage.ConversationsDir = "/usr/local/var/kotoba/data/conversations"
	}
	if cfg.Storage.CredentialsDir == "" {
		cfg.Storage.CredentialsDir = "/usr/local/var/kotoba/data/credentials"
	}
	if cfg.Corpus.SourceDir == "" {
		cfg.Corpus.SourceDir = "/usr/local/var/kotoba/knowledge"
	}
	if cfg.Corpus.Extensions == nil {
		cfg.Corpus.Extensions = []string{".txt", ".md", ".rst", ".pdf", ".docx", ".xlsx"}
	}
	if cfg.Corpus.ChunkSize == 0 {
		cfg.Corpus.ChunkSize = 200
	}
	if cfg.Corpus.ChunkOverlap == 0 {
		cfg.Corpus.ChunkOverlap = 20
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "ollama"
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "http://127.0.0.1:11434"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "nomic-embed-text"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 768
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1000
	}
	if cfg.Embedding.MaxRetries == 0 {
		cfg.Embedding.MaxRetries = 3
	}
	if cfg.Generation.BaseURL == "" {
		cfg.Generation.BaseURL = "http://127.0.0.1:11434"
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "llama3"
	}
	if cfg.Generation.Temperature == 0 {
		cfg.Generation.Temperature = 0.7
	}
	if cfg.Generation.MaxRetries == 0 {
		cfg.Generation.MaxRetries = 3
	}
	if cfg.Generation.ConnectTimeout == 0 {
		cfg.Generation.ConnectTimeout = 10
	}
	// BufferWindow stays nil when unset so an explicit 0 (stateless mode) survives.
	if cfg.Chat.ContextK == 0 {
		cfg.Chat.ContextK = 3
	}
	if cfg.Chat.Persona == "" {
		cfg.Chat.Persona = DefaultPersona
	}
	if cfg.Chat.Greeting == "" {
		cfg.Chat.Greeting = DefaultGreeting
	}
}
