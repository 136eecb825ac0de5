package chat

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/kotoba/internal/auth"
	"github.com/hyperjump/kotoba/internal/config"
	"github.com/hyperjump/kotoba/internal/retrieval"
	"github.com/hyperjump/kotoba/internal/stream"
)

// ErrInvalidIdentity is returned for blank identities.
var ErrInvalidIdentity = errors.New("identity must not be blank")

// Manager owns one Session per identity. Sessions are created on first access,
// restored from the persister, and kept for the life of the process.
type Manager struct {
	persister Persister
	selector  ContextSelector
	generator stream.Generator
	window    *WindowConfig
	persona   string
	greeting  string
	contextK  int

	maxPromptTokens int
	logger          *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithSelector sets the context selector. Without one, prompts carry no knowledge snippets.
func WithSelector(s ContextSelector) Option {
	return func(m *Manager) { m.selector = s }
}

// WithPersister sets where conversations are saved. Without one, state lives only in memory.
func WithPersister(p Persister) Option {
	return func(m *Manager) { m.persister = p }
}

// WithWindow shares a buffer window config with the manager.
func WithWindow(w *WindowConfig) Option {
	return func(m *Manager) { m.window = w }
}

// WithPersona sets the prompt framing text.
func WithPersona(p string) Option {
	return func(m *Manager) { m.persona = p }
}

// WithGreeting sets the message that seeds new conversations.
func WithGreeting(g string) Option {
	return func(m *Manager) { m.greeting = g }
}

// WithContextK sets how many snippets are selected per turn.
func WithContextK(k int) Option {
	return func(m *Manager) { m.contextK = k }
}

// WithMaxPromptTokens clamps prompts to n estimated tokens. n <= 0 disables the clamp.
func WithMaxPromptTokens(n int) Option {
	return func(m *Manager) { m.maxPromptTokens = n }
}

// NewManager returns a manager that generates replies with gen.
func NewManager(gen stream.Generator, opts ...Option) *Manager {
	m := &Manager{
		generator: gen,
		persona:   config.DefaultPersona,
		greeting:  config.DefaultGreeting,
		contextK:  retrieval.DefaultK,
		logger:    zap.NewNop(),
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.window == nil {
		m.window, _ = NewWindowConfig(config.DefaultBufferWindow)
	}
	return m
}

// Window returns the shared buffer window config.
func (m *Manager) Window() *WindowConfig { return m.window }

// Session returns identity's session, restoring it on first access.
// A persisted history that cannot be read is reported, not replaced.
func (m *Manager) Session(identity string) (*Session, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, ErrInvalidIdentity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[identity]; ok {
		return s, nil
	}
	store, err := Restore(m.persister, identity, m.greeting)
	if err != nil {
		return nil, err
	}
	s := &Session{identity: identity, m: m, store: store}
	m.sessions[identity] = s
	m.logger.Debug("session started", zap.String("identity", identity), zap.Int("conversations", store.Len()))
	return s, nil
}

// Identities returns the identities with a live session, sorted.
func (m *Manager) Identities() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) generatorFor(creds auth.Credentials) stream.Generator {
	if tg, ok := m.generator.(TokenGenerator); ok && creds.Token != "" {
		return tg.ForToken(creds.Token)
	}
	return m.generator
}
