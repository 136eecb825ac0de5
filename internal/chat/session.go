package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kotoba/internal/auth"
	"github.com/hyperjump/kotoba/internal/models"
	"github.com/hyperjump/kotoba/internal/stream"
)

var (
	// ErrTurnInProgress is returned when a message arrives while the session is still streaming a reply.
	ErrTurnInProgress = errors.New("a reply is still being generated")
	// ErrEmptyMessage is returned for blank user messages.
	ErrEmptyMessage = errors.New("message must not be blank")
)

// Persister stores one user's conversation history.
type Persister interface {
	// Load returns ok == false with a nil error when nothing was saved for identity.
	Load(identity string) (history *models.History, ok bool, err error)
	Save(history *models.History) error
}

// ContextSelector picks knowledge-base snippets for a message.
type ContextSelector interface {
	Select(ctx context.Context, query string, k int) []string
}

// TokenGenerator is a generator that can act with a user's token.
type TokenGenerator interface {
	stream.Generator
	ForToken(token string) stream.Generator
}

// Restore loads identity's conversations from p, or returns a default store when none were saved.
func Restore(p Persister, identity, greeting string) (*Store, error) {
	if p == nil {
		return NewStore(greeting), nil
	}
	h, ok, err := p.Load(identity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return NewStore(greeting), nil
	}
	return StoreFromHistory(h, greeting), nil
}

// TurnResult describes a completed turn.
type TurnResult struct {
	ID           string
	Conversation string
	Reply        string
	Snippets     []string
	PromptTokens int
	Trimmed      Trim
	// PersistErr is set when the turn was committed in memory but could not be saved.
	PersistErr error
}

// Change describes the state after a conversation event.
type Change struct {
	Active models.Conversation
	Names  []string
	// PersistErr is set when the change was applied in memory but could not be saved.
	PersistErr error
}

// Session is one user's chat state. Conversation events may arrive concurrently;
// at most one turn streams at a time.
type Session struct {
	identity string
	m        *Manager

	mu          sync.Mutex
	store       *Store
	credentials auth.Credentials

	persistMu sync.Mutex
	busy      atomic.Bool
}

// Identity returns the user identity that keys this session.
func (s *Session) Identity() string { return s.identity }

// SetCredentials sets the credentials passed to the generator on future turns.
func (s *Session) SetCredentials(c auth.Credentials) {
	s.mu.Lock()
	s.credentials = c
	s.mu.Unlock()
}

// Busy reports whether a turn is streaming.
func (s *Session) Busy() bool { return s.busy.Load() }

// Snapshot returns a copy of the session's conversations.
func (s *Session) Snapshot() *models.History {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.History(s.identity)
}

// Names returns the conversation names in creation order.
func (s *Session) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Names()
}

// Active returns a copy of the active conversation.
func (s *Session) Active() models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Active()
}

// NextName returns the first free default conversation name.
func (s *Session) NextName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.NextName()
}

// Turn answers userMessage in the active conversation. onPartial, if set, receives
// the reply accumulated so far after every token. The user message and reply are
// appended together only once the reply is complete, to the conversation that was
// active when the turn started. A failed or cancelled turn leaves the conversation
// untouched and returns a *stream.StreamError.
func (s *Session) Turn(ctx context.Context, userMessage string, onPartial func(string)) (TurnResult, error) {
	if strings.TrimSpace(userMessage) == "" {
		return TurnResult{}, ErrEmptyMessage
	}
	if !s.busy.CompareAndSwap(false, true) {
		return TurnResult{}, ErrTurnInProgress
	}
	defer s.busy.Store(false)

	res := TurnResult{ID: uuid.NewString()}
	logger := s.m.logger.With(zap.String("identity", s.identity), zap.String("turn", res.ID))

	s.mu.Lock()
	active := s.store.Active()
	creds := s.credentials
	s.mu.Unlock()
	res.Conversation = active.Name

	if s.m.selector != nil {
		res.Snippets = s.m.selector.Select(ctx, userMessage, s.m.contextK)
	} else {
		res.Snippets = []string{}
	}
	history := Window(active.Messages, s.m.window.Get())
	prompt, trim := FitBudget(s.m.persona, res.Snippets, history, userMessage, s.m.maxPromptTokens)
	res.PromptTokens = prompt.Tokens()
	res.Trimmed = trim
	logger.Debug("prompt assembled",
		zap.String("conversation", active.Name),
		zap.Int("snippets", len(res.Snippets)),
		zap.Int("history", len(history)),
		zap.Int("tokens", res.PromptTokens),
		zap.Int("dropped_snippets", trim.Snippets),
		zap.Int("dropped_history", trim.History))

	reply, err := stream.Collect(ctx, s.m.generatorFor(creds), prompt.String(), onPartial)
	if err != nil {
		logger.Warn("turn failed", zap.Error(err))
		return res, err
	}
	res.Reply = reply

	s.mu.Lock()
	err = s.store.Append(active.Name,
		models.Message{Role: models.RoleUser, Content: userMessage},
		models.Message{Role: models.RoleAssistant, Content: reply})
	s.mu.Unlock()
	if err != nil {
		return res, fmt.Errorf("commit turn: %w", err)
	}

	res.PersistErr = s.Persist()
	if res.PersistErr != nil {
		logger.Warn("turn committed but not saved", zap.Error(res.PersistErr))
	}
	return res, nil
}

// OnNewMessage handles a message typed by the user.
func (s *Session) OnNewMessage(ctx context.Context, userMessage string, onPartial func(string)) (TurnResult, error) {
	return s.Turn(ctx, userMessage, onPartial)
}

// OnCreateConversation creates and activates a conversation. A blank name picks the next free default name.
func (s *Session) OnCreateConversation(name string) (Change, error) {
	return s.apply(func(st *Store) error {
		if strings.TrimSpace(name) == "" {
			name = st.NextName()
		}
		_, err := st.Create(name)
		return err
	})
}

// OnSelectConversation activates conversation name.
func (s *Session) OnSelectConversation(name string) (Change, error) {
	return s.apply(func(st *Store) error {
		_, err := st.Select(name)
		return err
	})
}

// OnDeleteConversation removes conversation name.
func (s *Session) OnDeleteConversation(name string) (Change, error) {
	return s.apply(func(st *Store) error {
		return st.Delete(name)
	})
}

func (s *Session) apply(fn func(*Store) error) (Change, error) {
	s.mu.Lock()
	if err := fn(s.store); err != nil {
		s.mu.Unlock()
		return Change{}, err
	}
	ch := Change{Active: s.store.Active(), Names: s.store.Names()}
	s.mu.Unlock()

	ch.PersistErr = s.Persist()
	if ch.PersistErr != nil {
		s.m.logger.Warn("conversation change not saved", zap.String("identity", s.identity), zap.Error(ch.PersistErr))
	}
	return ch, nil
}

// Persist saves the full conversation mapping. A failure leaves in-memory state as is.
func (s *Session) Persist() error {
	if s.m.persister == nil {
		return nil
	}
	// snapshot under persistMu so concurrent saves land in mutation order
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.m.persister.Save(s.Snapshot())
}
