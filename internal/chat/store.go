// Package chat holds the per-user conversation state and orchestrates chat turns.
package chat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hyperjump/kotoba/internal/models"
)

// DefaultConversationPrefix names conversations created without an explicit name.
const DefaultConversationPrefix = "Conversation "

var (
	// ErrDuplicateName is returned when a conversation name is already taken.
	ErrDuplicateName = errors.New("conversation already exists")
	// ErrNotFound is returned when a named conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrInvalidName is returned for blank conversation names.
	ErrInvalidName = errors.New("conversation name must not be blank")
)

// Store is one user's ordered set of conversations and the name of the active one.
// The active conversation always exists. Store is not safe for concurrent use.
type Store struct {
	greeting      string
	conversations models.ConversationList
	active        string
}

// NewStore returns a store holding a single seeded "Conversation 1".
func NewStore(greeting string) *Store {
	s := &Store{greeting: greeting}
	s.seedDefault()
	return s
}

// StoreFromHistory rebuilds a store from a persisted history.
// An empty history yields the default store; a dangling active name falls back to the first conversation.
func StoreFromHistory(h *models.History, greeting string) *Store {
	if h == nil || len(h.Conversations) == 0 {
		return NewStore(greeting)
	}
	s := &Store{greeting: greeting, conversations: make(models.ConversationList, len(h.Conversations))}
	for i, c := range h.Conversations {
		s.conversations[i] = c.Clone()
	}
	s.active = h.Active
	if _, ok := s.conversations.Find(s.active); !ok {
		s.active = s.conversations[0].Name
	}
	return s
}

func (s *Store) seed(name string) models.Conversation {
	return models.Conversation{
		Name:     name,
		Messages: []models.Message{{Role: models.RoleAssistant, Content: s.greeting}},
	}
}

func (s *Store) seedDefault() {
	c := s.seed(DefaultConversationPrefix + "1")
	s.conversations = models.ConversationList{c}
	s.active = c.Name
}

// Create adds a seeded conversation called name and makes it active.
func (s *Store) Create(name string) (models.Conversation, error) {
	if strings.TrimSpace(name) == "" {
		return models.Conversation{}, ErrInvalidName
	}
	if _, ok := s.conversations.Find(name); ok {
		return models.Conversation{}, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	c := s.seed(name)
	s.conversations = append(s.conversations, c)
	s.active = name
	return c.Clone(), nil
}

// Select makes name the active conversation.
func (s *Store) Select(name string) (models.Conversation, error) {
	i, ok := s.conversations.Find(name)
	if !ok {
		return models.Conversation{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	s.active = name
	return s.conversations[i].Clone(), nil
}

// Append adds msg to the end of conversation name.
func (s *Store) Append(name string, msgs ...models.Message) error {
	i, ok := s.conversations.Find(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	s.conversations[i].Messages = append(s.conversations[i].Messages, msgs...)
	return nil
}

// Delete removes conversation name. Deleting the active conversation activates the
// first remaining one; deleting the last conversation recreates the default.
func (s *Store) Delete(name string) error {
	i, ok := s.conversations.Find(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	s.conversations = append(s.conversations[:i:i], s.conversations[i+1:]...)
	if len(s.conversations) == 0 {
		s.seedDefault()
		return nil
	}
	if s.active == name {
		s.active = s.conversations[0].Name
	}
	return nil
}

// Names returns conversation names in creation order.
func (s *Store) Names() []string {
	names := make([]string, len(s.conversations))
	for i, c := range s.conversations {
		names[i] = c.Name
	}
	return names
}

// ActiveName returns the name of the active conversation.
func (s *Store) ActiveName() string { return s.active }

// Active returns a copy of the active conversation.
func (s *Store) Active() models.Conversation {
	i, _ := s.conversations.Find(s.active)
	return s.conversations[i].Clone()
}

// Conversation returns a copy of conversation name.
func (s *Store) Conversation(name string) (models.Conversation, error) {
	i, ok := s.conversations.Find(name)
	if !ok {
		return models.Conversation{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return s.conversations[i].Clone(), nil
}

// Len returns the number of conversations.
func (s *Store) Len() int { return len(s.conversations) }

// NextName returns the first unused "Conversation N".
func (s *Store) NextName() string {
	for n := 1; ; n++ {
		name := fmt.Sprintf("%s%d", DefaultConversationPrefix, n)
		if _, taken := s.conversations.Find(name); !taken {
			return name
		}
	}
}

// History returns a deep copy of the store in its persisted form.
func (s *Store) History(identity string) *models.History {
	convs := make(models.ConversationList, len(s.conversations))
	for i, c := range s.conversations {
		convs[i] = c.Clone()
	}
	return &models.History{Identity: identity, Active: s.active, Conversations: convs}
}
