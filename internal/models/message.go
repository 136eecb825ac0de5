package models

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single chat message. Order within a conversation is its timestamp.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Conversation is a named, append-only thread of messages.
type Conversation struct {
	Name     string    `json:"name"`
	Messages []Message `json:"messages"`
}

// Clone returns a deep copy of c.
func (c Conversation) Clone() Conversation {
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	return Conversation{Name: c.Name, Messages: msgs}
}

// ConversationList is an ordered set of conversations. In YAML it is written
// as a mapping of name to message list, keeping insertion order.
type ConversationList []Conversation

// Find returns the position of the conversation called name.
func (l ConversationList) Find(name string) (int, bool) {
	for i, c := range l {
		if c.Name == name {
			return i, true
		}
	}
	return -1, false
}

// MarshalYAML encodes the list as an ordered mapping node.
func (l ConversationList) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, c := range l {
		var msgs yaml.Node
		if err := msgs.Encode(nonNil(c.Messages)); err != nil {
			return nil, fmt.Errorf("encode conversation %q: %w", c.Name, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: c.Name},
			&msgs,
		)
	}
	return node, nil
}

// UnmarshalYAML decodes an ordered mapping node. Duplicate names are rejected.
func (l *ConversationList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("conversations: expected mapping, got kind %d", value.Kind)
	}
	seen := make(map[string]bool, len(value.Content)/2)
	out := make(ConversationList, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		name := value.Content[i].Value
		if seen[name] {
			return fmt.Errorf("conversations: duplicate name %q", name)
		}
		seen[name] = true
		var msgs []Message
		if err := value.Content[i+1].Decode(&msgs); err != nil {
			return fmt.Errorf("conversation %q: %w", name, err)
		}
		for j, m := range msgs {
			if !m.Role.Valid() {
				return fmt.Errorf("conversation %q message %d: unknown role %q", name, j, m.Role)
			}
		}
		out = append(out, Conversation{Name: name, Messages: nonNil(msgs)})
	}
	*l = out
	return nil
}

func nonNil(msgs []Message) []Message {
	if msgs == nil {
		return []Message{}
	}
	return msgs
}

// History is the persisted form of one user's conversations.
type History struct {
	Identity      string           `json:"identity" yaml:"identity"`
	Active        string           `json:"active" yaml:"active"`
	Conversations ConversationList `json:"conversations" yaml:"conversations"`
}
