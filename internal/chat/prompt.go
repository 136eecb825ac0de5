package chat

import (
	"strings"

	"github.com/hyperjump/kotoba/internal/models"
	"github.com/hyperjump/kotoba/pkg/utils"
)

// Fixed prompt markers.
const (
	KnowledgeHeader  = "Knowledge base:"
	NoContextMarker  = "Knowledge base: (no relevant context)"
	HistoryHeader    = "Conversation so far:"
	NoHistoryMarker  = "Conversation so far: (no previous messages)"
	NewMessagePrefix = "The new message from human: "
	HumanLabel       = "Human: "
	AssistantLabel   = "AI: "
	AssistantCue     = "AI:"
)

// Prompt is an assembled generation prompt.
type Prompt struct {
	text string
}

func (p Prompt) String() string { return p.text }

// Len returns the prompt length in bytes.
func (p Prompt) Len() int { return len(p.text) }

// Tokens returns an estimated token count.
func (p Prompt) Tokens() int { return utils.CountWords(p.text) }

// Assemble renders persona, snippets (nearest first), history and the new message
// into a prompt. The same inputs always produce the same prompt.
func Assemble(persona string, snippets []string, history []models.Message, userMessage string) Prompt {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(persona))
	b.WriteString("\n\n")

	if len(snippets) == 0 {
		b.WriteString(NoContextMarker)
		b.WriteString("\n")
	} else {
		b.WriteString(KnowledgeHeader)
		b.WriteString("\n")
		for _, s := range snippets {
			b.WriteString("- ")
			b.WriteString(oneLine(s))
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")

	if len(history) == 0 {
		b.WriteString(NoHistoryMarker)
		b.WriteString("\n")
	} else {
		b.WriteString(HistoryHeader)
		b.WriteString("\n")
		for _, m := range history {
			if m.Role == models.RoleUser {
				b.WriteString(HumanLabel)
			} else {
				b.WriteString(AssistantLabel)
			}
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")

	b.WriteString(NewMessagePrefix)
	b.WriteString(userMessage)
	b.WriteString("\n")
	b.WriteString(AssistantCue)
	return Prompt{text: b.String()}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Trim counts what FitBudget dropped.
type Trim struct {
	Snippets int
	History  int
}

// FitBudget assembles a prompt no larger than maxTokens. While over budget it drops
// the last (least relevant) snippet until none remain, then the oldest history
// message. Persona and the new message are always kept, so the result can still
// exceed the budget. maxTokens <= 0 disables the limit.
func FitBudget(persona string, snippets []string, history []models.Message, userMessage string, maxTokens int) (Prompt, Trim) {
	var trim Trim
	p := Assemble(persona, snippets, history, userMessage)
	if maxTokens <= 0 {
		return p, trim
	}
	for p.Tokens() > maxTokens {
		switch {
		case len(snippets) > 0:
			snippets = snippets[:len(snippets)-1]
			trim.Snippets++
		case len(history) > 0:
			history = history[1:]
			trim.History++
		default:
			return p, trim
		}
		p = Assemble(persona, snippets, history, userMessage)
	}
	return p, trim
}
