package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/kotoba/internal/chat"
	"github.com/hyperjump/kotoba/internal/models"
	"github.com/hyperjump/kotoba/internal/stream"
)

const replHelp = `Commands:
  /new [name]     start a conversation (default name: next "Conversation N")
  /switch name    make a conversation active
  /delete name    delete a conversation
  /list           list conversations
  /window [n]     show or set how many recent messages are replayed (0-20)
  /help           show this help
  /quit           leave
Anything else is sent as a message.`

// REPL is an interactive terminal chat over one session.
type REPL struct {
	session *chat.Session
	window  *chat.WindowConfig
	in      *bufio.Scanner
	out     io.Writer
	logger  *zap.Logger
}

// REPLOption configures a REPL.
type REPLOption func(*REPL)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) REPLOption {
	return func(r *REPL) { r.logger = l }
}

// NewREPL returns a chat loop reading commands from in and writing to out.
func NewREPL(session *chat.Session, window *chat.WindowConfig, in io.Reader, out io.Writer, opts ...REPLOption) *REPL {
	r := &REPL{
		session: session,
		window:  window,
		in:      bufio.NewScanner(in),
		out:     out,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ParseCommand splits a "/name args" line. ok is false for plain messages.
func ParseCommand(line string) (name, arg string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", "", false
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg), true
}

// Run prints the active conversation and serves input until /quit, EOF or ctx ends.
func (r *REPL) Run(ctx context.Context) error {
	r.printConversation(r.session.Active())
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		fmt.Fprint(r.out, "> ")
		if !r.in.Scan() {
			fmt.Fprintln(r.out)
			return r.in.Err()
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}
		name, arg, isCmd := ParseCommand(line)
		if !isCmd {
			r.turn(ctx, line)
			continue
		}
		if quit := r.command(name, arg); quit {
			return nil
		}
	}
}

func (r *REPL) command(name, arg string) (quit bool) {
	switch name {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		fmt.Fprintln(r.out, replHelp)
	case "new":
		r.change(r.session.OnCreateConversation(arg))
	case "switch":
		if arg == "" {
			fmt.Fprintln(r.out, "usage: /switch name")
			return false
		}
		r.change(r.session.OnSelectConversation(arg))
	case "delete":
		if arg == "" {
			fmt.Fprintln(r.out, "usage: /delete name")
			return false
		}
		r.change(r.session.OnDeleteConversation(arg))
	case "list":
		r.list()
	case "window":
		if arg == "" {
			fmt.Fprintf(r.out, "buffer window: %d\n", r.window.Get())
			return false
		}
		n, err := strconv.Atoi(arg)
		if err == nil {
			err = r.window.Set(n)
		}
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(r.out, "buffer window set to %d\n", n)
	default:
		fmt.Fprintf(r.out, "unknown command /%s (try /help)\n", name)
	}
	return false
}

func (r *REPL) change(ch chat.Change, err error) {
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	if ch.PersistErr != nil {
		fmt.Fprintf(r.out, "warning: not saved: %v\n", ch.PersistErr)
	}
	r.printConversation(ch.Active)
}

func (r *REPL) list() {
	h := r.session.Snapshot()
	for _, c := range h.Conversations {
		marker := " "
		if c.Name == h.Active {
			marker = "*"
		}
		last := ""
		if n := len(c.Messages); n > 0 {
			last = TruncateWords(c.Messages[n-1].Content, 8)
		}
		fmt.Fprintf(r.out, "%s %s (%d messages) %s\n", marker, c.Name, len(c.Messages), last)
	}
}

func (r *REPL) printConversation(c models.Conversation) {
	fmt.Fprintf(r.out, "== %s ==\n", c.Name)
	for _, m := range c.Messages {
		fmt.Fprintf(r.out, "%s%s\n", label(m.Role), m.Content)
	}
}

func label(role models.Role) string {
	if role == models.RoleUser {
		return chat.HumanLabel
	}
	return chat.AssistantLabel
}

func (r *REPL) turn(ctx context.Context, message string) {
	fmt.Fprint(r.out, chat.AssistantLabel)
	printed := 0
	res, err := r.session.OnNewMessage(ctx, message, func(acc string) {
		fmt.Fprint(r.out, acc[printed:])
		printed = len(acc)
	})
	fmt.Fprintln(r.out)
	if err != nil {
		var se *stream.StreamError
		switch {
		case errors.As(err, &se):
			fmt.Fprintf(r.out, "error: reply failed, not saved: %v\n", se.Err)
		default:
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		r.logger.Debug("turn failed", zap.Error(err))
		return
	}
	if res.PersistErr != nil {
		fmt.Fprintf(r.out, "warning: not saved: %v\n", res.PersistErr)
	}
}
