// Package stream turns a generator's event stream into a final reply.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a stream event.
type Kind int

const (
	// Token carries a fragment of the reply.
	Token Kind = iota
	// Meta is a heartbeat or metadata event with no reply text.
	Meta
	// Done ends the stream successfully.
	Done
	// Error ends the stream with a failure.
	Error
)

func (k Kind) String() string {
	switch k {
	case Token:
		return "token"
	case Meta:
		return "meta"
	case Done:
		return "done"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one element of a generation stream.
type Event struct {
	Kind Kind
	Text string
	Err  error
}

// Generator produces a reply for prompt as a stream of events.
// The channel is closed when the stream ends or ctx is cancelled.
type Generator interface {
	Generate(ctx context.Context, prompt string) (<-chan Event, error)
}

// State is the consumer's position in the stream lifecycle.
type State int

const (
	Streaming State = iota
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Streaming:
		return "streaming"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrGeneration is used when an error event carries no error of its own.
var ErrGeneration = errors.New("generation failed")

// StreamError reports a failed stream along with the text received before the failure.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream failed after %d bytes: %v", len(e.Partial), e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Consumer accumulates token events into a reply.
// A Consumer is used for a single stream and is not safe for concurrent use.
type Consumer struct {
	onPartial func(string)
	buf       strings.Builder
	state     State
}

// NewConsumer returns a consumer that calls onPartial with the accumulated text
// after every token. onPartial may be nil.
func NewConsumer(onPartial func(accumulated string)) *Consumer {
	return &Consumer{onPartial: onPartial}
}

// State returns the current state.
func (c *Consumer) State() State { return c.state }

// Text returns the text accumulated so far.
func (c *Consumer) Text() string { return c.buf.String() }

// Consume reads events until the stream completes or fails. On success it returns
// the full reply. On failure it returns a *StreamError holding the partial reply.
func (c *Consumer) Consume(ctx context.Context, events <-chan Event) (string, error) {
	if c.state != Streaming {
		return "", fmt.Errorf("consumer already %s", c.state)
	}
	for {
		select {
		case <-ctx.Done():
			return "", c.fail(ctx.Err())
		case ev, ok := <-events:
			if !ok {
				c.state = Complete
				return c.buf.String(), nil
			}
			switch ev.Kind {
			case Token:
				if ev.Text == "" {
					continue
				}
				c.buf.WriteString(ev.Text)
				if c.onPartial != nil {
					c.onPartial(c.buf.String())
				}
			case Done:
				c.state = Complete
				return c.buf.String(), nil
			case Error:
				err := ev.Err
				if err == nil {
					err = ErrGeneration
				}
				return "", c.fail(err)
			}
		}
	}
}

func (c *Consumer) fail(err error) error {
	c.state = Failed
	return &StreamError{Partial: c.buf.String(), Err: err}
}

// Collect runs prompt through gen and consumes the resulting stream.
func Collect(ctx context.Context, gen Generator, prompt string, onPartial func(string)) (string, error) {
	events, err := gen.Generate(ctx, prompt)
	if err != nil {
		return "", &StreamError{Err: err}
	}
	return NewConsumer(onPartial).Consume(ctx, events)
}
