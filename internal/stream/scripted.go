package stream

import "context"

// Scripted is a Generator that replays a fixed list of events.
// It is used for offline runs and tests.
type Scripted struct {
	Events []Event
	// Err is returned by Generate instead of a stream when set.
	Err error
}

// Generate emits the scripted events in order. It stops after the first Done or
// Error event, since consumers stop reading there, or when ctx is cancelled.
func (s *Scripted) Generate(ctx context.Context, _ string) (<-chan Event, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		for _, ev := range s.Events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Kind == Done || ev.Kind == Error {
				return
			}
		}
	}()
	return out, nil
}

// Tokens returns the events for a successful reply made of the given fragments.
func Tokens(fragments ...string) []Event {
	evs := make([]Event, 0, len(fragments)+1)
	for _, f := range fragments {
		evs = append(evs, Event{Kind: Token, Text: f})
	}
	return append(evs, Event{Kind: Done})
}
