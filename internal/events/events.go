// Package events is the contract between the chat core, which talks to the
// model server, and the session manager, which owns conversation state.
//
// The core publishes Fragment, Completion and FullMessage events onto a Bus;
// exactly one session manager consumes them. Every event names the
// conversation and the generation session it belongs to, so a late event
// from an aborted request can never be mistaken for one from a newer
// session of the same conversation.
package events

import (
	"context"
)

type Kind int

const (
	// KindFragment carries one piece of streamed assistant text.
	KindFragment Kind = iota
	// KindCompletion ends a stream. A non-nil Err means the stream failed.
	KindCompletion
	// KindFullMessage carries a whole non-streamed reply, or its failure.
	KindFullMessage
)

func (k Kind) String() string {
	switch k {
	case KindFragment:
		return "fragment"
	case KindCompletion:
		return "completion"
	case KindFullMessage:
		return "full_message"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind           Kind
	ConversationID string
	SessionID      string
	Content        string

	// Synthetic is set on a completion the stream decoder had to make up
	// because the server closed the stream without sending done.
	Synthetic bool

	Err error
}

// SendRequest asks the core to run one generation.
type SendRequest struct {
	ConversationID string
	SessionID      string
	Text           string
	Images         []string // base64
	Model          string
	ServerURL      string
	Stream         bool
}

// Bus is a buffered, many-publisher single-consumer event channel. It is
// never closed; publishers stop when their context ends.
type Bus struct {
	ch chan Event
}

func NewBus(size int) *Bus {
	if size < 0 {
		size = 0
	}
	return &Bus{ch: make(chan Event, size)}
}

// Publish blocks until the event is queued or ctx is done.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is the consumer side of the bus.
func (b *Bus) Events() <-chan Event {
	return b.ch
}
