package session

import (
	"errors"
	"fmt"
)

var (
	ErrGenerationInProgress = errors.New("a generation is already running for this conversation")
	ErrNoActiveGeneration   = errors.New("no generation is running for this conversation")
	ErrEmptyMessage         = errors.New("message has no text and no attachment")
	ErrNoConversation       = errors.New("conversation id is required")
	ErrUnknownConversation  = errors.New("conversation does not exist")
)

// PersistenceError is a failed store write. It is logged and counted; the
// view keeps showing what the user already saw.
type PersistenceError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s for conversation %s: %v", e.Op, e.ConversationID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
