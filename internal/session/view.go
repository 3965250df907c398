package session

import (
	"sync/atomic"
)

// Displayed holds the id of the conversation the UI is showing. The view
// layer is its only writer; the manager reads it each time it decides
// whether to forward something, never caching the value.
type Displayed struct {
	v atomic.Value
}

// Set records the displayed conversation. An empty id is the new-chat
// screen.
func (d *Displayed) Set(conversationID string) {
	d.v.Store(conversationID)
}

func (d *Displayed) Get() string {
	id, _ := d.v.Load().(string)
	return id
}

func (d *Displayed) Is(conversationID string) bool {
	return conversationID != "" && d.Get() == conversationID
}

type ViewEventKind string

const (
	ViewFragment  ViewEventKind = "fragment"
	ViewMessage   ViewEventKind = "message"
	ViewStreamEnd ViewEventKind = "stream_end"
	ViewTitle     ViewEventKind = "title"
)

// ViewEvent is an update for the UI. Fragment, message and stream_end
// events are only sent for the displayed conversation; title events are
// sent for every conversation so its sidebar entry can change.
type ViewEvent struct {
	Kind           ViewEventKind `json:"-"`
	ConversationID string        `json:"conversation_id"`
	SessionID      string        `json:"session_id,omitempty"`
	Content        string        `json:"content,omitempty"`
	Title          string        `json:"title,omitempty"`
	Canceled       bool          `json:"canceled,omitempty"`
	Error          bool          `json:"error,omitempty"`
}

// View receives updates for the UI. Publish may be called concurrently,
// often with the manager's lock held, and must not block.
type View interface {
	Publish(ev ViewEvent)
}

// NopView drops every event.
type NopView struct{}

func (NopView) Publish(ViewEvent) {}
