package models

import "time"

// DefaultTitle is the title every conversation starts with. Title inference
// only replaces a title that still equals it.
const DefaultTitle = "New Chat"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID         string    `json:"id"`
	ConvID     string    `json:"conversation_id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Attachment string    `json:"attachment,omitempty"`
	ImageData  string    `json:"image_data,omitempty"` // base64
	MimeType   string    `json:"mime_type,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasDefaultTitle reports whether the conversation was never renamed.
func (c *Conversation) HasDefaultTitle() bool {
	return c.Title == DefaultTitle
}

// NewMessage is the input for appending a message to a conversation.
type NewMessage struct {
	ConvID     string
	Role       Role
	Content    string
	Attachment string
	ImageData  string
	MimeType   string
}
