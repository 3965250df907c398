package ollama

import "time"

type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // base64, no data: prefix
}

// ChatRequest is the request body for /api/chat.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// NewUserRequest builds a request carrying a single user turn.
func NewUserRequest(model, content string, images []string) ChatRequest {
	return ChatRequest{
		Model:    model,
		Messages: []Message{{Role: "user", Content: content, Images: images}},
	}
}

// chatResponse is the non-streaming /api/chat body. Message is a pointer so
// a body without it can be told apart from an empty reply.
type chatResponse struct {
	Message *Message `json:"message"`
	Done    bool     `json:"done"`
	Error   string   `json:"error,omitempty"`
}

type ModelInfo struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
}

// listModelsResponse is the /api/tags body.
type listModelsResponse struct {
	Models *[]ModelInfo `json:"models"`
}

type apiError struct {
	Error string `json:"error"`
}

// ModelsResult is the never-failing form of ListModels handed to the UI.
type ModelsResult struct {
	Success bool     `json:"success"`
	Models  []string `json:"models,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ReachabilityResult is the outcome of CheckReachable.
type ReachabilityResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
