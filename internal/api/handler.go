package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/RichardoC/ollamachat/internal/attachment"
	"github.com/RichardoC/ollamachat/internal/config"
	"github.com/RichardoC/ollamachat/internal/db"
	"github.com/RichardoC/ollamachat/internal/ollama"
	"github.com/RichardoC/ollamachat/internal/session"
	"go.uber.org/zap"
)

type Handler struct {
	db       *db.Database
	sessions *session.Manager
	client   *ollama.Client
	hub      *Hub
	settings func() config.Settings
	logger   *zap.Logger
}

func NewHandler(database *db.Database, sessions *session.Manager, client *ollama.Client, hub *Hub, settings func() config.Settings, logger *zap.Logger) *Handler {
	return &Handler{
		db:       database,
		sessions: sessions,
		client:   client,
		hub:      hub,
		settings: settings,
		logger:   logger,
	}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/message", h.HandleMessage)
	mux.HandleFunc("/api/stop", h.StopGeneration)
	mux.HandleFunc("/api/view", h.SetView)
	mux.Handle("/api/events", h.hub)
	mux.HandleFunc("/api/conversations", h.GetConversations)
	mux.HandleFunc("/api/messages", h.GetMessages)
	mux.HandleFunc("/api/conversations/delete", h.DeleteConversation)
	mux.HandleFunc("/api/conversations/update", h.UpdateConversation)
	mux.HandleFunc("/api/models", h.ListModels)
	mux.HandleFunc("/api/health", h.CheckHealth)
}

type AttachmentPayload struct {
	Name string `json:"name"`
	Data []byte `json:"data"` // base64 in JSON
}

type MessageRequest struct {
	ConversationID string             `json:"conversation_id"`
	Text           string             `json:"text"`
	Model          string             `json:"model"`
	ServerURL      string             `json:"server_url"`
	Stream         *bool              `json:"stream"`
	Attachment     *AttachmentPayload `json:"attachment"`
}

type MessageResponse struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
}

type CreateConversationRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}

type ViewRequest struct {
	ConversationID string `json:"conversation_id"`
}

type ViewResponse struct {
	ConversationID string `json:"conversation_id"`
	Generating     bool   `json:"generating"`
	Partial        string `json:"partial,omitempty"`
}

func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	settings := h.settings()
	model := firstNonEmpty(req.Model, settings.Model)
	serverURL := firstNonEmpty(req.ServerURL, settings.ServerURL)
	stream := settings.Stream
	if req.Stream != nil {
		stream = *req.Stream
	}

	var file *attachment.File
	if req.Attachment != nil {
		file = attachment.New(req.Attachment.Name, req.Attachment.Data)
	}
	turn, err := attachment.Prepare(req.Text, file)
	if err != nil {
		h.logger.Warn("Attachment ignored, sending text only", zap.Error(err))
	}
	if turn.ModelText == "" && len(turn.Images) == 0 {
		http.Error(w, "Message is empty", http.StatusBadRequest)
		return
	}

	convID := req.ConversationID
	if convID == "" {
		conv, err := h.db.CreateConversation(r.Context(), "", model)
		if err != nil {
			h.logger.Error("Failed to create conversation", zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		convID = conv.ID
		if h.sessions.Displayed() == "" {
			h.sessions.Display(convID)
		}
	}

	sessionID, err := h.sessions.Submit(r.Context(), session.Submission{
		ConversationID: convID,
		Model:          model,
		ServerURL:      serverURL,
		Stream:         stream,
		Turn:           turn,
	})
	if err != nil {
		if errors.Is(err, session.ErrGenerationInProgress) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if errors.Is(err, session.ErrUnknownConversation) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to submit message", zap.Error(err), zap.String("conversation_id", convID))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusAccepted, MessageResponse{ConversationID: convID, SessionID: sessionID})
}

// StopGeneration stops the generation of the displayed conversation.
func (h *Handler) StopGeneration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.sessions.StopDisplayed(); err != nil {
		if errors.Is(err, session.ErrNoActiveGeneration) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to stop generation", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetView records which conversation the UI shows. An empty id is the
// new-chat screen.
func (h *Handler) SetView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ViewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	partial, active := h.sessions.Display(req.ConversationID)
	h.writeJSON(w, http.StatusOK, ViewResponse{
		ConversationID: req.ConversationID,
		Generating:     active,
		Partial:        partial,
	})
}

func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		conversations, err := h.db.GetConversations(r.Context())
		if err != nil {
			h.logger.Error("Failed to get conversations",
				zap.Error(err),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		h.logger.Debug("Retrieved conversations",
			zap.Int("count", len(conversations)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))

		w.Header().Set("Access-Control-Allow-Origin", "*")
		h.writeJSON(w, http.StatusOK, conversations)

	case http.MethodPost:
		var req CreateConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		conversation, err := h.db.CreateConversation(r.Context(), req.Title, firstNonEmpty(req.Model, h.settings().Model))
		if err != nil {
			h.logger.Error("Failed to create conversation", zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		h.writeJSON(w, http.StatusCreated, conversation)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	messages, err := h.db.GetMessages(r.Context(), convID)
	if err != nil {
		h.logger.Error("Failed to get messages", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, messages)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	if err := h.sessions.Delete(r.Context(), convID); err != nil {
		h.logger.Error("Failed to delete conversation", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	var req UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	conversation, err := h.db.UpdateConversationTitle(r.Context(), convID, req.Title)
	if err != nil {
		if errors.Is(err, db.ErrConversationNotFound) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to update conversation", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, conversation)
}

func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	serverURL := firstNonEmpty(r.URL.Query().Get("server_url"), h.settings().ServerURL)
	h.writeJSON(w, http.StatusOK, h.client.FetchModels(r.Context(), serverURL))
}

func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	serverURL := firstNonEmpty(r.URL.Query().Get("server_url"), h.settings().ServerURL)
	h.writeJSON(w, http.StatusOK, h.client.CheckReachable(r.Context(), serverURL))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
