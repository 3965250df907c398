package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RichardoC/ollamachat/internal/config"
	"github.com/RichardoC/ollamachat/internal/db"
	"github.com/RichardoC/ollamachat/internal/events"
	"github.com/RichardoC/ollamachat/internal/llm"
	"github.com/RichardoC/ollamachat/internal/models"
	"github.com/RichardoC/ollamachat/internal/ollama"
	"github.com/RichardoC/ollamachat/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeOllama struct {
	lines []string
	gate  chan struct{}
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/tags":
		fmt.Fprint(w, `{"models":[{"name":"llama3.2"},{"name":"mistral"}]}`)
	case "/api/chat":
		var req ollama.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}
		flusher := w.(http.Flusher)
		for i, line := range f.lines {
			if i == 1 && f.gate != nil {
				select {
				case <-f.gate:
				case <-r.Context().Done():
					return
				}
			}
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	default:
		http.NotFound(w, r)
	}
}

type staticCompleter struct{ answer string }

func (c staticCompleter) Complete(context.Context, string, string, string) (string, error) {
	return c.answer, nil
}

type testServer struct {
	server   *httptest.Server
	db       *db.Database
	sessions *session.Manager
}

func newTestServer(t *testing.T, fake *fakeOllama) *testServer {
	t.Helper()
	logger := zap.NewNop()

	ollamaSrv := httptest.NewServer(fake)
	t.Cleanup(ollamaSrv.Close)

	database, err := db.New(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	client := ollama.NewClient(ollama.DefaultConfig(), logger, nil)
	bus := events.NewBus(16)
	core := llm.New(client, bus, logger)
	titles := llm.NewTitleService(database, staticCompleter{answer: "Friendly Greeting"}, time.Second, logger, nil)
	hub := NewHub(logger)
	sessions := session.New(database, core, titles, hub, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go sessions.Run(ctx, bus.Events())
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		sessions.Shutdown(shutdownCtx)
	})

	settings := func() config.Settings {
		return config.Settings{Model: "llama3.2", ServerURL: ollamaSrv.URL, Stream: true}
	}
	mux := http.NewServeMux()
	NewHandler(database, sessions, client, hub, settings, logger).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{server: srv, db: database, sessions: sessions}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type sseEvent struct {
	name string
	data session.ViewEvent
}

func (s *testServer) subscribe(t *testing.T) <-chan sseEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.server.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	out := make(chan sseEvent, 64)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		var name string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				var ev session.ViewEvent
				if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) == nil {
					out <- sseEvent{name: name, data: ev}
				}
			}
		}
	}()
	return out
}

func next(t *testing.T, ch <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for view event")
		return sseEvent{}
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHandleMessage_StreamsToViewAndPersists(t *testing.T) {
	s := newTestServer(t, &fakeOllama{lines: []string{
		`{"message":{"role":"assistant","content":"Hello"},"done":false}`,
		`{"message":{"role":"assistant","content":" world"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	}})
	stream := s.subscribe(t)

	resp := s.do(t, http.MethodPost, "/api/message", MessageRequest{Text: "hi"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decode[MessageResponse](t, resp)
	require.NotEmpty(t, started.ConversationID)
	require.NotEmpty(t, started.SessionID)

	var text strings.Builder
	for {
		ev := next(t, stream)
		require.Equal(t, started.ConversationID, ev.data.ConversationID)
		if ev.name == "stream_end" {
			break
		}
		require.Equal(t, "fragment", ev.name)
		text.WriteString(ev.data.Content)
	}
	assert.Equal(t, "Hello world", text.String())

	title := next(t, stream)
	assert.Equal(t, "title", title.name)
	assert.Equal(t, "Friendly Greeting", title.data.Title)

	msgs := decode[[]models.Message](t, s.do(t, http.MethodGet, "/api/messages?conversation_id="+started.ConversationID, nil))
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello world", msgs[1].Content)

	conv, err := s.db.GetConversation(context.Background(), started.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "Friendly Greeting", conv.Title)
	assert.Equal(t, "llama3.2", conv.Model)
}

func TestHandleMessage_RejectsConcurrentSubmitAndStops(t *testing.T) {
	gate := make(chan struct{})
	s := newTestServer(t, &fakeOllama{gate: gate, lines: []string{
		`{"message":{"content":"Hel"}}`,
		`{"message":{"content":"lo"}}`,
		`{"done":true}`,
	}})
	stream := s.subscribe(t)

	started := decode[MessageResponse](t, s.do(t, http.MethodPost, "/api/message", MessageRequest{Text: "hi"}))
	first := next(t, stream)
	require.Equal(t, "fragment", first.name)
	require.Equal(t, "Hel", first.data.Content)

	resp := s.do(t, http.MethodPost, "/api/message", MessageRequest{ConversationID: started.ConversationID, Text: "again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/stop", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	close(gate)

	end := next(t, stream)
	assert.Equal(t, "stream_end", end.name)
	assert.True(t, end.data.Canceled)

	msgs, err := s.db.GetMessages(context.Background(), started.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hel", msgs[1].Content)

	resp = s.do(t, http.MethodPost, "/api/stop", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleMessage_Validation(t *testing.T) {
	s := newTestServer(t, &fakeOllama{})

	resp := s.do(t, http.MethodPost, "/api/message", MessageRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/message", MessageRequest{ConversationID: "missing", Text: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/message", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandleMessage_TextAttachment(t *testing.T) {
	s := newTestServer(t, &fakeOllama{lines: []string{`{"message":{"content":"ok"},"done":true}`}})

	started := decode[MessageResponse](t, s.do(t, http.MethodPost, "/api/message", MessageRequest{
		Attachment: &AttachmentPayload{Name: "notes.txt", Data: []byte("remember the milk")},
	}))

	require.Eventually(t, func() bool { return !s.sessions.Active(started.ConversationID) }, 5*time.Second, 10*time.Millisecond)
	msgs, err := s.db.GetMessages(context.Background(), started.ConversationID)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "Sent a file", msgs[0].Content)
	assert.Equal(t, "notes.txt", msgs[0].Attachment)
}

func TestSetView(t *testing.T) {
	s := newTestServer(t, &fakeOllama{})
	conv, err := s.db.CreateConversation(context.Background(), "", "llama3.2")
	require.NoError(t, err)

	resp := s.do(t, http.MethodPut, "/api/view", ViewRequest{ConversationID: conv.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[ViewResponse](t, resp)
	assert.Equal(t, conv.ID, view.ConversationID)
	assert.False(t, view.Generating)
	assert.Equal(t, conv.ID, s.sessions.Displayed())
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestServer(t, &fakeOllama{})

	resp := s.do(t, http.MethodPost, "/api/conversations", CreateConversationRequest{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[models.Conversation](t, resp)
	assert.Equal(t, models.DefaultTitle, created.Title)
	assert.Equal(t, "llama3.2", created.Model)

	list := decode[[]models.Conversation](t, s.do(t, http.MethodGet, "/api/conversations", nil))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	resp = s.do(t, http.MethodPut, "/api/conversations/update?conversation_id="+created.ID, UpdateConversationRequest{Title: "Renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Renamed", decode[models.Conversation](t, resp).Title)

	resp = s.do(t, http.MethodPut, "/api/conversations/update?conversation_id=missing", UpdateConversationRequest{Title: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodDelete, "/api/conversations/delete?conversation_id="+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list = decode[[]models.Conversation](t, s.do(t, http.MethodGet, "/api/conversations", nil))
	assert.Empty(t, list)
}

func TestListModelsAndHealth(t *testing.T) {
	s := newTestServer(t, &fakeOllama{})

	result := decode[ollama.ModelsResult](t, s.do(t, http.MethodGet, "/api/models", nil))
	assert.True(t, result.Success)
	assert.Equal(t, []string{"llama3.2", "mistral"}, result.Models)

	health := decode[ollama.ReachabilityResult](t, s.do(t, http.MethodGet, "/api/health", nil))
	assert.Equal(t, ollama.ReachabilityResult{Success: true, Message: "Connected successfully!"}, health)
}

func TestDeleteConversation_DuringGeneration(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	s := newTestServer(t, &fakeOllama{gate: gate, lines: []string{
		`{"message":{"content":"Hel"}}`,
		`{"message":{"content":"lo"}}`,
		`{"done":true}`,
	}})
	stream := s.subscribe(t)

	started := decode[MessageResponse](t, s.do(t, http.MethodPost, "/api/message", MessageRequest{Text: "hi"}))
	require.Equal(t, "fragment", next(t, stream).name)

	resp := s.do(t, http.MethodDelete, "/api/conversations/delete?conversation_id="+started.ConversationID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.False(t, s.sessions.Active(started.ConversationID))
	assert.Equal(t, "", s.sessions.Displayed())

	conv, err := s.db.GetConversation(context.Background(), started.ConversationID)
	require.NoError(t, err)
	assert.Nil(t, conv)

	resp = s.do(t, http.MethodPost, "/api/message", MessageRequest{ConversationID: started.ConversationID, Text: "again"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleMessage_FailureIsSavedInHistory(t *testing.T) {
	s := newTestServer(t, &fakeOllama{lines: []string{`{"error":"model \"nope\" not found"}`}})
	other, err := s.db.CreateConversation(context.Background(), "", "llama3.2")
	require.NoError(t, err)

	started := decode[MessageResponse](t, s.do(t, http.MethodPost, "/api/message", MessageRequest{Text: "hi", Model: "nope"}))
	s.sessions.Display(other.ID)

	require.Eventually(t, func() bool { return !s.sessions.Active(started.ConversationID) }, 5*time.Second, 10*time.Millisecond)
	msgs := decode[[]models.Message](t, s.do(t, http.MethodGet, "/api/messages?conversation_id="+started.ConversationID, nil))
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, `model "nope" not found`)
}
