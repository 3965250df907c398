package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/RichardoC/ollamachat/internal/events"
	"github.com/RichardoC/ollamachat/internal/ollama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeModelClient struct {
	reply     string
	chatErr   error
	stream    string
	streamErr error
	got       chan ollama.ChatRequest
}

func (f *fakeModelClient) Chat(ctx context.Context, baseURL string, req ollama.ChatRequest) (string, error) {
	f.record(req)
	return f.reply, f.chatErr
}

func (f *fakeModelClient) ChatStream(ctx context.Context, baseURL string, req ollama.ChatRequest) (io.ReadCloser, error) {
	f.record(req)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return io.NopCloser(strings.NewReader(f.stream)), nil
}

func (f *fakeModelClient) record(req ollama.ChatRequest) {
	if f.got != nil {
		f.got <- req
	}
}

func receive(t *testing.T, bus *events.Bus) events.Event {
	t.Helper()
	select {
	case ev := <-bus.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func sendRequest(stream bool) events.SendRequest {
	return events.SendRequest{
		ConversationID: "conv-1",
		SessionID:      "sess-1",
		Text:           "Hello",
		Images:         []string{"aW1n"},
		Model:          "llama3.2",
		ServerURL:      "http://localhost:11434",
		Stream:         stream,
	}
}

func TestDispatch_StreamPublishesTaggedEvents(t *testing.T) {
	client := &fakeModelClient{
		stream: `{"message":{"content":"Hel"}}` + "\n" + `{"message":{"content":"lo"}}` + "\n" + `{"done":true}` + "\n",
		got:    make(chan ollama.ChatRequest, 1),
	}
	bus := events.NewBus(8)
	New(client, bus, zap.NewNop()).Dispatch(context.Background(), sendRequest(true))

	req := <-client.got
	assert.Equal(t, "llama3.2", req.Model)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, []string{"aW1n"}, req.Messages[0].Images)

	first := receive(t, bus)
	second := receive(t, bus)
	done := receive(t, bus)

	assert.Equal(t, events.Event{Kind: events.KindFragment, ConversationID: "conv-1", SessionID: "sess-1", Content: "Hel"}, first)
	assert.Equal(t, "lo", second.Content)
	assert.Equal(t, events.KindCompletion, done.Kind)
	assert.Equal(t, "conv-1", done.ConversationID)
	assert.NoError(t, done.Err)
	assert.False(t, done.Synthetic)
}

func TestDispatch_StreamWithoutDoneIsSynthetic(t *testing.T) {
	client := &fakeModelClient{stream: `{"message":{"content":"cut"}}` + "\n"}
	bus := events.NewBus(8)
	New(client, bus, zap.NewNop()).Dispatch(context.Background(), sendRequest(true))

	assert.Equal(t, "cut", receive(t, bus).Content)
	done := receive(t, bus)
	assert.Equal(t, events.KindCompletion, done.Kind)
	assert.True(t, done.Synthetic)
}

func TestDispatch_StreamOpenFailure(t *testing.T) {
	refused := &ollama.ClientError{Kind: ollama.KindServerUnreachable, Message: "Cannot connect to Ollama at x. Ensure Ollama is running."}
	client := &fakeModelClient{streamErr: refused}
	bus := events.NewBus(8)
	New(client, bus, zap.NewNop()).Dispatch(context.Background(), sendRequest(true))

	ev := receive(t, bus)
	assert.Equal(t, events.KindCompletion, ev.Kind)
	assert.True(t, ollama.IsServerUnreachable(ev.Err))
}

func TestDispatch_NonStreaming(t *testing.T) {
	client := &fakeModelClient{reply: "Whole answer"}
	bus := events.NewBus(8)
	New(client, bus, zap.NewNop()).Dispatch(context.Background(), sendRequest(false))

	ev := receive(t, bus)
	assert.Equal(t, events.KindFullMessage, ev.Kind)
	assert.Equal(t, "Whole answer", ev.Content)
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.NoError(t, ev.Err)
}

func TestDispatch_NonStreamingFailure(t *testing.T) {
	boom := errors.New("boom")
	client := &fakeModelClient{chatErr: boom}
	bus := events.NewBus(8)
	New(client, bus, zap.NewNop()).Dispatch(context.Background(), sendRequest(false))

	ev := receive(t, bus)
	assert.Equal(t, events.KindFullMessage, ev.Kind)
	assert.ErrorIs(t, ev.Err, boom)
}

func TestDispatch_CanceledPublishesNothing(t *testing.T) {
	client := &fakeModelClient{stream: `{"message":{"content":"x"}}` + "\n" + `{"done":true}` + "\n"}
	bus := events.NewBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	New(client, bus, zap.NewNop()).Dispatch(ctx, sendRequest(true))

	select {
	case ev := <-bus.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
