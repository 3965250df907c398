package llm

import (
	"context"
	"io"

	"github.com/RichardoC/ollamachat/internal/events"
	"github.com/RichardoC/ollamachat/internal/ollama"
	"go.uber.org/zap"
)

// ModelClient is the part of ollama.Client the core needs.
type ModelClient interface {
	Chat(ctx context.Context, baseURL string, req ollama.ChatRequest) (string, error)
	ChatStream(ctx context.Context, baseURL string, req ollama.ChatRequest) (io.ReadCloser, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Service is the core side of the chat: it runs generations against the
// model server and publishes what comes back, tagged with the owning
// conversation and session, onto the event bus.
type Service struct {
	client ModelClient
	bus    Publisher
	logger *zap.Logger
}

func New(client ModelClient, bus Publisher, logger *zap.Logger) *Service {
	return &Service{client: client, bus: bus, logger: logger}
}

// Dispatch starts the generation in the background and returns at once.
// Canceling ctx aborts the request and stops any further publishing.
func (s *Service) Dispatch(ctx context.Context, req events.SendRequest) {
	go s.run(ctx, req)
}

func (s *Service) run(ctx context.Context, req events.SendRequest) {
	logger := s.logger.With(
		zap.String("conversation_id", req.ConversationID),
		zap.String("session_id", req.SessionID),
		zap.String("model", req.Model),
	)
	chatReq := ollama.NewUserRequest(req.Model, req.Text, req.Images)

	if !req.Stream {
		reply, err := s.client.Chat(ctx, req.ServerURL, chatReq)
		ev := s.event(req, events.KindFullMessage)
		if err != nil {
			logger.Error("Chat request failed", zap.Error(err))
			ev.Err = err
		} else {
			ev.Content = reply
		}
		s.publish(ctx, logger, ev)
		return
	}

	body, err := s.client.ChatStream(ctx, req.ServerURL, chatReq)
	if err != nil {
		logger.Error("Failed to open chat stream", zap.Error(err))
		ev := s.event(req, events.KindCompletion)
		ev.Err = err
		s.publish(ctx, logger, ev)
		return
	}
	defer body.Close()

	for chunk, err := range ollama.Decode(ctx, body, logger) {
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("Stream aborted", zap.Error(err))
				return
			}
			logger.Error("Chat stream failed", zap.Error(err))
			ev := s.event(req, events.KindCompletion)
			ev.Err = ollama.Classify(err, ollama.NormalizeURL(req.ServerURL))
			s.publish(ctx, logger, ev)
			return
		}

		var ev events.Event
		switch chunk.Kind {
		case ollama.EventFragment:
			ev = s.event(req, events.KindFragment)
			ev.Content = chunk.Content
		case ollama.EventDone:
			ev = s.event(req, events.KindCompletion)
			ev.Synthetic = chunk.Synthetic
		}
		if !s.publish(ctx, logger, ev) {
			return
		}
	}
}

func (s *Service) event(req events.SendRequest, kind events.Kind) events.Event {
	return events.Event{
		Kind:           kind,
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
	}
}

func (s *Service) publish(ctx context.Context, logger *zap.Logger, ev events.Event) bool {
	if err := s.bus.Publish(ctx, ev); err != nil {
		logger.Debug("Dropping event for aborted generation", zap.Stringer("kind", ev.Kind))
		return false
	}
	return true
}
