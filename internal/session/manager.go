// Package session owns the state of every running generation: which
// conversation it belongs to, the text accumulated so far, and how it ends.
//
// A Manager is the single consumer of the core's event bus. Fragments are
// always accumulated, but only mirrored to the view while their conversation
// is the displayed one, so a generation keeps running and saves silently
// after the user has switched away.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/ollamachat/internal/attachment"
	"github.com/RichardoC/ollamachat/internal/events"
	"github.com/RichardoC/ollamachat/internal/llm"
	"github.com/RichardoC/ollamachat/internal/metrics"
	"github.com/RichardoC/ollamachat/internal/models"
	"github.com/RichardoC/ollamachat/internal/ollama"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const persistTimeout = 10 * time.Second

type State int

const (
	Generating State = iota
	Completed
	Canceled
	Failed
)

func (s State) String() string {
	switch s {
	case Generating:
		return "generating"
	case Completed:
		return "completed"
	case Canceled:
		return "canceled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Store interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	SaveMessage(ctx context.Context, in models.NewMessage) (*models.Message, error)
	DeleteConversation(ctx context.Context, id string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req events.SendRequest)
}

type Titler interface {
	InferTitle(ctx context.Context, req llm.TitleRequest) (string, error)
}

// Submission is one user turn.
type Submission struct {
	ConversationID string
	Model          string
	ServerURL      string
	Stream         bool
	Turn           attachment.Prepared
}

// Generation is the transient record of one request to the model.
type Generation struct {
	ID             string
	ConversationID string
	UserText       string
	Model          string
	ServerURL      string
	Stream         bool
	State          State

	text   strings.Builder
	cancel context.CancelFunc
}

type Manager struct {
	mu          sync.Mutex
	generations map[string]*Generation

	store      Store
	dispatcher Dispatcher
	titler     Titler
	view       View
	displayed  *Displayed
	logger     *zap.Logger
	metrics    *metrics.Metrics

	titles      sync.WaitGroup
	titleCtx    context.Context
	titleCancel context.CancelFunc

	newID func() string
}

func New(store Store, dispatcher Dispatcher, titler Titler, view View, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if view == nil {
		view = NopView{}
	}
	titleCtx, titleCancel := context.WithCancel(context.Background())
	return &Manager{
		generations: make(map[string]*Generation),
		store:       store,
		dispatcher:  dispatcher,
		titler:      titler,
		view:        view,
		displayed:   &Displayed{},
		logger:      logger,
		metrics:     m,
		titleCtx:    titleCtx,
		titleCancel: titleCancel,
		newID:       uuid.NewString,
	}
}

// Submit persists the user turn and starts a generation for it. It returns
// the new session id, or ErrGenerationInProgress when the conversation
// already has one running.
func (m *Manager) Submit(ctx context.Context, sub Submission) (string, error) {
	if sub.ConversationID == "" {
		return "", ErrNoConversation
	}
	if sub.Turn.ModelText == "" && len(sub.Turn.Images) == 0 {
		return "", ErrEmptyMessage
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.generations[sub.ConversationID]; ok {
		return "", ErrGenerationInProgress
	}

	conv, err := m.store.GetConversation(ctx, sub.ConversationID)
	if err != nil {
		return "", fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		return "", ErrUnknownConversation
	}

	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	gen := &Generation{
		ID:             m.newID(),
		ConversationID: sub.ConversationID,
		UserText:       sub.Turn.StoredText,
		Model:          sub.Model,
		ServerURL:      sub.ServerURL,
		Stream:         sub.Stream,
		State:          Generating,
		cancel:         cancel,
	}
	m.generations[gen.ConversationID] = gen
	m.metrics.GenerationStarted()

	logger := m.logger.With(
		zap.String("conversation_id", gen.ConversationID),
		zap.String("session_id", gen.ID),
	)
	logger.Info("Starting generation", zap.String("model", gen.Model), zap.Bool("stream", gen.Stream))

	m.persist(logger, "save user message", models.NewMessage{
		ConvID:     gen.ConversationID,
		Role:       models.RoleUser,
		Content:    sub.Turn.StoredText,
		Attachment: sub.Turn.Attachment,
		ImageData:  sub.Turn.ImageData,
		MimeType:   sub.Turn.MimeType,
	})

	m.dispatcher.Dispatch(genCtx, events.SendRequest{
		ConversationID: gen.ConversationID,
		SessionID:      gen.ID,
		Text:           sub.Turn.ModelText,
		Images:         sub.Turn.Images,
		Model:          gen.Model,
		ServerURL:      gen.ServerURL,
		Stream:         gen.Stream,
	})

	return gen.ID, nil
}

// Run consumes core events until ctx is done.
func (m *Manager) Run(ctx context.Context, src <-chan events.Event) error {
	for {
		select {
		case ev := <-src:
			m.handle(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) handle(ev events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := m.logger.With(
		zap.String("conversation_id", ev.ConversationID),
		zap.String("session_id", ev.SessionID),
	)

	gen, ok := m.generations[ev.ConversationID]
	if !ok || gen.ID != ev.SessionID || gen.State != Generating {
		logger.Debug("Dropping event for inactive session", zap.Stringer("kind", ev.Kind))
		if ev.Kind == events.KindFragment {
			m.metrics.FragmentDropped()
		}
		return
	}

	switch ev.Kind {
	case events.KindFragment:
		gen.text.WriteString(ev.Content)
		m.metrics.FragmentApplied()
		if m.displayed.Is(gen.ConversationID) {
			m.view.Publish(ViewEvent{
				Kind:           ViewFragment,
				ConversationID: gen.ConversationID,
				SessionID:      gen.ID,
				Content:        ev.Content,
			})
		}

	case events.KindCompletion:
		if ev.Err != nil {
			m.fail(logger, gen, ev.Err)
			return
		}
		if ev.Synthetic {
			logger.Warn("Stream ended without a done event")
		}
		m.complete(logger, gen)

	case events.KindFullMessage:
		if ev.Err != nil {
			m.fail(logger, gen, ev.Err)
			return
		}
		gen.text.WriteString(ev.Content)
		m.complete(logger, gen)
	}
}

// complete, fail and cancel are the only ways a generation leaves the map.
// All three run with m.mu held.

func (m *Manager) complete(logger *zap.Logger, gen *Generation) {
	m.finish(gen, Completed)

	text := gen.text.String()
	if text == "" {
		logger.Warn("Generation produced no text, nothing to save")
	} else {
		m.persist(logger, "save assistant message", models.NewMessage{
			ConvID:  gen.ConversationID,
			Role:    models.RoleAssistant,
			Content: text,
		})
	}

	if m.displayed.Is(gen.ConversationID) {
		if gen.Stream {
			m.view.Publish(ViewEvent{Kind: ViewStreamEnd, ConversationID: gen.ConversationID, SessionID: gen.ID})
		} else {
			m.view.Publish(ViewEvent{Kind: ViewMessage, ConversationID: gen.ConversationID, SessionID: gen.ID, Content: text})
		}
	}
	logger.Info("Generation completed", zap.Int("length", len(text)))

	if text != "" {
		m.inferTitle(gen, text)
	}
}

// fail saves whatever text arrived, then the error itself as an assistant
// message, so the failure shows up whenever the conversation is opened.
func (m *Manager) fail(logger *zap.Logger, gen *Generation, err error) {
	m.finish(gen, Failed)
	logger.Error("Generation failed", zap.Error(err))

	if partial := gen.text.String(); partial != "" {
		m.persist(logger, "save partial assistant message", models.NewMessage{
			ConvID:  gen.ConversationID,
			Role:    models.RoleAssistant,
			Content: partial,
		})
	}
	m.persist(logger, "save error message", models.NewMessage{
		ConvID:  gen.ConversationID,
		Role:    models.RoleAssistant,
		Content: ollama.UserMessage(err),
	})

	if m.displayed.Is(gen.ConversationID) {
		if gen.Stream {
			m.view.Publish(ViewEvent{Kind: ViewStreamEnd, ConversationID: gen.ConversationID, SessionID: gen.ID})
		}
		m.view.Publish(ViewEvent{
			Kind:           ViewMessage,
			ConversationID: gen.ConversationID,
			SessionID:      gen.ID,
			Content:        ollama.UserMessage(err),
			Error:          true,
		})
	}
}

func (m *Manager) cancel(logger *zap.Logger, gen *Generation, keepPartial bool) error {
	m.finish(gen, Canceled)

	var err error
	if partial := gen.text.String(); keepPartial && partial != "" {
		err = m.persist(logger, "save canceled assistant message", models.NewMessage{
			ConvID:  gen.ConversationID,
			Role:    models.RoleAssistant,
			Content: partial,
		})
	}

	if m.displayed.Is(gen.ConversationID) {
		m.view.Publish(ViewEvent{Kind: ViewStreamEnd, ConversationID: gen.ConversationID, SessionID: gen.ID, Canceled: true})
	}
	logger.Info("Generation canceled", zap.Int("length", gen.text.Len()))
	return err
}

func (m *Manager) finish(gen *Generation, state State) {
	gen.State = state
	gen.cancel()
	delete(m.generations, gen.ConversationID)
	m.metrics.GenerationFinished(state.String())
}

// Stop cancels the generation running for a conversation. Text received
// so far is saved as the assistant's answer; anything arriving later is
// ignored.
func (m *Manager) Stop(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen, ok := m.generations[conversationID]
	if !ok {
		return ErrNoActiveGeneration
	}
	logger := m.logger.With(
		zap.String("conversation_id", gen.ConversationID),
		zap.String("session_id", gen.ID),
	)
	if err := m.cancel(logger, gen, true); err != nil {
		logger.Warn("Canceled generation could not be saved", zap.Error(err))
	}
	return nil
}

// StopDisplayed stops the generation of the conversation the UI shows.
func (m *Manager) StopDisplayed() error {
	return m.Stop(m.displayed.Get())
}

// Delete cancels the conversation's generation without saving anything and
// removes the conversation from the store. No submission for it can start
// in between.
func (m *Manager) Delete(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen, ok := m.generations[conversationID]; ok {
		m.cancel(m.logger.With(zap.String("conversation_id", conversationID)), gen, false)
	}
	if err := m.store.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if m.displayed.Get() == conversationID {
		m.displayed.Set("")
	}
	return nil
}

// Display switches the UI to a conversation and returns the text generated
// for it so far, if a generation is running.
func (m *Manager) Display(conversationID string) (partial string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.displayed.Set(conversationID)
	if gen, ok := m.generations[conversationID]; ok {
		return gen.text.String(), true
	}
	return "", false
}

func (m *Manager) Displayed() string {
	return m.displayed.Get()
}

func (m *Manager) Active(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.generations[conversationID]
	return ok
}

func (m *Manager) Partial(conversationID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen, ok := m.generations[conversationID]; ok {
		return gen.text.String(), true
	}
	return "", false
}

// Shutdown cancels every running generation, saving partial answers, and
// waits for pending title inferences until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs error

	m.mu.Lock()
	for _, gen := range m.generations {
		logger := m.logger.With(
			zap.String("conversation_id", gen.ConversationID),
			zap.String("session_id", gen.ID),
		)
		errs = multierr.Append(errs, m.cancel(logger, gen, true))
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.titles.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.titleCancel()
		<-done
		errs = multierr.Append(errs, ctx.Err())
	}
	m.titleCancel()
	return errs
}

// inferTitle runs title inference in the background when this was the
// conversation's first answer.
func (m *Manager) inferTitle(gen *Generation, assistantText string) {
	if m.titler == nil {
		return
	}
	req := llm.TitleRequest{
		ConversationID:   gen.ConversationID,
		UserMessage:      gen.UserText,
		AssistantMessage: assistantText,
		Model:            gen.Model,
		ServerURL:        gen.ServerURL,
	}

	m.titles.Add(1)
	go func() {
		defer m.titles.Done()

		conv, err := m.store.GetConversation(m.titleCtx, req.ConversationID)
		if err != nil {
			m.logger.Warn("Failed to load conversation for title inference",
				zap.String("conversation_id", req.ConversationID), zap.Error(err))
			return
		}
		if conv == nil || !conv.HasDefaultTitle() {
			return
		}

		title, err := m.titler.InferTitle(m.titleCtx, req)
		if err != nil || title == "" {
			return
		}
		m.view.Publish(ViewEvent{Kind: ViewTitle, ConversationID: req.ConversationID, Title: title})
	}()
}

func (m *Manager) persist(logger *zap.Logger, op string, msg models.NewMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if _, err := m.store.SaveMessage(ctx, msg); err != nil {
		perr := &PersistenceError{Op: op, ConversationID: msg.ConvID, Err: err}
		logger.Error("Failed to persist message", zap.Error(perr))
		m.metrics.PersistenceError(string(msg.Role))
		return perr
	}
	return nil
}
