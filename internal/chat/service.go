package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/l0p7/tourvista/internal/conversation"
	"github.com/l0p7/tourvista/internal/docstore"
	"github.com/l0p7/tourvista/internal/generation"
	"github.com/l0p7/tourvista/internal/model"
)

var (
	// ErrEmptyMessage rejects blank user input.
	ErrEmptyMessage = errors.New("chat: message is empty")
	// ErrClosed is returned once the service has shut down.
	ErrClosed = errors.New("chat: service closed")
	// ErrRemote wraps document store failures while recording turns.
	ErrRemote = errors.New("chat: remote store failed")
)

// FallbackReply replaces the pending turn when generation fails.
const FallbackReply = "Sorry, I couldn't come up with an answer just now. Please try again."

// Service is the remote side of the send-message protocol. Send appends the
// user turn and a pending model turn atomically, then a background
// generation overwrites that pending turn in place.
type Service struct {
	store     docstore.Store
	remote    conversation.Remote
	generator generation.Backend
	logger    *slog.Logger
	now       func() time.Time
	timeout   time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

var _ conversation.Sender = (*Service)(nil)

func NewService(store docstore.Store, remote conversation.Remote, generator generation.Backend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     store,
		remote:    remote,
		generator: generator,
		logger:    logger.With(slog.String("agent", "chat")),
		now:       time.Now,
		timeout:   2 * time.Minute,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Send records message in the conversation of (owner, discoveryID) and
// starts generating the reply. It returns once both turns are stored. The
// turns go to conversationID when set, so they land in the document a
// subscriber already watches.
func (s *Service) Send(ctx context.Context, owner, discoveryID, conversationID, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return ErrEmptyMessage
	}

	discovery, err := s.store.Get(ctx, docstore.Path("users", owner, "discoveries", discoveryID))
	if err != nil {
		return fmt.Errorf("%w: load discovery: %w", ErrRemote, err)
	}
	landmark, err := model.DiscoveryFromDocument(discovery)
	if err != nil {
		return err
	}

	if conversationID == "" {
		conversationID, err = s.remote.LookupOrCreate(ctx, owner, discoveryID)
		if err != nil {
			return fmt.Errorf("%w: %w", conversation.ErrConversationResolution, err)
		}
	}
	path := conversation.DocumentPath(owner, conversationID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	now := s.now().UTC()
	placeholderID := ulid.Make().String()
	var prior []model.ChatTurn
	_, err = s.store.Mutate(ctx, path, func(data map[string]any) (map[string]any, error) {
		conv, err := model.ConversationFromDocument(docstore.Document{ID: conversationID, Path: path, Data: data})
		if err != nil {
			return nil, err
		}
		prior = conv.History
		conv.History = append(conv.History,
			model.ChatTurn{ID: ulid.Make().String(), Role: model.RoleUser, Text: message, Status: model.TurnFinal, Timestamp: now},
			model.ChatTurn{ID: placeholderID, Role: model.RoleModel, Text: "", Status: model.TurnPending, Timestamp: now},
		)
		return historyFields(data, conv.History)
	})
	if err != nil {
		s.wg.Done()
		return fmt.Errorf("%w: append turns: %w", ErrRemote, err)
	}

	go func() {
		defer s.wg.Done()
		s.respond(owner, path, placeholderID, landmark.LandmarkInfo, prior, message)
	}()
	return nil
}

// Close stops accepting messages and waits for pending replies, cancelling
// them when ctx expires first.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Service) respond(owner, path, placeholderID string, landmark model.LandmarkInfo, prior []model.ChatTurn, message string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	history := make([]map[string]any, 0, len(prior))
	for _, turn := range prior {
		history = append(history, map[string]any{"role": string(turn.Role), "text": turn.Text})
	}
	reply := FallbackReply
	payload, err := s.generator.Generate(ctx, generation.KindChat, map[string]any{
		"history":      history,
		"message":      message,
		"landmarkInfo": landmark,
	})
	switch {
	case err != nil:
		s.logger.Error("chat generation failed",
			slog.String("owner", owner),
			slog.String("path", path),
			slog.Any("error", err),
		)
	case strings.TrimSpace(payload.Text) == "":
		s.logger.Warn("chat generation returned no text", slog.String("path", path))
	default:
		reply = payload.Text
	}

	// The write must land even when shutdown cancelled generation.
	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer writeCancel()
	if err := s.replacePlaceholder(writeCtx, path, placeholderID, reply); err != nil {
		s.logger.Error("chat reply not stored",
			slog.String("path", path),
			slog.String("turn_id", placeholderID),
			slog.Any("error", err),
		)
	}
}

// replacePlaceholder overwrites the pending turn in place. The turn is found
// by id so concurrent sends on the same conversation never clobber each
// other's placeholders.
func (s *Service) replacePlaceholder(ctx context.Context, path, placeholderID, reply string) error {
	_, err := s.store.Mutate(ctx, path, func(data map[string]any) (map[string]any, error) {
		conv, err := model.ConversationFromDocument(docstore.Document{Path: path, Data: data})
		if err != nil {
			return nil, err
		}
		for i := len(conv.History) - 1; i >= 0; i-- {
			if conv.History[i].ID != placeholderID {
				continue
			}
			conv.History[i].Text = reply
			conv.History[i].Status = model.TurnFinal
			conv.History[i].Timestamp = s.now().UTC()
			return historyFields(data, conv.History)
		}
		return nil, fmt.Errorf("chat: placeholder %s not found", placeholderID)
	})
	return err
}

func historyFields(data map[string]any, history []model.ChatTurn) (map[string]any, error) {
	encoded, err := model.Fields(struct {
		History []model.ChatTurn `json:"history"`
	}{History: history})
	if err != nil {
		return nil, err
	}
	data["history"] = encoded["history"]
	return data, nil
}
