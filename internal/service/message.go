package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/casework/messaging/internal/fanout"
	"github.com/casework/messaging/internal/middleware"
	"github.com/casework/messaging/internal/model"
	"github.com/casework/messaging/internal/store"
	"github.com/casework/messaging/pkg/logger"
	"github.com/casework/messaging/pkg/metrics"
	"github.com/casework/messaging/pkg/tracing"
)

// Send paths, used as a metric label.
const (
	PathWebSocket = "ws"
	PathREST      = "rest"
)

// MessageService handles message operations.
type MessageService struct {
	store      store.Store
	members    *fanout.Membership
	dispatcher *fanout.Dispatcher
	journal    journalWriter
	logger     *logger.Logger
	tracer     trace.Tracer
}

// NewMessageService creates a new message service. journal may be nil.
func NewMessageService(
	st store.Store,
	members *fanout.Membership,
	dispatcher *fanout.Dispatcher,
	journal Journal,
	log *logger.Logger,
) *MessageService {
	return &MessageService{
		store:      st,
		members:    members,
		dispatcher: dispatcher,
		journal:    journalWriter{journal: journal, logger: log},
		logger:     log,
		tracer:     tracing.Tracer("service.message"),
	}
}

// Send persists a message from senderID. The returned message carries the
// sender display fields and echoes the request's client id.
func (s *MessageService) Send(ctx context.Context, senderID int64, req *model.SendMessageRequest, path string) (*model.Message, error) {
	ctx, span := s.tracer.Start(ctx, "message.Send",
		trace.WithAttributes(
			attribute.Int64("conversation_id", req.ConversationID),
			attribute.Int64("sender_id", senderID),
			attribute.String("path", path),
		),
	)
	defer span.End()

	start := time.Now()
	msg, err := s.send(ctx, senderID, req)
	status := "ok"
	switch {
	case errors.Is(err, ErrInvalidInput):
		status = "invalid"
	case errors.Is(err, ErrNotParticipant):
		status = "forbidden"
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.RecordSend(path, status, time.Since(start).Seconds())
	return msg, err
}

func (s *MessageService) send(ctx context.Context, senderID int64, req *model.SendMessageRequest) (*model.Message, error) {
	if err := middleware.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	member, err := s.members.IsMember(ctx, req.ConversationID, senderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check membership: %w", err)
	}
	if !member {
		return nil, ErrNotParticipant
	}

	msg, err := s.store.CreateMessage(ctx, store.NewMessage{
		ConversationID: req.ConversationID,
		SenderID:       senderID,
		Content:        req.Content,
		AttachmentURL:  req.AttachmentURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	msg.ClientID = req.ClientID

	s.logger.Debug("message saved",
		zap.Int64("message_id", msg.ID),
		zap.Int64("conversation_id", msg.ConversationID),
		zap.Int64("sender_id", senderID),
	)

	s.journal.publish(ctx, &model.Event{
		ConversationID: msg.ConversationID,
		Type:           model.EventMessageCreated,
		ActorID:        senderID,
		Message:        msg,
		CreatedAt:      msg.CreatedAt,
	})

	return msg, nil
}

// Announce pushes new_message to every other participant. Delivery is
// best-effort; the returned count is informational.
func (s *MessageService) Announce(ctx context.Context, msg *model.Message) int {
	// The correlation id is meaningful only to the sender.
	out := *msg
	out.ClientID = ""

	frame, err := model.NewFrame(model.FrameNewMessage, &out)
	if err != nil {
		s.logger.Error("failed to encode new_message", zap.Error(err))
		return 0
	}

	var senderID int64
	if msg.SenderID != nil {
		senderID = *msg.SenderID
	}
	delivered, err := s.dispatcher.ToConversation(ctx, msg.ConversationID, senderID, frame)
	if err != nil {
		s.logger.Warn("failed to fan out message",
			zap.Int64("message_id", msg.ID),
			zap.Int64("conversation_id", msg.ConversationID),
			zap.Error(err),
		)
	}
	return delivered
}

// MarkRead clears userID's unread state for a conversation.
func (s *MessageService) MarkRead(ctx context.Context, userID, conversationID int64) error {
	if conversationID <= 0 {
		return fmt.Errorf("%w: conversation_id must be greater than 0", ErrInvalidInput)
	}
	if err := s.requireMember(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := s.store.MarkRead(ctx, conversationID, userID); err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	return nil
}

// List returns a conversation's messages oldest first and marks the
// caller's incoming messages read.
func (s *MessageService) List(ctx context.Context, userID, conversationID int64) ([]model.Message, error) {
	if err := s.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return messages, nil
}

func (s *MessageService) requireMember(ctx context.Context, conversationID, userID int64) error {
	member, err := s.members.IsMember(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if !member {
		return ErrNotParticipant
	}
	return nil
}
