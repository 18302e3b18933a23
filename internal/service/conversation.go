package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/casework/messaging/internal/fanout"
	"github.com/casework/messaging/internal/middleware"
	"github.com/casework/messaging/internal/model"
	"github.com/casework/messaging/internal/store"
	"github.com/casework/messaging/pkg/logger"
	"github.com/casework/messaging/pkg/metrics"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 100
)

// ConversationService handles conversation operations.
type ConversationService struct {
	store      store.Store
	members    *fanout.Membership
	dispatcher *fanout.Dispatcher
	journal    journalWriter
	logger     *logger.Logger
}

// NewConversationService creates a new conversation service. journal may be nil.
func NewConversationService(
	st store.Store,
	members *fanout.Membership,
	dispatcher *fanout.Dispatcher,
	journal Journal,
	log *logger.Logger,
) *ConversationService {
	return &ConversationService{
		store:      st,
		members:    members,
		dispatcher: dispatcher,
		journal:    journalWriter{journal: journal, logger: log},
		logger:     log,
	}
}

// Create creates a conversation with the creator as an implicit member and
// announces it to the online invitees.
func (s *ConversationService) Create(ctx context.Context, creatorID int64, req *model.CreateConversationRequest) (*model.ConversationSummary, error) {
	if err := middleware.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := middleware.ValidateName(req.Name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	conv, err := s.store.CreateConversation(ctx, store.NewConversation{
		Name:      req.Name,
		IsGroup:   req.IsGroup,
		CreatorID: creatorID,
		MemberIDs: req.ParticipantIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	metrics.ConversationsTotal.Inc()

	invitees := make([]int64, 0, len(req.ParticipantIDs))
	for _, id := range req.ParticipantIDs {
		if id != creatorID {
			invitees = append(invitees, id)
		}
	}
	s.members.Fallback().Set(conv.ID, append([]int64{creatorID}, invitees...))

	s.logger.Info("conversation created",
		zap.Int64("conversation_id", conv.ID),
		zap.Int64("creator_id", creatorID),
		zap.Int("participants", len(invitees)+1),
	)

	s.journal.publish(ctx, &model.Event{
		ConversationID: conv.ID,
		Type:           model.EventConversationCreated,
		ActorID:        creatorID,
		UserIDs:        invitees,
		CreatedAt:      conv.CreatedAt,
	})

	s.pushConversationUpdate(ctx, conv.ID, invitees)

	summary, err := s.store.GetConversation(ctx, conv.ID, creatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return summary, nil
}

// AddUsers adds members to a conversation the actor already belongs to.
// Existing members are told about each newcomer and each newcomer receives
// the conversation.
func (s *ConversationService) AddUsers(ctx context.Context, actorID, conversationID int64, req *model.AddUsersRequest) (*model.ConversationSummary, error) {
	if err := middleware.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.requireMember(ctx, conversationID, actorID); err != nil {
		return nil, err
	}

	added, err := s.store.AddParticipants(ctx, conversationID, req.UserIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to add participants: %w", err)
	}

	if len(added) > 0 {
		s.members.Fallback().Add(conversationID, added...)

		s.logger.Info("participants added",
			zap.Int64("conversation_id", conversationID),
			zap.Int64("actor_id", actorID),
			zap.Int64s("user_ids", added),
		)

		s.journal.publish(ctx, &model.Event{
			ConversationID: conversationID,
			Type:           model.EventParticipantsAdded,
			ActorID:        actorID,
			UserIDs:        added,
		})

		s.pushUserAdded(ctx, conversationID, actorID, added)
		s.pushConversationUpdate(ctx, conversationID, added)
	}

	summary, err := s.store.GetConversation(ctx, conversationID, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return summary, nil
}

// List returns the caller's conversations, most recently active first.
func (s *ConversationService) List(ctx context.Context, userID int64) ([]model.ConversationSummary, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if convs == nil {
		convs = []model.ConversationSummary{}
	}
	return convs, nil
}

// Participants returns the other members of a conversation.
func (s *ConversationService) Participants(ctx context.Context, userID, conversationID int64) ([]model.User, error) {
	if err := s.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	users, err := s.store.ListParticipantUsers(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return users, nil
}

// Users returns everyone the caller can start a conversation with.
func (s *ConversationService) Users(ctx context.Context, userID int64) ([]model.User, error) {
	users, err := s.store.ListUsers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	if users == nil {
		users = []model.User{}
	}
	return users, nil
}

// Events replays the conversation's journal for a member.
func (s *ConversationService) Events(ctx context.Context, userID, conversationID int64, afterSequence uint64, limit int) (*model.EventPage, error) {
	if !s.journal.enabled() {
		return nil, ErrJournalDisabled
	}
	if err := s.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	events, last, hasMore, err := s.journal.journal.Events(ctx, conversationID, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to replay journal: %w", err)
	}
	return &model.EventPage{Events: events, LastSequence: last, HasMore: hasMore}, nil
}

func (s *ConversationService) requireMember(ctx context.Context, conversationID, userID int64) error {
	member, err := s.members.IsMember(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if !member {
		return ErrNotParticipant
	}
	return nil
}

// pushConversationUpdate sends each user their own view of the conversation.
func (s *ConversationService) pushConversationUpdate(ctx context.Context, conversationID int64, userIDs []int64) {
	for _, uid := range userIDs {
		summary, err := s.store.GetConversation(ctx, conversationID, uid)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("failed to load conversation for push",
					zap.Int64("conversation_id", conversationID),
					zap.Int64("user_id", uid),
					zap.Error(err),
				)
			}
			continue
		}
		frame, err := model.NewFrame(model.FrameConversationUpdate, summary)
		if err != nil {
			s.logger.Error("failed to encode conversation_update", zap.Error(err))
			return
		}
		s.dispatcher.ToUser(uid, frame)
	}
}

func (s *ConversationService) pushUserAdded(ctx context.Context, conversationID, actorID int64, added []int64) {
	ids, err := s.members.Members(ctx, conversationID)
	if err != nil {
		s.logger.Warn("failed to list members for user_added",
			zap.Int64("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}

	newcomer := make(map[int64]struct{}, len(added))
	for _, id := range added {
		newcomer[id] = struct{}{}
	}
	var existing []int64
	for _, id := range ids {
		if _, ok := newcomer[id]; !ok && id != actorID {
			existing = append(existing, id)
		}
	}
	if len(existing) == 0 {
		return
	}

	for _, uid := range added {
		user, err := s.store.GetUser(ctx, uid)
		if err != nil {
			user = &model.User{ID: uid}
		}
		frame, err := model.NewFrame(model.FrameUserAdded, model.UserAdded{
			ConversationID: conversationID,
			User:           *user,
		})
		if err != nil {
			s.logger.Error("failed to encode user_added", zap.Error(err))
			return
		}
		s.dispatcher.ToUsers(ctx, existing, frame)
	}
}
