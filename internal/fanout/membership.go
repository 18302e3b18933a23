package fanout

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/casework/messaging/internal/store"
	"github.com/casework/messaging/pkg/logger"
	"github.com/casework/messaging/pkg/metrics"
)

// MemberStore is the part of the persistent store membership needs.
type MemberStore interface {
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
	Participants(ctx context.Context, conversationID int64) ([]int64, error)
}

// Membership answers membership questions from the store and degrades to
// the fallback when the store is unavailable.
type Membership struct {
	store    MemberStore
	fallback *Fallback
	logger   *logger.Logger
}

// NewMembership creates a membership resolver.
func NewMembership(st MemberStore, fallback *Fallback, log *logger.Logger) *Membership {
	return &Membership{
		store:    st,
		fallback: fallback,
		logger:   log,
	}
}

// Fallback returns the in-memory membership copy.
func (m *Membership) Fallback() *Fallback {
	return m.fallback
}

// IsMember reports whether userID belongs to the conversation.
func (m *Membership) IsMember(ctx context.Context, conversationID, userID int64) (bool, error) {
	ok, err := m.store.IsParticipant(ctx, conversationID, userID)
	if err == nil {
		if ok {
			m.fallback.Add(conversationID, userID)
		}
		return ok, nil
	}
	if !errors.Is(err, store.ErrUnavailable) {
		return false, err
	}

	member, known := m.fallback.Contains(conversationID, userID)
	if !known {
		return false, err
	}
	metrics.FallbackLookups.Inc()
	m.logger.Warn("membership check served from fallback",
		zap.Int64("conversation_id", conversationID),
		zap.Int64("user_id", userID),
		zap.Error(err),
	)
	return member, nil
}

// Members lists the participants of a conversation.
func (m *Membership) Members(ctx context.Context, conversationID int64) ([]int64, error) {
	ids, err := m.store.Participants(ctx, conversationID)
	if err == nil {
		m.fallback.Set(conversationID, ids)
		return ids, nil
	}
	if !errors.Is(err, store.ErrUnavailable) {
		return nil, err
	}

	ids, known := m.fallback.Members(conversationID)
	if !known {
		return nil, err
	}
	metrics.FallbackLookups.Inc()
	m.logger.Warn("participant list served from fallback",
		zap.Int64("conversation_id", conversationID),
		zap.Int("members", len(ids)),
		zap.Error(err),
	)
	return ids, nil
}
