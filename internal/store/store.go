// Package store persists conversations, participants and messages.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/casework/messaging/internal/model"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable wraps every storage-layer failure. Callers that can
	// degrade (membership lookups) test for it with errors.Is.
	ErrUnavailable = errors.New("storage unavailable")
)

// unavailable tags a driver error as a storage-layer failure.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// NewMessage is the data needed to persist a message.
type NewMessage struct {
	ConversationID int64
	SenderID       int64
	Content        string
	AttachmentURL  *string
}

// NewConversation is the data needed to create a conversation.
type NewConversation struct {
	Name      *string
	IsGroup   bool
	CreatorID int64
	MemberIDs []int64
}

// Store is the persistent backing of the messaging service.
type Store interface {
	// IsParticipant reports whether userID belongs to the conversation.
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
	// Participants lists member ids. An empty slice with a nil error is a
	// legitimate empty membership.
	Participants(ctx context.Context, conversationID int64) ([]int64, error)

	// CreateMessage inserts the message, refreshes the conversation's
	// last-message fields and increments every other member's unread
	// counter atomically. The result carries the sender display fields.
	CreateMessage(ctx context.Context, msg NewMessage) (*model.Message, error)
	// ListMessages returns the conversation oldest first, then marks the
	// viewer's incoming messages read and zeroes the viewer's counter.
	ListMessages(ctx context.Context, conversationID, viewerID int64) ([]model.Message, error)
	// MarkRead zeroes the user's counter and marks incoming messages read.
	MarkRead(ctx context.Context, conversationID, userID int64) error
	// UnreadCount reads the cached counter.
	UnreadCount(ctx context.Context, conversationID, userID int64) (int, error)

	CreateConversation(ctx context.Context, conv NewConversation) (*model.Conversation, error)
	// AddParticipants inserts memberships, skipping existing pairs, and
	// returns the ids that were newly added.
	AddParticipants(ctx context.Context, conversationID int64, userIDs []int64) ([]int64, error)
	ListConversations(ctx context.Context, userID int64) ([]model.ConversationSummary, error)
	GetConversation(ctx context.Context, conversationID, viewerID int64) (*model.ConversationSummary, error)
	ListParticipantUsers(ctx context.Context, conversationID, excludeUserID int64) ([]model.User, error)

	GetUser(ctx context.Context, userID int64) (*model.User, error)
	ListUsers(ctx context.Context, excludeUserID int64) ([]model.User, error)

	Ping(ctx context.Context) error
	Close() error
}
