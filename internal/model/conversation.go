// Package model defines data structures for the case messaging service.
package model

import (
	"time"
)

// User is the read-only projection of an account owned by the auth service.
type User struct {
	ID        int64  `gorm:"primaryKey" json:"id"`
	Username  string `gorm:"size:100" json:"username"`
	FirstName string `gorm:"size:100" json:"first_name"`
	LastName  string `gorm:"size:100" json:"last_name"`
	Email     string `gorm:"size:255" json:"email"`
}

// TableName pins the users table name.
func (User) TableName() string { return "users" }

// Conversation represents a message thread between a fixed set of users.
type Conversation struct {
	ID              int64      `gorm:"primaryKey" json:"id"`
	Name            *string    `gorm:"size:100" json:"name"`
	IsGroup         bool       `gorm:"default:false" json:"is_group"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastMessage     *string    `gorm:"type:text" json:"last_message"`
	LastMessageTime *time.Time `gorm:"index" json:"last_message_time"`
}

// TableName pins the conversations table name.
func (Conversation) TableName() string { return "conversations" }

// Participant grants a user membership of a conversation.
type Participant struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	ConversationID int64     `gorm:"not null;uniqueIndex:idx_participant_pair;index" json:"conversation_id"`
	UserID         int64     `gorm:"not null;uniqueIndex:idx_participant_pair;index" json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName pins the participants table name.
func (Participant) TableName() string { return "conversation_participants" }

// UnreadCounter is the per-member unread aggregate. It is a cache; the
// message rows remain the source of truth.
type UnreadCounter struct {
	ID             int64 `gorm:"primaryKey" json:"-"`
	ConversationID int64 `gorm:"not null;uniqueIndex:idx_unread_pair" json:"conversation_id"`
	UserID         int64 `gorm:"not null;uniqueIndex:idx_unread_pair" json:"user_id"`
	Count          int   `gorm:"not null;default:0" json:"count"`
}

// TableName pins the unread counter table name.
func (UnreadCounter) TableName() string { return "unread_messages" }

// ConversationSummary is a conversation as seen by one member.
type ConversationSummary struct {
	Conversation
	UnreadCount  int    `json:"unread_count"`
	Participants []User `json:"participants"`
}

// CreateConversationRequest is the request to create a new conversation.
type CreateConversationRequest struct {
	Name           *string `json:"name" validate:"omitempty,max=100"`
	IsGroup        bool    `json:"is_group"`
	ParticipantIDs []int64 `json:"participant_ids" validate:"required,min=1,dive,gt=0"`
}

// AddUsersRequest is the request to add members to a conversation.
type AddUsersRequest struct {
	UserIDs []int64 `json:"user_ids" validate:"required,min=1,dive,gt=0"`
}
