package model

import (
	"time"
)

// Message represents a conversation message.
type Message struct {
	// Identity
	ID             int64  `gorm:"primaryKey" json:"id"`
	ConversationID int64  `gorm:"not null;index" json:"conversation_id"`
	SenderID       *int64 `gorm:"index" json:"sender_id"`

	// Content
	Content       string  `gorm:"type:text;not null" json:"content"`
	AttachmentURL *string `gorm:"type:text" json:"attachment_url"`
	Read          bool    `gorm:"column:is_read;not null;default:false" json:"read"`

	CreatedAt time.Time `json:"created_at"`

	// Sender display fields, joined from users on read
	FirstName string `gorm:"->;-:migration" json:"first_name"`
	LastName  string `gorm:"->;-:migration" json:"last_name"`
	Username  string `gorm:"->;-:migration" json:"username,omitempty"`

	// ClientID echoes the sender's correlation id; never stored
	ClientID string `gorm:"-" json:"client_id,omitempty"`
}

// TableName pins the messages table name.
func (Message) TableName() string { return "messages" }

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	ConversationID int64   `json:"conversation_id" validate:"gt=0"`
	Content        string  `json:"content" validate:"required"`
	AttachmentURL  *string `json:"attachment_url,omitempty" validate:"omitempty,url"`
	ClientID       string  `json:"client_id,omitempty" validate:"omitempty,max=64"`
}

// MarkReadRequest is the payload of a mark_read frame.
type MarkReadRequest struct {
	ConversationID int64 `json:"conversation_id" validate:"gt=0"`
}
