package model

import (
	"encoding/json"
	"time"
)

// FrameType is the declared kind of a websocket frame.
type FrameType string

// Inbound frame kinds.
const (
	FrameSendMessage FrameType = "send_message"
	FrameMarkRead    FrameType = "mark_read"
	FramePing        FrameType = "ping"
)

// Outbound frame kinds.
const (
	FrameConnectionEstablished FrameType = "connection_established"
	FrameMessageSent           FrameType = "message_sent"
	FrameNewMessage            FrameType = "new_message"
	FrameMessagesMarkedRead    FrameType = "messages_marked_read"
	FrameConversationUpdate    FrameType = "conversation_update"
	FrameUserAdded             FrameType = "user_added"
	FrameError                 FrameType = "error"
	FramePong                  FrameType = "pong"
)

// Frame is the JSON envelope used in both directions.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewFrame builds a frame with a marshalled payload.
func NewFrame(t FrameType, payload any) (Frame, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: t, Payload: data}, nil
}

// ConnectionEstablished is the payload of the welcome frame.
type ConnectionEstablished struct {
	Message string `json:"message"`
	UserID  int64  `json:"user_id"`
}

// MarkedRead confirms a mark_read frame.
type MarkedRead struct {
	ConversationID int64 `json:"conversation_id"`
}

// UserAdded announces a new member of a conversation.
type UserAdded struct {
	ConversationID int64 `json:"conversation_id"`
	User           User  `json:"user"`
}

// ErrorPayload is sent when a frame cannot be processed.
type ErrorPayload struct {
	Message string `json:"message"`
	// ClientID echoes the client_id of a rejected send_message
	ClientID string `json:"client_id,omitempty"`
}

// EventType represents the type of journaled messaging event.
type EventType string

const (
	EventMessageCreated      EventType = "message_created"
	EventConversationCreated EventType = "conversation_created"
	EventParticipantsAdded   EventType = "participants_added"
)

// Event is a messaging event published to the journal.
type Event struct {
	ID             string    `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Type           EventType `json:"type"`
	ActorID        int64     `json:"actor_id"`
	Message        *Message  `json:"message,omitempty"`
	UserIDs        []int64   `json:"user_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	// Sequence is the journal position, set when replayed
	Sequence uint64 `json:"sequence,omitempty"`
}

// EventPage is a slice of a conversation's journal.
type EventPage struct {
	Events       []Event `json:"events"`
	LastSequence uint64  `json:"last_sequence"`
	HasMore      bool    `json:"has_more"`
}
