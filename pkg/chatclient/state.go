package chatclient

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/casework/messaging/internal/model"
)

// LocalMessage is a message as held by the client. Pending messages were
// sent over the socket and are awaiting their message_sent echo. Failed
// messages were rejected by the server and will not be confirmed.
type LocalMessage struct {
	model.Message
	Pending bool `json:"pending"`
	Failed  bool `json:"failed"`
}

// State is the client's view of conversations and messages, fed by REST
// fetches and pushed frames. It is safe for concurrent use.
type State struct {
	mu            sync.RWMutex
	userID        int64
	conversations []model.ConversationSummary
	messages      map[int64][]LocalMessage
	current       int64
	lastError     string
	authRequired  bool
}

// NewState creates an empty state.
func NewState() *State {
	return &State{messages: make(map[int64][]LocalMessage)}
}

// UserID is the identity confirmed by the server, zero until connected.
func (s *State) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Conversations returns the conversation list, most recent first.
func (s *State) Conversations() []model.ConversationSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ConversationSummary(nil), s.conversations...)
}

// Conversation returns one conversation from the list.
func (s *State) Conversation(id int64) (model.ConversationSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.conversations[i], true
	}
	return model.ConversationSummary{}, false
}

// Messages returns the loaded messages of a conversation in display order.
func (s *State) Messages(conversationID int64) []LocalMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LocalMessage(nil), s.messages[conversationID]...)
}

// Current is the conversation the user has open, zero if none.
func (s *State) Current() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// LastError is the last error reported by the server.
func (s *State) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// AuthRequired reports that the server rejected the stored credential and
// the user has to log in again.
func (s *State) AuthRequired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authRequired
}

// Apply feeds one pushed frame into the reducers. Unknown kinds are ignored.
func (s *State) Apply(frame model.Frame) error {
	switch frame.Type {
	case model.FrameConnectionEstablished:
		var p model.ConnectionEstablished
		if err := decode(frame, &p); err != nil {
			return err
		}
		s.mu.Lock()
		s.userID = p.UserID
		s.lastError = ""
		s.authRequired = false
		s.mu.Unlock()

	case model.FrameNewMessage:
		var msg model.Message
		if err := decode(frame, &msg); err != nil {
			return err
		}
		s.receive(msg)

	case model.FrameMessageSent:
		var msg model.Message
		if err := decode(frame, &msg); err != nil {
			return err
		}
		s.confirm(msg)

	case model.FrameConversationUpdate:
		var conv model.ConversationSummary
		if err := decode(frame, &conv); err != nil {
			return err
		}
		s.UpsertConversation(conv)

	case model.FrameUserAdded:
		var p model.UserAdded
		if err := decode(frame, &p); err != nil {
			return err
		}
		s.addParticipant(p.ConversationID, p.User)

	case model.FrameMessagesMarkedRead:
		var p model.MarkedRead
		if err := decode(frame, &p); err != nil {
			return err
		}
		s.mu.Lock()
		if i := s.indexLocked(p.ConversationID); i >= 0 {
			s.conversations[i].UnreadCount = 0
		}
		s.mu.Unlock()

	case model.FrameError:
		var p model.ErrorPayload
		if err := decode(frame, &p); err != nil {
			return err
		}
		s.mu.Lock()
		s.lastError = p.Message
		if p.ClientID != "" {
			s.failLocked(p.ClientID)
		}
		s.mu.Unlock()
	}
	return nil
}

func decode(frame model.Frame, v any) error {
	if err := json.Unmarshal(frame.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", frame.Type, err)
	}
	return nil
}

// receive appends a message pushed by another participant.
func (s *State) receive(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasMessageLocked(msg.ConversationID, msg.ID) {
		s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], LocalMessage{Message: msg})
	}
	if i := s.indexLocked(msg.ConversationID); i >= 0 {
		if msg.ConversationID != s.current {
			s.conversations[i].UnreadCount++
		}
		s.touchLocked(i, msg)
	}
}

// confirm replaces the pending message carrying the same client id with the
// server's record, or appends it when no pending entry exists.
func (s *State) confirm(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[msg.ConversationID]
	replaced := false
	if msg.ClientID != "" {
		for i := range list {
			if list[i].Pending && list[i].ClientID == msg.ClientID {
				list[i] = LocalMessage{Message: msg}
				replaced = true
				break
			}
		}
	}
	if !replaced && !s.hasMessageLocked(msg.ConversationID, msg.ID) {
		list = append(list, LocalMessage{Message: msg})
	}
	s.messages[msg.ConversationID] = list

	if i := s.indexLocked(msg.ConversationID); i >= 0 {
		s.touchLocked(i, msg)
	}
}

// AddPending inserts an optimistic message.
func (s *State) AddPending(msg model.Message) LocalMessage {
	local := LocalMessage{Message: msg, Pending: true}
	s.mu.Lock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], local)
	s.mu.Unlock()
	return local
}

// removePending drops the optimistic copy of a send that never reached the
// socket.
func (s *State) removePending(conversationID int64, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[conversationID]
	for i := range list {
		if list[i].Pending && list[i].ClientID == clientID {
			s.messages[conversationID] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// failLocked settles the pending message with clientID as failed.
func (s *State) failLocked(clientID string) {
	for _, list := range s.messages {
		for i := range list {
			if list[i].Pending && list[i].ClientID == clientID {
				list[i].Pending = false
				list[i].Failed = true
				return
			}
		}
	}
}

// AddConfirmed inserts an authoritative message returned by the REST send.
func (s *State) AddConfirmed(msg model.Message) {
	s.confirm(msg)
}

// SetConversations replaces the conversation list.
func (s *State) SetConversations(convs []model.ConversationSummary) {
	s.mu.Lock()
	s.conversations = append([]model.ConversationSummary(nil), convs...)
	s.mu.Unlock()
}

// UpsertConversation replaces a known conversation in place or puts a new
// one at the top of the list.
func (s *State) UpsertConversation(conv model.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(conv.ID); i >= 0 {
		s.conversations[i] = conv
		return
	}
	s.conversations = append([]model.ConversationSummary{conv}, s.conversations...)
}

// OpenConversation replaces a conversation's messages after a fetch, makes
// it current and clears its unread count. Pending messages survive.
func (s *State) OpenConversation(conversationID int64, msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]LocalMessage, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, LocalMessage{Message: m})
	}
	for _, m := range s.messages[conversationID] {
		if m.Pending {
			list = append(list, m)
		}
	}
	s.messages[conversationID] = list
	s.current = conversationID
	if i := s.indexLocked(conversationID); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
}

func (s *State) setAuthRequired() {
	s.mu.Lock()
	s.authRequired = true
	s.mu.Unlock()
}

func (s *State) addParticipant(conversationID int64, user model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(conversationID)
	if i < 0 {
		return
	}
	for _, p := range s.conversations[i].Participants {
		if p.ID == user.ID {
			return
		}
	}
	s.conversations[i].Participants = append(s.conversations[i].Participants, user)
}

// touchLocked records msg as the latest activity and moves the
// conversation to the top.
func (s *State) touchLocked(i int, msg model.Message) {
	conv := s.conversations[i]
	content := msg.Content
	created := msg.CreatedAt
	conv.LastMessage = &content
	conv.LastMessageTime = &created

	copy(s.conversations[1:i+1], s.conversations[:i])
	s.conversations[0] = conv
}

func (s *State) indexLocked(conversationID int64) int {
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			return i
		}
	}
	return -1
}

func (s *State) hasMessageLocked(conversationID, messageID int64) bool {
	if messageID == 0 {
		return false
	}
	for _, m := range s.messages[conversationID] {
		if m.ID == messageID {
			return true
		}
	}
	return false
}
