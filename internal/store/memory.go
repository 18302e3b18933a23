package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/casework/messaging/internal/model"
)

type memberKey struct {
	conversationID int64
	userID         int64
}

// Memory is a process-local Store used for development without a database
// and as the test double. Nothing survives a restart.
type Memory struct {
	mu            sync.RWMutex
	users         map[int64]model.User
	conversations map[int64]*model.Conversation
	members       map[int64][]int64
	memberSet     map[memberKey]struct{}
	messages      []model.Message
	unread        map[memberKey]int
	nextConvID    int64
	nextMsgID     int64
	now           func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[int64]model.User),
		conversations: make(map[int64]*model.Conversation),
		members:       make(map[int64][]int64),
		memberSet:     make(map[memberKey]struct{}),
		unread:        make(map[memberKey]int),
		now:           time.Now,
	}
}

// PutUser adds or replaces a user. Accounts are owned by the auth service,
// so this is how the memory store gets seeded.
func (m *Memory) PutUser(u model.User) {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
}

// IsParticipant implements Store.
func (m *Memory) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.memberSet[memberKey{conversationID, userID}]
	return ok, nil
}

// Participants implements Store.
func (m *Memory) Participants(ctx context.Context, conversationID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, len(m.members[conversationID]))
	copy(ids, m.members[conversationID])
	return ids, nil
}

// CreateMessage implements Store.
func (m *Memory) CreateMessage(ctx context.Context, in NewMessage) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[in.ConversationID]
	if !ok {
		return nil, ErrNotFound
	}

	now := m.now()
	m.nextMsgID++
	senderID := in.SenderID
	msg := model.Message{
		ID:             m.nextMsgID,
		ConversationID: in.ConversationID,
		SenderID:       &senderID,
		Content:        in.Content,
		AttachmentURL:  in.AttachmentURL,
		CreatedAt:      now,
	}
	if u, ok := m.users[in.SenderID]; ok {
		msg.FirstName = u.FirstName
		msg.LastName = u.LastName
		msg.Username = u.Username
	}
	m.messages = append(m.messages, msg)

	content := in.Content
	conv.LastMessage = &content
	conv.LastMessageTime = &now
	conv.UpdatedAt = now

	for _, uid := range m.members[in.ConversationID] {
		if uid != in.SenderID {
			m.unread[memberKey{in.ConversationID, uid}]++
		}
	}

	return &msg, nil
}

// ListMessages implements Store.
func (m *Memory) ListMessages(ctx context.Context, conversationID, viewerID int64) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}

	var out []model.Message
	for i := range m.messages {
		msg := &m.messages[i]
		if msg.ConversationID != conversationID {
			continue
		}
		out = append(out, *msg)
		if !sentBy(msg, viewerID) {
			msg.Read = true
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	m.unread[memberKey{conversationID, viewerID}] = 0

	return out, nil
}

// MarkRead implements Store.
func (m *Memory) MarkRead(ctx context.Context, conversationID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.messages {
		msg := &m.messages[i]
		if msg.ConversationID == conversationID && !sentBy(msg, userID) {
			msg.Read = true
		}
	}
	key := memberKey{conversationID, userID}
	if _, ok := m.unread[key]; ok {
		m.unread[key] = 0
	}
	return nil
}

// UnreadCount implements Store.
func (m *Memory) UnreadCount(ctx context.Context, conversationID, userID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unread[memberKey{conversationID, userID}], nil
}

// CreateConversation implements Store.
func (m *Memory) CreateConversation(ctx context.Context, in NewConversation) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.nextConvID++
	conv := &model.Conversation{
		ID:        m.nextConvID,
		Name:      in.Name,
		IsGroup:   in.IsGroup,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[conv.ID] = conv

	m.addMembersLocked(conv.ID, append([]int64{in.CreatorID}, in.MemberIDs...))

	out := *conv
	return &out, nil
}

// AddParticipants implements Store.
func (m *Memory) AddParticipants(ctx context.Context, conversationID int64, userIDs []int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	return m.addMembersLocked(conversationID, userIDs), nil
}

func (m *Memory) addMembersLocked(conversationID int64, userIDs []int64) []int64 {
	var added []int64
	for _, uid := range userIDs {
		key := memberKey{conversationID, uid}
		if _, exists := m.memberSet[key]; exists {
			continue
		}
		m.memberSet[key] = struct{}{}
		m.members[conversationID] = append(m.members[conversationID], uid)
		added = append(added, uid)
	}
	return added
}

// ListConversations implements Store.
func (m *Memory) ListConversations(ctx context.Context, userID int64) ([]model.ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.ConversationSummary
	for id := range m.conversations {
		if _, ok := m.memberSet[memberKey{id, userID}]; !ok {
			continue
		}
		out = append(out, m.summaryLocked(id, userID))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageTime, out[j].LastMessageTime
		switch {
		case a == nil && b == nil:
			return out[i].ID > out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return out[i].ID > out[j].ID
		default:
			return a.After(*b)
		}
	})
	return out, nil
}

// GetConversation implements Store.
func (m *Memory) GetConversation(ctx context.Context, conversationID, viewerID int64) (*model.ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	s := m.summaryLocked(conversationID, viewerID)
	return &s, nil
}

func (m *Memory) summaryLocked(conversationID, viewerID int64) model.ConversationSummary {
	s := model.ConversationSummary{
		Conversation: *m.conversations[conversationID],
		Participants: m.participantUsersLocked(conversationID, viewerID),
	}
	for i := range m.messages {
		msg := &m.messages[i]
		if msg.ConversationID == conversationID && !msg.Read && !sentBy(msg, viewerID) {
			s.UnreadCount++
		}
	}
	return s
}

// ListParticipantUsers implements Store.
func (m *Memory) ListParticipantUsers(ctx context.Context, conversationID, excludeUserID int64) ([]model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.participantUsersLocked(conversationID, excludeUserID), nil
}

func (m *Memory) participantUsersLocked(conversationID, excludeUserID int64) []model.User {
	users := make([]model.User, 0, len(m.members[conversationID]))
	for _, uid := range m.members[conversationID] {
		if uid == excludeUserID {
			continue
		}
		if u, ok := m.users[uid]; ok {
			users = append(users, u)
		} else {
			users = append(users, model.User{ID: uid})
		}
	}
	return users
}

// GetUser implements Store.
func (m *Memory) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

// ListUsers implements Store.
func (m *Memory) ListUsers(ctx context.Context, excludeUserID int64) ([]model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]model.User, 0, len(m.users))
	for id, u := range m.users {
		if id != excludeUserID {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].FirstName != users[j].FirstName {
			return users[i].FirstName < users[j].FirstName
		}
		return users[i].LastName < users[j].LastName
	})
	return users, nil
}

// Ping implements Store.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close implements Store.
func (m *Memory) Close() error { return nil }

func sentBy(msg *model.Message, userID int64) bool {
	return msg.SenderID != nil && *msg.SenderID == userID
}
