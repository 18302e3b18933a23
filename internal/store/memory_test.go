package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/casework/messaging/internal/model"
)

func newMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	for _, u := range []model.User{
		{ID: 1, FirstName: "Avery"},
		{ID: 2, FirstName: "Blake"},
		{ID: 3, FirstName: "Casey"},
	} {
		m.PutUser(u)
	}
	return m
}

func TestMemoryCreateMessage(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	conv, _ := m.CreateConversation(ctx, NewConversation{CreatorID: 1, MemberIDs: []int64{2, 3}})

	msg, err := m.CreateMessage(ctx, NewMessage{ConversationID: conv.ID, SenderID: 1, Content: "intake done"})
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if msg.FirstName != "Avery" || msg.SenderID == nil || *msg.SenderID != 1 {
		t.Errorf("message = %+v", msg)
	}

	for uid, want := range map[int64]int{1: 0, 2: 1, 3: 1} {
		if got, _ := m.UnreadCount(ctx, conv.ID, uid); got != want {
			t.Errorf("UnreadCount(user %d) = %d, want %d", uid, got, want)
		}
	}

	got, _ := m.GetConversation(ctx, conv.ID, 2)
	if got.LastMessage == nil || *got.LastMessage != "intake done" || got.LastMessageTime == nil {
		t.Errorf("last message fields = %v %v", got.LastMessage, got.LastMessageTime)
	}

	if _, err := m.CreateMessage(ctx, NewMessage{ConversationID: 99, SenderID: 1, Content: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateMessage(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryListMessagesMarksRead(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	conv, _ := m.CreateConversation(ctx, NewConversation{CreatorID: 1, MemberIDs: []int64{2}})
	m.CreateMessage(ctx, NewMessage{ConversationID: conv.ID, SenderID: 1, Content: "first"})
	m.CreateMessage(ctx, NewMessage{ConversationID: conv.ID, SenderID: 2, Content: "second"})

	msgs, err := m.ListMessages(ctx, conv.ID, 2)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Fatalf("messages = %+v", msgs)
	}

	viewer, _ := m.GetConversation(ctx, conv.ID, 2)
	if viewer.UnreadCount != 0 {
		t.Errorf("viewer unread = %d, want 0", viewer.UnreadCount)
	}
	// The other side's incoming message is untouched.
	other, _ := m.GetConversation(ctx, conv.ID, 1)
	if other.UnreadCount != 1 {
		t.Errorf("other unread = %d, want 1", other.UnreadCount)
	}
}

func TestMemoryListConversationsOrder(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	quiet, _ := m.CreateConversation(ctx, NewConversation{CreatorID: 1, MemberIDs: []int64{2}})
	older, _ := m.CreateConversation(ctx, NewConversation{CreatorID: 1, MemberIDs: []int64{3}})
	newer, _ := m.CreateConversation(ctx, NewConversation{CreatorID: 1, MemberIDs: []int64{2, 3}, IsGroup: true})

	m.CreateMessage(ctx, NewMessage{ConversationID: older.ID, SenderID: 3, Content: "a"})
	m.CreateMessage(ctx, NewMessage{ConversationID: newer.ID, SenderID: 2, Content: "b"})

	list, err := m.ListConversations(ctx, 1)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	want := []int64{newer.ID, older.ID, quiet.ID}
	if len(list) != len(want) {
		t.Fatalf("conversations = %d, want %d", len(list), len(want))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("list[%d] = %d, want %d", i, list[i].ID, id)
		}
	}
	if len(list[0].Participants) != 2 {
		t.Errorf("participants = %+v, want caller excluded", list[0].Participants)
	}
}

func TestMemoryAddParticipantsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	conv, _ := m.CreateConversation(ctx, NewConversation{CreatorID: 1, MemberIDs: []int64{2}})

	added, err := m.AddParticipants(ctx, conv.ID, []int64{2, 3, 3})
	if err != nil {
		t.Fatalf("AddParticipants() error = %v", err)
	}
	if len(added) != 1 || added[0] != 3 {
		t.Errorf("added = %v, want [3]", added)
	}

	ids, _ := m.Participants(ctx, conv.ID)
	if len(ids) != 3 {
		t.Errorf("participants = %v", ids)
	}
	if ok, _ := m.IsParticipant(ctx, conv.ID, 3); !ok {
		t.Error("user 3 should be a participant")
	}
	if _, err := m.AddParticipants(ctx, 99, []int64{1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddParticipants(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryMarkRead(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	conv, _ := m.CreateConversation(ctx, NewConversation{CreatorID: 1, MemberIDs: []int64{2, 3}})
	m.CreateMessage(ctx, NewMessage{ConversationID: conv.ID, SenderID: 1, Content: "x"})

	if err := m.MarkRead(ctx, conv.ID, 2); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if got, _ := m.UnreadCount(ctx, conv.ID, 2); got != 0 {
		t.Errorf("caller unread = %d, want 0", got)
	}
	if got, _ := m.UnreadCount(ctx, conv.ID, 3); got != 1 {
		t.Errorf("other unread = %d, want 1", got)
	}
}

func TestUniqueIDs(t *testing.T) {
	got := uniqueIDs([]int64{3, 1, 3, 2, 1})
	want := []int64{3, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("uniqueIDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("uniqueIDs()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
