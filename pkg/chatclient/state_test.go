package chatclient

import (
	"testing"
	"time"

	"github.com/casework/messaging/internal/model"
)

func frame(t *testing.T, typ model.FrameType, payload any) model.Frame {
	t.Helper()
	f, err := model.NewFrame(typ, payload)
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	return f
}

func apply(t *testing.T, s *State, f model.Frame) {
	t.Helper()
	if err := s.Apply(f); err != nil {
		t.Fatalf("Apply(%s) error = %v", f.Type, err)
	}
}

func summary(id int64) model.ConversationSummary {
	return model.ConversationSummary{Conversation: model.Conversation{ID: id}}
}

func ids(convs []model.ConversationSummary) []int64 {
	out := make([]int64, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewMessageMovesConversationToTop(t *testing.T) {
	s := NewState()
	s.SetConversations([]model.ConversationSummary{summary(1), summary(2), summary(3)})

	sender := int64(9)
	msg := model.Message{ID: 10, ConversationID: 3, SenderID: &sender, Content: "status update", CreatedAt: time.Now()}
	apply(t, s, frame(t, model.FrameNewMessage, msg))
	// A repeated push must not duplicate the message.
	apply(t, s, frame(t, model.FrameNewMessage, msg))

	if got := ids(s.Conversations()); !equalIDs(got, []int64{3, 1, 2}) {
		t.Errorf("order = %v, want [3 1 2]", got)
	}
	conv, _ := s.Conversation(3)
	if conv.UnreadCount != 2 {
		t.Errorf("UnreadCount = %d, want 2", conv.UnreadCount)
	}
	if conv.LastMessage == nil || *conv.LastMessage != "status update" {
		t.Errorf("LastMessage = %v", conv.LastMessage)
	}
	if got := s.Messages(3); len(got) != 1 {
		t.Errorf("messages = %d, want 1", len(got))
	}
}

func TestNewMessageInOpenConversationStaysRead(t *testing.T) {
	s := NewState()
	s.SetConversations([]model.ConversationSummary{summary(1), summary(2)})
	s.OpenConversation(2, nil)

	apply(t, s, frame(t, model.FrameNewMessage, model.Message{ID: 1, ConversationID: 2, Content: "hi"}))

	conv, _ := s.Conversation(2)
	if conv.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", conv.UnreadCount)
	}
}

func TestMessageSentReplacesPending(t *testing.T) {
	s := NewState()
	s.SetConversations([]model.ConversationSummary{summary(1), summary(5)})

	s.AddPending(model.Message{ConversationID: 5, Content: "draft", ClientID: "c-1"})
	s.AddPending(model.Message{ConversationID: 5, Content: "second", ClientID: "c-2"})

	apply(t, s, frame(t, model.FrameMessageSent, model.Message{ID: 77, ConversationID: 5, Content: "draft", ClientID: "c-1"}))

	msgs := s.Messages(5)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Pending || msgs[0].ID != 77 {
		t.Errorf("first = %+v, want confirmed id 77", msgs[0])
	}
	if !msgs[1].Pending {
		t.Error("second message should still be pending")
	}
	if got := ids(s.Conversations()); got[0] != 5 {
		t.Errorf("order = %v, want 5 first", got)
	}

	// An echo with no pending entry is appended.
	apply(t, s, frame(t, model.FrameMessageSent, model.Message{ID: 78, ConversationID: 5, Content: "from another tab"}))
	if len(s.Messages(5)) != 3 {
		t.Errorf("messages = %d, want 3", len(s.Messages(5)))
	}
}

func TestConversationUpdateUpserts(t *testing.T) {
	s := NewState()
	s.SetConversations([]model.ConversationSummary{summary(1), summary(2)})

	apply(t, s, frame(t, model.FrameConversationUpdate, summary(3)))
	if got := ids(s.Conversations()); !equalIDs(got, []int64{3, 1, 2}) {
		t.Errorf("order = %v, want [3 1 2]", got)
	}

	name := "Intake"
	updated := summary(2)
	updated.Name = &name
	apply(t, s, frame(t, model.FrameConversationUpdate, updated))
	if got := ids(s.Conversations()); !equalIDs(got, []int64{3, 1, 2}) {
		t.Errorf("order after update = %v, want unchanged", got)
	}
	if conv, _ := s.Conversation(2); conv.Name == nil || *conv.Name != "Intake" {
		t.Errorf("name = %v", conv.Name)
	}
}

func TestUserAddedAndMarkedRead(t *testing.T) {
	s := NewState()
	conv := summary(4)
	conv.UnreadCount = 3
	conv.Participants = []model.User{{ID: 2}}
	s.SetConversations([]model.ConversationSummary{conv})

	added := model.UserAdded{ConversationID: 4, User: model.User{ID: 3, FirstName: "Casey"}}
	apply(t, s, frame(t, model.FrameUserAdded, added))
	apply(t, s, frame(t, model.FrameUserAdded, added))
	apply(t, s, frame(t, model.FrameMessagesMarkedRead, model.MarkedRead{ConversationID: 4}))

	got, _ := s.Conversation(4)
	if len(got.Participants) != 2 {
		t.Errorf("participants = %+v", got.Participants)
	}
	if got.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", got.UnreadCount)
	}
}

func TestErrorAndWelcome(t *testing.T) {
	s := NewState()
	s.setAuthRequired()

	apply(t, s, frame(t, model.FrameError, model.ErrorPayload{Message: "Error sending message"}))
	if s.LastError() != "Error sending message" {
		t.Errorf("LastError = %q", s.LastError())
	}

	apply(t, s, frame(t, model.FrameConnectionEstablished, model.ConnectionEstablished{Message: "Connected to chat server", UserID: 12}))
	if s.UserID() != 12 || s.LastError() != "" || s.AuthRequired() {
		t.Errorf("after welcome: user=%d err=%q auth=%v", s.UserID(), s.LastError(), s.AuthRequired())
	}
}

func TestOpenConversationKeepsPending(t *testing.T) {
	s := NewState()
	conv := summary(8)
	conv.UnreadCount = 4
	s.SetConversations([]model.ConversationSummary{conv})
	s.AddPending(model.Message{ConversationID: 8, Content: "unsent", ClientID: "p"})

	s.OpenConversation(8, []model.Message{{ID: 1, ConversationID: 8}, {ID: 2, ConversationID: 8}})

	msgs := s.Messages(8)
	if len(msgs) != 3 || !msgs[2].Pending {
		t.Errorf("messages = %+v", msgs)
	}
	if s.Current() != 8 {
		t.Errorf("Current = %d, want 8", s.Current())
	}
	if got, _ := s.Conversation(8); got.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", got.UnreadCount)
	}
}

func TestUnknownFrameIgnored(t *testing.T) {
	s := NewState()
	if err := s.Apply(model.Frame{Type: "typing"}); err != nil {
		t.Errorf("Apply() error = %v", err)
	}
}

func TestErrorFailsMatchingPending(t *testing.T) {
	s := NewState()
	s.AddPending(model.Message{ConversationID: 4, Content: "rejected", ClientID: "c-1"})
	s.AddPending(model.Message{ConversationID: 4, Content: "still waiting", ClientID: "c-2"})

	apply(t, s, frame(t, model.FrameError, model.ErrorPayload{Message: "You are not a participant in this conversation", ClientID: "c-1"}))

	msgs := s.Messages(4)
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Pending || !msgs[0].Failed {
		t.Errorf("rejected message = %+v, want failed", msgs[0])
	}
	if !msgs[1].Pending || msgs[1].Failed {
		t.Errorf("other message = %+v, want still pending", msgs[1])
	}
	if s.LastError() == "" {
		t.Error("LastError should be set")
	}

	// A repeated error for the same id leaves it failed.
	apply(t, s, frame(t, model.FrameError, model.ErrorPayload{Message: "again", ClientID: "c-1"}))
	if got := s.Messages(4)[0]; !got.Failed {
		t.Errorf("message = %+v, want failed", got)
	}
}

func TestRemovePending(t *testing.T) {
	s := NewState()
	s.AddPending(model.Message{ConversationID: 4, Content: "a", ClientID: "c-1"})
	s.AddPending(model.Message{ConversationID: 4, Content: "b", ClientID: "c-2"})

	s.removePending(4, "c-1")
	s.removePending(4, "unknown")

	msgs := s.Messages(4)
	if len(msgs) != 1 || msgs[0].ClientID != "c-2" {
		t.Errorf("messages = %+v, want only c-2", msgs)
	}
}
