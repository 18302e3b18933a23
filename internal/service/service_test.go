package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/casework/messaging/internal/fanout"
	"github.com/casework/messaging/internal/model"
	"github.com/casework/messaging/internal/registry"
	"github.com/casework/messaging/internal/store"
	"github.com/casework/messaging/pkg/logger"
)

const (
	alice int64 = 1
	bob   int64 = 2
	carol int64 = 3
	dave  int64 = 4
)

type recordingConn struct {
	mu     sync.Mutex
	frames []model.Frame
}

func (c *recordingConn) Send(f model.Frame) error {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) ofType(t model.FrameType) []model.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Frame
	for _, f := range c.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

type fakeJournal struct {
	mu     sync.Mutex
	events []model.Event
}

func (j *fakeJournal) PublishEvent(_ context.Context, e *model.Event) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, *e)
	return uint64(len(j.events)), nil
}

func (j *fakeJournal) Events(_ context.Context, conversationID int64, after uint64, limit int) ([]model.Event, uint64, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []model.Event
	var last uint64
	for i, e := range j.events {
		seq := uint64(i + 1)
		if e.ConversationID != conversationID || seq <= after {
			continue
		}
		e.Sequence = seq
		out = append(out, e)
		last = seq
		if len(out) == limit {
			break
		}
	}
	return out, last, len(out) == limit, nil
}

type fixture struct {
	store         *store.Memory
	registry      *registry.Registry
	journal       *fakeJournal
	messages      *MessageService
	conversations *ConversationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	for _, u := range []model.User{
		{ID: alice, Username: "alice", FirstName: "Alice", LastName: "Arnold"},
		{ID: bob, Username: "bob", FirstName: "Bob", LastName: "Baker"},
		{ID: carol, Username: "carol", FirstName: "Carol", LastName: "Chen"},
		{ID: dave, Username: "dave", FirstName: "Dave", LastName: "Diaz"},
	} {
		mem.PutUser(u)
	}

	log := logger.NewNop()
	reg := registry.New()
	members := fanout.NewMembership(mem, fanout.NewFallback(), log)
	dispatcher := fanout.NewDispatcher(members, reg, log)
	journal := &fakeJournal{}

	return &fixture{
		store:         mem,
		registry:      reg,
		journal:       journal,
		messages:      NewMessageService(mem, members, dispatcher, journal, log),
		conversations: NewConversationService(mem, members, dispatcher, journal, log),
	}
}

func (f *fixture) conversation(t *testing.T, creator int64, members ...int64) int64 {
	t.Helper()
	summary, err := f.conversations.Create(context.Background(), creator, &model.CreateConversationRequest{
		ParticipantIDs: members,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return summary.ID
}

func (f *fixture) online(userID int64) *recordingConn {
	c := &recordingConn{}
	f.registry.Register(userID, c)
	return c
}

func TestSendRejectsNonParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.conversation(t, alice, bob)

	_, err := f.messages.Send(ctx, carol, &model.SendMessageRequest{ConversationID: convID, Content: "hi"}, PathWebSocket)
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("Send() error = %v, want ErrNotParticipant", err)
	}

	summary, err := f.store.GetConversation(ctx, convID, alice)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if summary.LastMessage != nil {
		t.Errorf("LastMessage = %q, want nil", *summary.LastMessage)
	}
	if n, _ := f.store.UnreadCount(ctx, convID, bob); n != 0 {
		t.Errorf("bob unread = %d, want 0", n)
	}
}

func TestSendPersistsAndCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.conversation(t, alice, bob, carol)

	msg, err := f.messages.Send(ctx, alice, &model.SendMessageRequest{
		ConversationID: convID,
		Content:        "case file updated",
		ClientID:       "c-1",
	}, PathWebSocket)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if msg.ClientID != "c-1" {
		t.Errorf("ClientID = %q, want c-1", msg.ClientID)
	}
	if msg.FirstName != "Alice" || msg.LastName != "Arnold" {
		t.Errorf("sender fields = %q %q", msg.FirstName, msg.LastName)
	}

	summary, _ := f.store.GetConversation(ctx, convID, bob)
	if summary.LastMessage == nil || *summary.LastMessage != "case file updated" {
		t.Errorf("LastMessage = %v", summary.LastMessage)
	}
	if summary.LastMessageTime == nil || !summary.LastMessageTime.Equal(msg.CreatedAt) {
		t.Errorf("LastMessageTime = %v, want %v", summary.LastMessageTime, msg.CreatedAt)
	}

	for _, tc := range []struct {
		user int64
		want int
	}{{alice, 0}, {bob, 1}, {carol, 1}} {
		if n, _ := f.store.UnreadCount(ctx, convID, tc.user); n != tc.want {
			t.Errorf("unread for %d = %d, want %d", tc.user, n, tc.want)
		}
	}

	var journaled bool
	for _, e := range f.journal.events {
		if e.Type == model.EventMessageCreated && e.Message != nil && e.Message.ID == msg.ID {
			journaled = true
		}
	}
	if !journaled {
		t.Error("message_created event was not journaled")
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	convID := f.conversation(t, alice, bob)

	tests := []struct {
		name string
		req  model.SendMessageRequest
	}{
		{name: "empty content", req: model.SendMessageRequest{ConversationID: convID}},
		{name: "blank content", req: model.SendMessageRequest{ConversationID: convID, Content: "   "}},
		{name: "missing conversation", req: model.SendMessageRequest{Content: "hi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.messages.Send(context.Background(), alice, &tt.req, PathREST)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("Send() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestAnnounceSkipsSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.conversation(t, alice, bob, carol)
	connA := f.online(alice)
	connB := f.online(bob)

	msg, err := f.messages.Send(ctx, alice, &model.SendMessageRequest{ConversationID: convID, Content: "hello", ClientID: "x"}, PathWebSocket)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if delivered := f.messages.Announce(ctx, msg); delivered != 1 {
		t.Errorf("Announce() delivered = %d, want 1", delivered)
	}

	if n := len(connA.ofType(model.FrameNewMessage)); n != 0 {
		t.Errorf("sender got %d new_message frames", n)
	}
	frames := connB.ofType(model.FrameNewMessage)
	if len(frames) != 1 {
		t.Fatalf("bob got %d new_message frames, want 1", len(frames))
	}
	var got model.Message
	if err := json.Unmarshal(frames[0].Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.Content != "hello" || got.ClientID != "" {
		t.Errorf("payload = %+v", got)
	}
}

func TestMarkReadResetsOnlyCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.conversation(t, alice, bob, carol)

	if _, err := f.messages.Send(ctx, alice, &model.SendMessageRequest{ConversationID: convID, Content: "one"}, PathREST); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := f.messages.MarkRead(ctx, bob, convID); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}

	if n, _ := f.store.UnreadCount(ctx, convID, bob); n != 0 {
		t.Errorf("bob unread = %d, want 0", n)
	}
	if n, _ := f.store.UnreadCount(ctx, convID, carol); n != 1 {
		t.Errorf("carol unread = %d, want 1", n)
	}

	if err := f.messages.MarkRead(ctx, dave, convID); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("MarkRead() by outsider error = %v, want ErrNotParticipant", err)
	}
}

func TestListMarksIncomingRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.conversation(t, alice, bob)

	for _, content := range []string{"first", "second"} {
		if _, err := f.messages.Send(ctx, alice, &model.SendMessageRequest{ConversationID: convID, Content: content}, PathREST); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	msgs, err := f.messages.List(ctx, bob, convID)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Fatalf("List() = %+v", msgs)
	}

	summary, _ := f.store.GetConversation(ctx, convID, bob)
	if summary.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", summary.UnreadCount)
	}

	if _, err := f.messages.List(ctx, carol, convID); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("List() by outsider error = %v, want ErrNotParticipant", err)
	}
}

func TestCreatePushesConversationUpdate(t *testing.T) {
	f := newFixture(t)
	connB := f.online(bob)
	connA := f.online(alice)

	name := "Case 1042"
	summary, err := f.conversations.Create(context.Background(), alice, &model.CreateConversationRequest{
		Name:           &name,
		IsGroup:        true,
		ParticipantIDs: []int64{bob, carol},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(summary.Participants) != 2 {
		t.Errorf("creator sees %d participants, want 2", len(summary.Participants))
	}

	frames := connB.ofType(model.FrameConversationUpdate)
	if len(frames) != 1 {
		t.Fatalf("bob got %d conversation_update frames, want 1", len(frames))
	}
	var pushed model.ConversationSummary
	if err := json.Unmarshal(frames[0].Payload, &pushed); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if pushed.ID != summary.ID {
		t.Errorf("pushed id = %d, want %d", pushed.ID, summary.ID)
	}
	for _, p := range pushed.Participants {
		if p.ID == bob {
			t.Error("pushed summary lists the recipient as a participant")
		}
	}
	if n := len(connA.ofType(model.FrameConversationUpdate)); n != 0 {
		t.Errorf("creator got %d conversation_update frames, want 0", n)
	}
}

func TestCreateRequiresParticipants(t *testing.T) {
	f := newFixture(t)
	_, err := f.conversations.Create(context.Background(), alice, &model.CreateConversationRequest{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Create() error = %v, want ErrInvalidInput", err)
	}
}

func TestAddUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.conversation(t, alice, bob)
	connB := f.online(bob)
	connD := f.online(dave)

	summary, err := f.conversations.AddUsers(ctx, alice, convID, &model.AddUsersRequest{UserIDs: []int64{bob, dave}})
	if err != nil {
		t.Fatalf("AddUsers() error = %v", err)
	}
	if len(summary.Participants) != 2 {
		t.Errorf("participants = %d, want 2", len(summary.Participants))
	}

	added := connB.ofType(model.FrameUserAdded)
	if len(added) != 1 {
		t.Fatalf("bob got %d user_added frames, want 1", len(added))
	}
	var payload model.UserAdded
	if err := json.Unmarshal(added[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ConversationID != convID || payload.User.ID != dave || payload.User.FirstName != "Dave" {
		t.Errorf("user_added payload = %+v", payload)
	}
	if n := len(connD.ofType(model.FrameConversationUpdate)); n != 1 {
		t.Errorf("dave got %d conversation_update frames, want 1", n)
	}

	// Dave can now send.
	if _, err := f.messages.Send(ctx, dave, &model.SendMessageRequest{ConversationID: convID, Content: "joined"}, PathREST); err != nil {
		t.Errorf("Send() by added user error = %v", err)
	}

	if _, err := f.conversations.AddUsers(ctx, carol, convID, &model.AddUsersRequest{UserIDs: []int64{carol}}); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("AddUsers() by outsider error = %v, want ErrNotParticipant", err)
	}
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.conversation(t, alice, bob)
	if _, err := f.messages.Send(ctx, bob, &model.SendMessageRequest{ConversationID: convID, Content: "hi"}, PathREST); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	page, err := f.conversations.Events(ctx, alice, convID, 0, 0)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("Events() returned %d events, want 2", len(page.Events))
	}
	if page.Events[0].Type != model.EventConversationCreated || page.Events[1].Type != model.EventMessageCreated {
		t.Errorf("event types = %s, %s", page.Events[0].Type, page.Events[1].Type)
	}

	if _, err := f.conversations.Events(ctx, carol, convID, 0, 0); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Events() by outsider error = %v", err)
	}

	log := logger.NewNop()
	members := fanout.NewMembership(f.store, fanout.NewFallback(), log)
	noJournal := NewConversationService(f.store, members, fanout.NewDispatcher(members, f.registry, log), nil, log)
	if _, err := noJournal.Events(ctx, alice, convID, 0, 0); !errors.Is(err, ErrJournalDisabled) {
		t.Errorf("Events() without journal error = %v, want ErrJournalDisabled", err)
	}
}
