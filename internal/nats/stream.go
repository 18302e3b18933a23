package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/casework/messaging/internal/model"
)

const (
	// StreamName is the name of the messaging journal stream.
	StreamName = "MESSAGING"

	// SubjectPrefix is the prefix for all journal subjects.
	SubjectPrefix = "messaging"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the journal stream exists.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Case conversation messages and membership changes",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(conversationID int64, eventType model.EventType) string {
	return fmt.Sprintf("%s.%d.%s", SubjectPrefix, conversationID, eventType)
}

// ConversationFilter returns the filter subject for all events of a conversation.
func ConversationFilter(conversationID int64) string {
	return fmt.Sprintf("%s.%d.>", SubjectPrefix, conversationID)
}

// PublishEvent publishes an event to JetStream. The event id doubles as the
// deduplication id.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.Event) (uint64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, EventSubject(event.ConversationID, event.Type), data,
		jetstream.WithMsgID(event.ID),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}

	return ack.Sequence, nil
}

// Events replays a conversation's journal starting after a stream sequence.
func (m *StreamManager) Events(ctx context.Context, conversationID int64, afterSequence uint64, limit int) ([]model.Event, uint64, bool, error) {
	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: ConversationFilter(conversationID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := m.client.JetStream().CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch events: %w", err)
	}

	page := newEventPage(afterSequence, limit)
	for msg := range batch.Messages() {
		page.add(msg)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, 0, false, fmt.Errorf("batch error: %w", err)
	}

	return page.events, page.lastSequence, len(page.events) == limit, nil
}

// journalMsg is the part of jetstream.Msg a replay page reads.
type journalMsg interface {
	Data() []byte
	Metadata() (*jetstream.MsgMetadata, error)
}

// eventPage collects one replay page. lastSequence starts at the cursor so
// an empty page hands the same cursor back.
type eventPage struct {
	events       []model.Event
	lastSequence uint64
}

func newEventPage(afterSequence uint64, limit int) *eventPage {
	return &eventPage{events: make([]model.Event, 0, limit), lastSequence: afterSequence}
}

func (p *eventPage) add(msg journalMsg) {
	var sequence uint64
	if meta, err := msg.Metadata(); err == nil {
		sequence = meta.Sequence.Stream
		// Undecodable entries still move the cursor past them.
		p.lastSequence = max(p.lastSequence, sequence)
	}

	var event model.Event
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		return
	}
	event.Sequence = sequence
	p.events = append(p.events, event)
}
