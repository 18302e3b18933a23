package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casework/messaging/internal/model"
	"github.com/casework/messaging/pkg/logger"
	"github.com/casework/messaging/pkg/metrics"
)

// Journal records messaging events. Implemented by the NATS stream manager.
type Journal interface {
	PublishEvent(ctx context.Context, event *model.Event) (uint64, error)
	Events(ctx context.Context, conversationID int64, afterSequence uint64, limit int) ([]model.Event, uint64, bool, error)
}

// journalWriter publishes best-effort; the database stays authoritative.
type journalWriter struct {
	journal Journal
	logger  *logger.Logger
}

func (w journalWriter) enabled() bool {
	return w.journal != nil
}

func (w journalWriter) publish(ctx context.Context, event *model.Event) {
	if w.journal == nil {
		return
	}
	event.ID = uuid.Must(uuid.NewV7()).String()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if _, err := w.journal.PublishEvent(ctx, event); err != nil {
		metrics.JournalPublishFailures.WithLabelValues(string(event.Type)).Inc()
		w.logger.Warn("failed to journal event",
			zap.String("type", string(event.Type)),
			zap.Int64("conversation_id", event.ConversationID),
			zap.Error(err),
		)
	}
}
