package fanout

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/casework/messaging/internal/model"
	"github.com/casework/messaging/internal/registry"
	"github.com/casework/messaging/pkg/logger"
	"github.com/casework/messaging/pkg/metrics"
	"github.com/casework/messaging/pkg/tracing"
)

// Locator finds the live connection of a user.
type Locator interface {
	Lookup(userID int64) (registry.Conn, bool)
}

// Dispatcher pushes frames to online users. Delivery is best-effort: a
// failed write is logged and the remaining recipients are still served.
type Dispatcher struct {
	members *Membership
	conns   Locator
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(members *Membership, conns Locator, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		members: members,
		conns:   conns,
		logger:  log,
		tracer:  tracing.Tracer("fanout"),
	}
}

// ToConversation delivers frame to every participant of the conversation
// except exceptUserID. It returns the number of successful deliveries.
func (d *Dispatcher) ToConversation(ctx context.Context, conversationID, exceptUserID int64, frame model.Frame) (int, error) {
	ctx, span := d.tracer.Start(ctx, "fanout.ToConversation",
		trace.WithAttributes(
			attribute.Int64("conversation_id", conversationID),
			attribute.String("frame_type", string(frame.Type)),
		),
	)
	defer span.End()

	ids, err := d.members.Members(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	recipients := ids[:0:0]
	for _, id := range ids {
		if id != exceptUserID {
			recipients = append(recipients, id)
		}
	}
	delivered := d.ToUsers(ctx, recipients, frame)
	span.SetAttributes(attribute.Int("delivered", delivered))
	return delivered, nil
}

// ToUsers delivers frame to each listed user that is online and returns
// the number of successful deliveries.
func (d *Dispatcher) ToUsers(ctx context.Context, userIDs []int64, frame model.Frame) int {
	delivered := 0
	for _, id := range userIDs {
		if d.ToUser(id, frame) {
			delivered++
		}
	}
	return delivered
}

// ToUser delivers frame to one user if online.
func (d *Dispatcher) ToUser(userID int64, frame model.Frame) bool {
	conn, ok := d.conns.Lookup(userID)
	if !ok {
		metrics.RecordDelivery(string(frame.Type), "offline")
		return false
	}
	if err := conn.Send(frame); err != nil {
		metrics.RecordDelivery(string(frame.Type), "failed")
		d.logger.Warn("failed to deliver frame",
			zap.Int64("user_id", userID),
			zap.String("type", string(frame.Type)),
			zap.Error(err),
		)
		return false
	}
	metrics.RecordDelivery(string(frame.Type), "delivered")
	return true
}
