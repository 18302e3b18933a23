package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/casework/messaging/internal/auth"
	"github.com/casework/messaging/internal/model"
	"github.com/casework/messaging/internal/registry"
	"github.com/casework/messaging/internal/service"
	"github.com/casework/messaging/pkg/logger"
	"github.com/casework/messaging/pkg/metrics"
	"github.com/casework/messaging/pkg/tracing"
)

// Client-facing error strings.
const (
	msgBadRequest     = "Error processing your request"
	msgNotParticipant = "You are not a participant in this conversation"
	msgSendFailed     = "Error sending message"
	msgMarkReadFailed = "Error marking messages as read"
	msgWelcome        = "Connected to chat server"
)

const frameTimeout = 15 * time.Second

// Messages is the message service as used by the relay.
type Messages interface {
	Send(ctx context.Context, senderID int64, req *model.SendMessageRequest, path string) (*model.Message, error)
	Announce(ctx context.Context, msg *model.Message) int
	MarkRead(ctx context.Context, userID, conversationID int64) error
}

// Relay owns the lifecycle of websocket sessions.
type Relay struct {
	gate     *auth.Gate
	registry *registry.Registry
	messages Messages
	opts     Options
	logger   *logger.Logger
	tracer   trace.Tracer
}

// New creates a relay.
func New(gate *auth.Gate, reg *registry.Registry, messages Messages, opts Options, log *logger.Logger) *Relay {
	return &Relay{
		gate:     gate,
		registry: reg,
		messages: messages,
		opts:     opts,
		logger:   log.Named("relay"),
		tracer:   tracing.Tracer("relay"),
	}
}

// Serve authenticates an upgraded socket and runs it until it closes. A
// rejected credential closes the socket with the gate's close code and
// leaves no registry entry.
func (r *Relay) Serve(ctx context.Context, ws *websocket.Conn, token string) {
	identity, err := r.gate.Authenticate(token)
	if err != nil {
		r.reject(ws, err)
		return
	}

	c := newConn(ws, identity.UserID, r.opts)
	log := r.logger.WithConnection(c.ID(), identity.UserID)

	if replaced := r.registry.Register(identity.UserID, c); replaced != nil {
		log.Info("replaced existing connection")
	}
	metrics.IncrementWSConnections()
	log.Info("client connected", zap.String("remote_addr", ws.RemoteAddr().String()))

	ctx, cancel := context.WithCancel(ctx)
	// Hijacked sockets outlive http.Server.Shutdown; the base context ending
	// closes them.
	context.AfterFunc(ctx, c.Close)
	defer func() {
		cancel()
		r.registry.Remove(identity.UserID, c)
		c.Close()
		metrics.DecrementWSConnections()
		log.Info("client disconnected")
	}()

	go c.writePump()

	welcome, _ := model.NewFrame(model.FrameConnectionEstablished, model.ConnectionEstablished{
		Message: msgWelcome,
		UserID:  identity.UserID,
	})
	if err := c.Send(welcome); err != nil {
		log.Warn("failed to send welcome", zap.Error(err))
		return
	}

	if err := c.readPump(func(data []byte) {
		r.HandleFrame(ctx, c, identity.UserID, data)
	}); err != nil {
		log.Warn("connection closed unexpectedly", zap.Error(err))
	}
}

func (r *Relay) reject(ws *websocket.Conn, err error) {
	code, reason := auth.CloseInvalidAuth, "Invalid authentication"
	var rej *auth.RejectionError
	if errors.As(err, &rej) {
		code, reason = rej.CloseCode(), rej.CloseReason()
	}

	metrics.WSAuthRejections.WithLabelValues(reasonLabel(code)).Inc()
	r.logger.Info("websocket authentication rejected",
		zap.Int("code", code),
		zap.Error(err),
		zap.String("remote_addr", ws.RemoteAddr().String()),
	)

	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	_ = ws.Close()
}

func reasonLabel(code int) string {
	switch code {
	case auth.CloseAuthRequired:
		return "missing"
	case auth.CloseInvalidFormat:
		return "malformed"
	default:
		return "invalid"
	}
}

// HandleFrame processes one inbound frame for userID and replies on conn.
// Frame errors are reported to the client and never end the session.
func (r *Relay) HandleFrame(ctx context.Context, conn registry.Conn, userID int64, data []byte) {
	ctx, cancel := context.WithTimeout(ctx, frameTimeout)
	defer cancel()

	var frame model.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		metrics.WSFramesTotal.WithLabelValues("unparseable", "error").Inc()
		r.logger.Debug("unparseable frame", zap.Int64("user_id", userID), zap.Error(err))
		r.sendError(conn, msgBadRequest)
		return
	}

	var outcome string
	switch frame.Type {
	case model.FrameSendMessage:
		outcome = r.handleSend(ctx, conn, userID, frame.Payload)
	case model.FrameMarkRead:
		outcome = r.handleMarkRead(ctx, conn, userID, frame.Payload)
	case model.FramePing:
		pong, _ := model.NewFrame(model.FramePong, nil)
		r.reply(conn, pong)
		outcome = "ok"
	default:
		r.logger.Debug("ignoring unknown frame type",
			zap.Int64("user_id", userID),
			zap.String("type", string(frame.Type)),
		)
		metrics.WSFramesTotal.WithLabelValues("unknown", "ignored").Inc()
		return
	}
	metrics.WSFramesTotal.WithLabelValues(string(frame.Type), outcome).Inc()
}

func (r *Relay) handleSend(ctx context.Context, conn registry.Conn, userID int64, payload json.RawMessage) string {
	ctx, span := r.tracer.Start(ctx, "relay.send_message", trace.WithAttributes(attribute.Int64("user_id", userID)))
	defer span.End()

	var req model.SendMessageRequest
	if err := decodePayload(payload, &req); err != nil {
		r.sendError(conn, msgBadRequest)
		return "invalid"
	}

	msg, err := r.messages.Send(ctx, userID, &req, service.PathWebSocket)
	switch {
	case errors.Is(err, service.ErrNotParticipant):
		r.sendSendError(conn, msgNotParticipant, req.ClientID)
		return "forbidden"
	case errors.Is(err, service.ErrInvalidInput):
		r.sendSendError(conn, err.Error(), req.ClientID)
		return "invalid"
	case err != nil:
		span.RecordError(err)
		r.logger.Error("failed to send message",
			zap.Int64("user_id", userID),
			zap.Int64("conversation_id", req.ConversationID),
			zap.Error(err),
		)
		r.sendSendError(conn, msgSendFailed, req.ClientID)
		return "error"
	}

	sent, err := model.NewFrame(model.FrameMessageSent, msg)
	if err != nil {
		r.logger.Error("failed to encode message_sent", zap.Error(err))
	} else {
		r.reply(conn, sent)
	}

	r.messages.Announce(ctx, msg)
	return "ok"
}

func (r *Relay) handleMarkRead(ctx context.Context, conn registry.Conn, userID int64, payload json.RawMessage) string {
	var req model.MarkReadRequest
	if err := decodePayload(payload, &req); err != nil {
		r.sendError(conn, msgBadRequest)
		return "invalid"
	}

	err := r.messages.MarkRead(ctx, userID, req.ConversationID)
	switch {
	case errors.Is(err, service.ErrNotParticipant):
		r.sendError(conn, msgNotParticipant)
		return "forbidden"
	case errors.Is(err, service.ErrInvalidInput):
		r.sendError(conn, err.Error())
		return "invalid"
	case err != nil:
		r.logger.Error("failed to mark messages read",
			zap.Int64("user_id", userID),
			zap.Int64("conversation_id", req.ConversationID),
			zap.Error(err),
		)
		r.sendError(conn, msgMarkReadFailed)
		return "error"
	}

	ack, _ := model.NewFrame(model.FrameMessagesMarkedRead, model.MarkedRead{ConversationID: req.ConversationID})
	r.reply(conn, ack)
	return "ok"
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(payload, v)
}

func (r *Relay) sendError(conn registry.Conn, message string) {
	r.sendSendError(conn, message, "")
}

// sendSendError reports a failed send_message, echoing the client id so the
// client can settle its optimistic copy.
func (r *Relay) sendSendError(conn registry.Conn, message, clientID string) {
	frame, _ := model.NewFrame(model.FrameError, model.ErrorPayload{Message: message, ClientID: clientID})
	r.reply(conn, frame)
}

// replier is implemented by connections that can wait for queue space.
type replier interface {
	Reply(model.Frame) error
}

// reply answers the connection's own frame. Replies are never dropped
// silently: a connection that cannot take one is closed by Reply.
func (r *Relay) reply(conn registry.Conn, frame model.Frame) {
	var err error
	if rc, ok := conn.(replier); ok {
		err = rc.Reply(frame)
	} else {
		err = conn.Send(frame)
	}
	if err != nil {
		metrics.RecordDelivery(string(frame.Type), "reply_failed")
		r.logger.Warn("failed to reply",
			zap.String("type", string(frame.Type)),
			zap.Error(err),
		)
	}
}
