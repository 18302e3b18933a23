package handler

import (
	"net/http"

	"github.com/casework/messaging/internal/middleware"
	"github.com/casework/messaging/internal/model"
	"github.com/casework/messaging/internal/service"
	"github.com/casework/messaging/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	service *service.MessageService
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/messages/conversations/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID, err := conversationID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := h.service.List(ctx, middleware.GetUserID(ctx), convID)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to get messages")
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

// Send handles POST /api/messages/conversations/{id}/messages, the fallback
// for clients without a live socket.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID, err := conversationID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ConversationID = convID

	msg, err := h.service.Send(ctx, middleware.GetUserID(ctx), &req, service.PathREST)
	if err != nil {
		writeServiceError(w, h.logger, err, "Error sending message")
		return
	}
	h.service.Announce(ctx, msg)

	writeJSON(w, http.StatusCreated, msg)
}
