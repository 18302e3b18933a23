package handler

import (
	"net/http"
	"strconv"

	"github.com/casework/messaging/internal/middleware"
	"github.com/casework/messaging/internal/model"
	"github.com/casework/messaging/internal/service"
	"github.com/casework/messaging/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /api/messages/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.CreateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := h.service.Create(ctx, userID, &req)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to create conversation")
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// List handles GET /api/messages/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	convs, err := h.service.List(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, convs)
}

// Participants handles GET /api/messages/conversations/{id}/participants
func (h *ConversationHandler) Participants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID, err := conversationID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	users, err := h.service.Participants(ctx, middleware.GetUserID(ctx), convID)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to get participants")
		return
	}

	writeJSON(w, http.StatusOK, users)
}

// AddUsers handles POST /api/messages/conversations/{id}/users
func (h *ConversationHandler) AddUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID, err := conversationID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.AddUsersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := h.service.AddUsers(ctx, middleware.GetUserID(ctx), convID, &req)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to add users")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Events handles GET /api/messages/conversations/{id}/events
func (h *ConversationHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID, err := conversationID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var after uint64
	if a := r.URL.Query().Get("after"); a != "" {
		if after, err = strconv.ParseUint(a, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid after sequence")
			return
		}
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err = strconv.Atoi(l); err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	page, err := h.service.Events(ctx, middleware.GetUserID(ctx), convID, after, limit)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to replay events")
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// Users handles GET /api/messages/users
func (h *ConversationHandler) Users(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	users, err := h.service.Users(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to list users")
		return
	}

	writeJSON(w, http.StatusOK, users)
}
