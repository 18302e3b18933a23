package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/casework/messaging/internal/relay"
	"github.com/casework/messaging/pkg/logger"
)

// WebSocketHandler upgrades /ws requests and hands them to the relay.
type WebSocketHandler struct {
	relay    *relay.Relay
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewWebSocketHandler creates a websocket handler. Sockets authenticate with
// a query token rather than cookies, so any origin may connect.
func NewWebSocketHandler(r *relay.Relay, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		relay: r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log,
	}
}

// Serve handles GET /ws?token=...
// The socket is upgraded before the credential is checked so a rejection
// can be reported with a websocket close code.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.relay.Serve(r.Context(), ws, r.URL.Query().Get("token"))
}
