package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ts03085781/silent-letter/internal/apperror"
	"github.com/ts03085781/silent-letter/internal/middleware"
	"github.com/ts03085781/silent-letter/internal/services"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// maxFrameBytes bounds client frames; clients only send pings
const maxFrameBytes = 4096

// Origin checking is left to the upgrader's same-origin default since
// the session cookie rides along with the handshake.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WebSocketHandler handles notification sockets
type WebSocketHandler struct {
	hub    *services.WSHub
	tokens middleware.TokenValidator
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(hub *services.WSHub, tokens middleware.TokenValidator) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		tokens: tokens,
	}
}

// HandleWebSocket handles GET /ws
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, err := middleware.ValidateWebSocketToken(r, h.tokens)
	if err != nil {
		resp := ErrorResponse{Error: "Authentication required", Code: apperror.CodeOf(err)}
		if appErr, ok := apperror.From(err); ok {
			resp.Error = appErr.Message
		}
		respondJSON(w, resp.Code.Status(), resp)
		return
	}
	userID := principal.UserID

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	h.hub.Register(userID, conn)
	defer h.hub.Unregister(userID, conn)

	log.Info().Str("user_id", userID).Msg("WebSocket connection established")

	for {
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("user_id", userID).Msg("WebSocket error")
			}
			return
		}

		var msg services.WSMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			h.sendError(userID, "Invalid message format")
			continue
		}

		switch msg.Type {
		case "ping":
			if err := h.hub.SendToUser(userID, services.WSMessage{Type: "pong"}); err != nil {
				log.Debug().Err(err).Str("user_id", userID).Msg("Failed to send pong")
			}
		default:
			h.sendError(userID, "Unknown message type")
		}
	}
}

// sendError sends an error frame to the user's socket
func (h *WebSocketHandler) sendError(userID, message string) {
	if err := h.hub.SendToUser(userID, services.WSMessage{Type: "error", Message: message}); err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("Failed to send error frame")
	}
}
