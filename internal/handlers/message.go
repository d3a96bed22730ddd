package handlers

import (
	"net/http"

	"github.com/ts03085781/silent-letter/internal/middleware"
	"github.com/ts03085781/silent-letter/internal/models"
	"github.com/ts03085781/silent-letter/internal/services"
)

// MessageHandler handles message-related HTTP requests
type MessageHandler struct {
	errorWriter
	messageService *services.MessageService
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(messageService *services.MessageService, debug bool) *MessageHandler {
	return &MessageHandler{
		errorWriter:    errorWriter{debug: debug},
		messageService: messageService,
	}
}

// Fields are decoded loosely so a non-string value is reported by the
// content or id validation instead of as a malformed body.
type sendRequest struct {
	Content any `json:"content"`
}

type replyRequest struct {
	MessageID any `json:"messageId"`
	Content   any `json:"content"`
}

type sentMessage struct {
	ID                  string `json:"id"`
	Content             string `json:"content"`
	SentAt              string `json:"sentAt"`
	ReceiverAnonymousID string `json:"receiverAnonymousId"`
}

type sendResponse struct {
	Success   bool        `json:"success"`
	Message   sentMessage `json:"message"`
	NewPoints int         `json:"newPoints"`
}

// Send handles POST /api/messages/send
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	result, err := h.messageService.Send(r.Context(), middleware.GetUserID(r.Context()), stringField(req.Content))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, sendResponse{
		Success: true,
		Message: sentMessage{
			ID:                  result.Message.ID,
			Content:             result.Message.Content,
			SentAt:              models.FormatTime(result.Message.SentAt),
			ReceiverAnonymousID: result.ReceiverAnonymousID,
		},
		NewPoints: result.NewPoints,
	})
}

type replyResponse struct {
	Success   bool             `json:"success"`
	Reply     models.ReplyView `json:"reply"`
	NewPoints int              `json:"newPoints"`
	Message   string           `json:"message"`
}

// Reply handles POST /api/messages/reply
func (h *MessageHandler) Reply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	result, err := h.messageService.Reply(
		r.Context(),
		middleware.GetUserID(r.Context()),
		stringField(req.MessageID),
		stringField(req.Content),
	)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, replyResponse{
		Success:   true,
		Reply:     models.NewReplyView(result.Reply),
		NewPoints: result.NewPoints,
		Message:   "Reply sent successfully and earned 1 point!",
	})
}

type pageResponse struct {
	Success bool `json:"success"`
	*models.MessagePage
}

// Inbox handles GET /api/messages/inbox. Returned messages are marked read.
func (h *MessageHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	page, err := h.messageService.Inbox(r.Context(), middleware.GetUserID(r.Context()), queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, pageResponse{Success: true, MessagePage: page})
}

// Sent handles GET /api/messages/sent
func (h *MessageHandler) Sent(w http.ResponseWriter, r *http.Request) {
	page, err := h.messageService.Sent(r.Context(), middleware.GetUserID(r.Context()), queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, pageResponse{Success: true, MessagePage: page})
}

// UnreadCount handles GET /api/messages/unread-count
func (h *MessageHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.messageService.UnreadCount(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"unreadCount": count,
	})
}
