package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fitcoach/coach-messaging/internal/middleware"
	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/internal/service"
	"github.com/fitcoach/coach-messaging/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService      *service.MessageService
	conversationService *service.ConversationService
	logger              *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	msgSvc *service.MessageService,
	convSvc *service.ConversationService,
	log *logger.Logger,
) *MessageHandler {
	return &MessageHandler{
		messageService:      msgSvc,
		conversationService: convSvc,
		logger:              log,
	}
}

// List handles GET /api/v1/conversations/:id/messages
// Supports ?limit=N and ?before=<RFC3339>&before_seq=N for older pages.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	before, err := parseCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.conversationService.RequireParticipant(ctx, conversationID, userID); err != nil {
		writeServiceError(w, h.logger, err, "get messages")
		return
	}

	page, err := h.messageService.GetRecentMessages(ctx, conversationID, limit, before)
	if err != nil {
		writeServiceError(w, h.logger, err, "get messages")
		return
	}

	writeJSON(w, http.StatusOK, page)
}

type cursorError string

func (e cursorError) Error() string { return string(e) }

func parseCursor(r *http.Request) (*model.PageCursor, error) {
	q := r.URL.Query()
	b := q.Get("before")
	if b == "" {
		if q.Get("before_seq") != "" {
			return nil, cursorError("before_seq requires before")
		}
		return nil, nil
	}
	before, err := time.Parse(time.RFC3339Nano, b)
	if err != nil {
		return nil, cursorError("invalid before timestamp")
	}
	cursor := &model.PageCursor{Before: before}
	if s := q.Get("before_seq"); s != "" {
		seq, err := strconv.ParseInt(s, 10, 64)
		if err != nil || seq < 0 {
			return nil, cursorError("invalid before_seq")
		}
		cursor.BeforeSeq = seq
	}
	return cursor, nil
}

// Send handles POST /api/v1/conversations/:id/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateClientID(req.ClientID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.messageService.Append(ctx, &model.AppendMessageRequest{
		ConversationID: conversationID,
		SenderID:       &userID,
		Content:        req.Content,
		ClientID:       req.ClientID,
	})
	if err != nil {
		writeServiceError(w, h.logger, err, "send message")
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}
