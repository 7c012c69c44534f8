// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fitcoach/coach-messaging/internal/middleware"
	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/internal/service"
	"github.com/fitcoach/coach-messaging/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	conversations *service.ConversationService
	inbox         *service.InboxService
	reads         *service.ReadStateService
	logger        *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(
	convSvc *service.ConversationService,
	inboxSvc *service.InboxService,
	readSvc *service.ReadStateService,
	log *logger.Logger,
) *ConversationHandler {
	return &ConversationHandler{
		conversations: convSvc,
		inbox:         inboxSvc,
		reads:         readSvc,
		logger:        log,
	}
}

// ResolveDirect handles POST /api/v1/conversations/direct
func (h *ConversationHandler) ResolveDirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.ResolveDirectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateUserID(req.PeerID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, created, err := h.conversations.ResolveDirect(ctx, userID, req.PeerID)
	if err != nil {
		writeServiceError(w, h.logger, err, "resolve conversation")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, &model.ResolveDirectResponse{
		ConversationID: id,
		Created:        created,
	})
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	previews, err := h.inbox.ListConversations(ctx, userID)
	if err != nil {
		writeServiceError(w, h.logger, err, "list conversations")
		return
	}

	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Conversations: previews,
		Total:         len(previews),
	})
}

// MarkRead handles POST /api/v1/conversations/:id/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	at, err := h.reads.MarkRead(ctx, conversationID, userID)
	if err != nil {
		writeServiceError(w, h.logger, err, "mark conversation read")
		return
	}

	writeJSON(w, http.StatusOK, &model.MarkReadResponse{
		ConversationID: conversationID,
		LastReadAt:     at,
	})
}
