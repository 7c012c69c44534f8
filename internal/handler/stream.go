package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fitcoach/coach-messaging/internal/feed"
	"github.com/fitcoach/coach-messaging/internal/middleware"
	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/internal/realtime"
	"github.com/fitcoach/coach-messaging/internal/service"
	"github.com/fitcoach/coach-messaging/pkg/logger"
	"github.com/fitcoach/coach-messaging/pkg/metrics"
)

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	conversationService *service.ConversationService
	feed                feed.Feed
	heartbeat           time.Duration
	logger              *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(
	convSvc *service.ConversationService,
	f feed.Feed,
	heartbeat time.Duration,
	log *logger.Logger,
) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		conversationService: convSvc,
		feed:                f,
		heartbeat:           heartbeat,
		logger:              log,
	}
}

// Stream handles GET /api/v1/conversations/:id/stream
// Each inserted message is sent as a "message" event. Nothing is replayed:
// clients load the newest page over REST before or right after connecting.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.conversationService.RequireParticipant(ctx, conversationID, userID); err != nil {
		writeServiceError(w, h.logger, err, "open stream")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Each connection is its own client, with its own subscription.
	manager := realtime.NewManager(h.feed, h.logger)
	defer manager.Close()

	sub, err := manager.Subscribe(ctx, conversationID)
	if err != nil {
		h.logger.Error("failed to attach feed", logger.ConversationID(conversationID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "realtime feed unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", &model.ConnectedEvent{
		ConversationID: conversationID,
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	log := h.logger.With(logger.ConversationID(conversationID), logger.UserID(userID))
	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case msg, ok := <-sub.C:
			if !ok {
				sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
					Code:    "feed_closed",
					Message: "realtime feed closed",
				})
				return
			}
			if err := sendSSEEvent(w, flusher, "message", &msg); err != nil {
				log.Warn("failed to write SSE event", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
