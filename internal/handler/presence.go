package handler

import (
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fitcoach/coach-messaging/internal/middleware"
	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/internal/presence"
	"github.com/fitcoach/coach-messaging/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// PresenceHandler exposes the online set and tracks websocket connections as presence.
type PresenceHandler struct {
	tracker  *presence.Tracker
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewPresenceHandler creates a new presence handler. checkOrigin may be nil to allow any origin.
func NewPresenceHandler(tracker *presence.Tracker, checkOrigin func(r *http.Request) bool, log *logger.Logger) *PresenceHandler {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &PresenceHandler{
		tracker: tracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: log,
	}
}

// presenceFrame is the websocket envelope.
type presenceFrame struct {
	Type string              `json:"type"`
	Data model.PresenceEvent `json:"data"`
}

func presenceEvent(set model.OnlineSet) model.PresenceEvent {
	ids := set.IDs()
	sort.Strings(ids)
	return model.PresenceEvent{Online: ids, SyncedAt: time.Now().UTC()}
}

// List handles GET /api/v1/presence
func (h *PresenceHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, presenceEvent(h.tracker.Online()))
}

// Connect handles GET /api/v1/presence/ws
// The caller is online while the socket is open; every sync is pushed as a
// "presence" frame.
func (h *PresenceHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.logger.ForUser(userID)

	leave, err := h.tracker.Join(r.Context(), userID)
	if err != nil {
		// Presence is advisory; the socket still receives updates.
		log.Warn("failed to track presence", zap.Error(err))
		leave = func() {}
	}
	defer leave()

	updates, unsubscribe := h.tracker.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return

		case set, ok := <-updates:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(presenceFrame{Type: "presence", Data: presenceEvent(set)}); err != nil {
				log.Debug("presence write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and closes done when the peer goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
