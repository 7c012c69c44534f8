package model

import (
	"time"
)

// PresenceMember is one tracked connection on the presence channel.
type PresenceMember struct {
	UserID      string    `json:"user_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// OnlineSet is the set of currently connected user ids.
type OnlineSet map[string]struct{}

// NewOnlineSet builds a set from ids.
func NewOnlineSet(ids ...string) OnlineSet {
	s := make(OnlineSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether userID is online.
func (s OnlineSet) Contains(userID string) bool {
	_, ok := s[userID]
	return ok
}

// Equal reports whether both sets hold the same ids.
func (s OnlineSet) Equal(other OnlineSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// IDs returns the members in unspecified order.
func (s OnlineSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}

// PresenceEvent is pushed to presence websocket clients on every sync.
type PresenceEvent struct {
	Online   []string  `json:"online"`
	SyncedAt time.Time `json:"synced_at"`
}

// ConnectedEvent is the first SSE event of a conversation stream.
type ConnectedEvent struct {
	ConversationID string `json:"conversation_id"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
