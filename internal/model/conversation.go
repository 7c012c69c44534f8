// Package model defines data structures for coach-athlete direct messaging.
package model

import (
	"strconv"
	"time"
)

// Conversation represents a message thread between participants.
type Conversation struct {
	ID        string    `json:"id"`
	IsGroup   bool      `json:"is_group"`
	PairKey   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant is one user's membership in a conversation.
type Participant struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
}

// Profile is the peer identity shown in previews. Profiles are owned by the
// host application and only read here.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ConversationPreview is a derived row of the conversation list.
type ConversationPreview struct {
	ConversationID string     `json:"conversation_id"`
	PeerID         string     `json:"peer_id"`
	PeerName       string     `json:"peer_name"`
	PeerAvatarURL  string     `json:"peer_avatar_url,omitempty"`
	LastMessage    string     `json:"last_message,omitempty"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	UnreadCount    int        `json:"unread_count"`
	Online         bool       `json:"online"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ActivityAt is the time the preview sorts by: the last message if any,
// otherwise the conversation creation time.
func (p *ConversationPreview) ActivityAt() time.Time {
	if p.LastMessageAt != nil {
		return *p.LastMessageAt
	}
	return p.CreatedAt
}

// PairKey returns the canonical key for an unordered pair of user ids. The
// first id is length-prefixed so ids containing the separator cannot collide.
func PairKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return strconv.Itoa(len(userA)) + ":" + userA + ":" + userB
}

// ResolveDirectRequest is the request to open a direct conversation.
type ResolveDirectRequest struct {
	PeerID string `json:"peer_id"`
}

// ResolveDirectResponse is the response for a resolved direct conversation.
type ResolveDirectResponse struct {
	ConversationID string `json:"conversation_id"`
	Created        bool   `json:"created"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationPreview `json:"conversations"`
	Total         int                   `json:"total"`
}

// MarkReadResponse is the response after advancing a read cursor.
type MarkReadResponse struct {
	ConversationID string    `json:"conversation_id"`
	LastReadAt     time.Time `json:"last_read_at"`
}
