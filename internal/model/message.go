package model

import (
	"time"
)

// Message represents a persisted direct message.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	// SenderID is nil for system-authored messages.
	SenderID *string `json:"sender_id"`
	Content  string  `json:"content"`

	// ClientID is the sender's temporary id, used to reconcile optimistic sends.
	ClientID string `json:"client_id,omitempty"`

	// Store-assigned ordering
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"seq"`
}

// SentBy reports whether the message was authored by userID.
func (m *Message) SentBy(userID string) bool {
	return m.SenderID != nil && *m.SenderID == userID
}

// Before reports whether m sorts strictly older than other.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.Seq < other.Seq
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// PageCursor bounds a page of messages. Messages returned are strictly older
// than (Before, BeforeSeq). A zero BeforeSeq compares on the timestamp alone.
type PageCursor struct {
	Before    time.Time `json:"before"`
	BeforeSeq int64     `json:"before_seq,omitempty"`
}

// Admits reports whether msg lies strictly before the cursor.
func (c *PageCursor) Admits(msg *Message) bool {
	if c == nil {
		return true
	}
	if msg.CreatedAt.Before(c.Before) {
		return true
	}
	return c.BeforeSeq > 0 && msg.CreatedAt.Equal(c.Before) && msg.Seq < c.BeforeSeq
}

// CursorAfter returns the cursor that continues paging after msg.
func CursorAfter(msg *Message) *PageCursor {
	return &PageCursor{Before: msg.CreatedAt, BeforeSeq: msg.Seq}
}

// AppendMessageRequest carries the fields of a new message.
type AppendMessageRequest struct {
	ConversationID string
	SenderID       *string
	Content        string
	ClientID       string
}

// SendMessageRequest is the HTTP request to send a new message.
type SendMessageRequest struct {
	Content  string `json:"content"`
	ClientID string `json:"client_id,omitempty"`
}

// MessagePage is one newest-first page of a conversation.
type MessagePage struct {
	Messages   []Message   `json:"messages"`
	HasMore    bool        `json:"has_more"`
	NextCursor *PageCursor `json:"next_cursor,omitempty"`

	// Stale is set when the page came from cache because the store was unavailable.
	Stale bool `json:"stale,omitempty"`
}

// DeliveryStatus is the lifecycle state of an outgoing message.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// rank orders the success path so statuses never move backwards.
func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// Advance returns the later of s and next on the success path. A failed
// message only leaves the failed state through a confirmed send.
func (s DeliveryStatus) Advance(next DeliveryStatus) DeliveryStatus {
	if next == StatusFailed {
		if s == StatusSending || s == StatusFailed {
			return StatusFailed
		}
		return s
	}
	if s == StatusFailed || next.rank() > s.rank() {
		return next
	}
	return s
}

// PendingMessage is a locally-visible message that may not be confirmed yet.
type PendingMessage struct {
	Message
	TempID string         `json:"temp_id"`
	Status DeliveryStatus `json:"status"`
	Err    string         `json:"error,omitempty"`
}

// Confirmed reports whether the entry carries a server-assigned id.
func (p *PendingMessage) Confirmed() bool {
	return p.Status != StatusSending && p.Status != StatusFailed
}
