// Package store defines the durable store capability used by the messaging core.
package store

import (
	"context"
	"time"

	"github.com/fitcoach/coach-messaging/internal/model"
)

// Store persists conversations, participants and messages.
//
// Implementations return model.ErrNotFound for absent rows, model.ErrConflict
// for uniqueness violations and wrap transport failures in model.ErrStoreUnavailable.
type Store interface {
	// ConversationIDsForUser returns every conversation userID participates in.
	ConversationIDsForUser(ctx context.Context, userID string) ([]string, error)

	// ConversationsWithMember filters ids down to non-group conversations that userID is part of.
	ConversationsWithMember(ctx context.Context, ids []string, userID string) ([]string, error)

	// CreateDirectConversation inserts conv and one participant row per member atomically.
	// A second conversation with the same pair key fails with model.ErrConflict.
	CreateDirectConversation(ctx context.Context, conv *model.Conversation, members [2]string) error

	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error)
	GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error)

	// InsertMessage assigns CreatedAt and Seq. When msg.ClientID is set and a message
	// from the same sender with that client id exists, the existing row is loaded
	// into msg and inserted is false.
	InsertMessage(ctx context.Context, msg *model.Message) (inserted bool, err error)

	// ListMessages returns up to limit messages admitted by before, newest first.
	ListMessages(ctx context.Context, conversationID string, before *model.PageCursor, limit int) ([]model.Message, error)

	// AdvanceReadCursor sets lastReadAt to max(lastReadAt, now) and returns the result.
	AdvanceReadCursor(ctx context.Context, conversationID, userID string) (time.Time, error)

	// GetProfiles returns the known profiles among userIDs; unknown ids are omitted.
	GetProfiles(ctx context.Context, userIDs []string) (map[string]model.Profile, error)

	Ping(ctx context.Context) error
	Close() error
}
