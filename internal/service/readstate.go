package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/internal/store"
	"github.com/fitcoach/coach-messaging/pkg/logger"
)

// ReadStateService owns per-participant read cursors.
type ReadStateService struct {
	store  store.Store
	logger *logger.Logger
}

// NewReadStateService creates a new read state service.
func NewReadStateService(st store.Store, log *logger.Logger) *ReadStateService {
	return &ReadStateService{store: st, logger: log.Named("readstate")}
}

// MarkRead advances the user's read cursor to now. The cursor never moves backwards.
func (s *ReadStateService) MarkRead(ctx context.Context, conversationID, userID string) (time.Time, error) {
	at, err := s.store.AdvanceReadCursor(ctx, conversationID, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to mark read: %w", err)
	}
	s.logger.Debug("conversation marked read",
		logger.ConversationID(conversationID),
		logger.UserID(userID),
		zap.Time("last_read_at", at),
	)
	return at, nil
}

// LastReadAt returns the user's read cursor, nil if never read.
func (s *ReadStateService) LastReadAt(ctx context.Context, conversationID, userID string) (*time.Time, error) {
	p, err := s.store.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get read cursor: %w", err)
	}
	return p.LastReadAt, nil
}

// UnreadCount counts the messages in msgs that userID has not read.
func (s *ReadStateService) UnreadCount(ctx context.Context, conversationID, userID string, msgs []model.Message) (int, error) {
	lastReadAt, err := s.LastReadAt(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return CountUnread(lastReadAt, userID, msgs), nil
}

// CountUnread counts messages newer than lastReadAt authored by someone other
// than userID. System messages never count.
func CountUnread(lastReadAt *time.Time, userID string, msgs []model.Message) int {
	n := 0
	for i := range msgs {
		m := &msgs[i]
		if m.SenderID == nil || *m.SenderID == userID {
			continue
		}
		if lastReadAt == nil || m.CreatedAt.After(*lastReadAt) {
			n++
		}
	}
	return n
}
