package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fitcoach/coach-messaging/internal/cache"
	"github.com/fitcoach/coach-messaging/internal/feed"
	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/internal/store"
	"github.com/fitcoach/coach-messaging/pkg/logger"
	"github.com/fitcoach/coach-messaging/pkg/metrics"
)

// MessageConfig bounds message pages.
type MessageConfig struct {
	PageSize    int
	MaxPageSize int

	// CacheTTL is how long the newest page stays usable as a stale fallback.
	CacheTTL time.Duration
}

// MessageService appends and pages messages.
type MessageService struct {
	store  store.Store
	feed   feed.Feed
	cache  cache.Cache
	cfg    MessageConfig
	logger *logger.Logger
}

// NewMessageService creates a new message service. The feed and cache are optional.
func NewMessageService(st store.Store, f feed.Feed, c cache.Cache, cfg MessageConfig, log *logger.Logger) *MessageService {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.MaxPageSize < cfg.PageSize {
		cfg.MaxPageSize = cfg.PageSize
	}
	return &MessageService{
		store:  st,
		feed:   f,
		cache:  c,
		cfg:    cfg,
		logger: log.Named("messages"),
	}
}

// AppendMessage persists a message from senderID.
func (s *MessageService) AppendMessage(ctx context.Context, conversationID, senderID, content string) (*model.Message, error) {
	return s.Append(ctx, &model.AppendMessageRequest{
		ConversationID: conversationID,
		SenderID:       &senderID,
		Content:        content,
	})
}

// Append persists a message and publishes it to the change feed. A nil
// SenderID appends a system message. Appending again with the same sender and
// client id returns the row stored the first time.
func (s *MessageService) Append(ctx context.Context, req *model.AppendMessageRequest) (*model.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: message content is empty", model.ErrInvalidInput)
	}
	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", model.ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "MessageService.Append")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", req.ConversationID))

	kind := "system"
	if req.SenderID != nil {
		kind = "user"
		if _, err := s.store.GetParticipant(ctx, req.ConversationID, *req.SenderID); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to check sender: %w", err)
		}
	}

	msg := &model.Message{
		ID:             newID(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		ClientID:       req.ClientID,
	}
	inserted, err := s.store.InsertMessage(ctx, msg)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	if !inserted {
		s.logger.Debug("duplicate append resolved to existing message",
			logger.MessageID(msg.ID),
			zap.String("client_id", msg.ClientID),
		)
		return msg, nil
	}

	metrics.MessagesTotal.WithLabelValues(kind).Inc()
	s.invalidateRecent(ctx, msg.ConversationID)

	if s.feed != nil {
		if err := s.feed.Publish(ctx, msg); err != nil {
			// The row is committed; subscribers catch up on their next page load.
			s.logger.Warn("failed to publish message",
				logger.ConversationID(msg.ConversationID),
				logger.MessageID(msg.ID),
				zap.Error(err),
			)
		}
	}
	return msg, nil
}

// GetRecentMessages returns up to limit messages strictly older than before,
// newest first. Without a cursor it returns the newest page, which is served
// from cache flagged Stale when the store is unavailable.
func (s *MessageService) GetRecentMessages(ctx context.Context, conversationID string, limit int, before *model.PageCursor) (*model.MessagePage, error) {
	limit = s.clampLimit(limit)

	msgs, err := s.store.ListMessages(ctx, conversationID, before, limit+1)
	if err != nil {
		if before == nil && errors.Is(err, model.ErrStoreUnavailable) {
			if page, ok := s.cachedRecent(ctx, conversationID, limit); ok {
				metrics.StoreFallbackTotal.Inc()
				s.logger.Warn("serving cached messages during store outage",
					logger.ConversationID(conversationID),
					zap.Error(err),
				)
				return page, nil
			}
		}
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	page := &model.MessagePage{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.HasMore = true
		page.NextCursor = model.CursorAfter(&page.Messages[limit-1])
	}

	if before == nil {
		s.cacheRecent(ctx, conversationID, page)
	}
	return page, nil
}

func (s *MessageService) clampLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.PageSize
	}
	if limit > s.cfg.MaxPageSize {
		return s.cfg.MaxPageSize
	}
	return limit
}

func (s *MessageService) cacheRecent(ctx context.Context, conversationID string, page *model.MessagePage) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(page)
	if err != nil {
		s.logger.Warn("failed to encode message page", zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, cache.RecentMessagesKey(conversationID), string(data), s.cfg.CacheTTL); err != nil {
		s.logger.Debug("failed to cache recent messages", logger.ConversationID(conversationID), zap.Error(err))
	}
}

func (s *MessageService) cachedRecent(ctx context.Context, conversationID string, limit int) (*model.MessagePage, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, err := s.cache.Get(ctx, cache.RecentMessagesKey(conversationID))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Debug("cache read failed", logger.ConversationID(conversationID), zap.Error(err))
		}
		return nil, false
	}

	var page model.MessagePage
	if err := json.Unmarshal([]byte(data), &page); err != nil {
		s.logger.Warn("dropping undecodable cached page", logger.ConversationID(conversationID), zap.Error(err))
		return nil, false
	}
	if len(page.Messages) > limit {
		page.Messages = page.Messages[:limit]
		page.HasMore = true
		page.NextCursor = model.CursorAfter(&page.Messages[limit-1])
	}
	page.Stale = true
	return &page, true
}

func (s *MessageService) invalidateRecent(ctx context.Context, conversationID string) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.Del(ctx, cache.RecentMessagesKey(conversationID)); err != nil {
		s.logger.Debug("failed to invalidate recent messages", logger.ConversationID(conversationID), zap.Error(err))
	}
}
