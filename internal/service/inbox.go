package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/internal/store"
	"github.com/fitcoach/coach-messaging/pkg/logger"
)

// Presence answers whether a user is currently online.
type Presence interface {
	IsOnline(userID string) bool
}

// InboxService builds the conversation list of a user.
type InboxService struct {
	store    store.Store
	messages *MessageService
	presence Presence
	logger   *logger.Logger
}

// NewInboxService creates a new inbox service. presence may be nil, in which
// case every peer is reported offline.
func NewInboxService(st store.Store, messages *MessageService, presence Presence, log *logger.Logger) *InboxService {
	return &InboxService{
		store:    st,
		messages: messages,
		presence: presence,
		logger:   log.Named("inbox"),
	}
}

// ListConversations returns one preview per pairwise conversation of userID,
// most recently active first. The list is recomputed on every call.
func (s *InboxService) ListConversations(ctx context.Context, userID string) ([]model.ConversationPreview, error) {
	ctx, span := tracer.Start(ctx, "InboxService.ListConversations")
	defer span.End()

	ids, err := s.store.ConversationIDsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	previews := make([]model.ConversationPreview, 0, len(ids))
	peers := make([]string, 0, len(ids))
	for _, id := range ids {
		preview, err := s.preview(ctx, id, userID)
		if errors.Is(err, model.ErrNotFound) {
			s.logger.Debug("skipping conversation", logger.ConversationID(id), zap.Error(err))
			continue
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if preview == nil {
			continue
		}
		previews = append(previews, *preview)
		peers = append(peers, preview.PeerID)
	}

	profiles, err := s.store.GetProfiles(ctx, peers)
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	for i := range previews {
		if p, ok := profiles[previews[i].PeerID]; ok {
			previews[i].PeerName = p.DisplayName
			previews[i].PeerAvatarURL = p.AvatarURL
		}
	}

	sort.SliceStable(previews, func(i, j int) bool {
		ai, aj := previews[i].ActivityAt(), previews[j].ActivityAt()
		if ai.Equal(aj) {
			return previews[i].ConversationID < previews[j].ConversationID
		}
		return ai.After(aj)
	})
	return previews, nil
}

// preview returns nil for group conversations.
func (s *InboxService) preview(ctx context.Context, conversationID, userID string) (*model.ConversationPreview, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv.IsGroup {
		return nil, nil
	}

	participants, err := s.store.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	peer, err := peerAmong(participants, userID)
	if err != nil {
		return nil, err
	}
	var self *model.Participant
	for i := range participants {
		if participants[i].UserID == userID {
			self = &participants[i]
		}
	}

	page, err := s.messages.GetRecentMessages(ctx, conversationID, 0, nil)
	if err != nil {
		return nil, err
	}

	preview := &model.ConversationPreview{
		ConversationID: conversationID,
		PeerID:         peer,
		UnreadCount:    CountUnread(self.LastReadAt, userID, page.Messages),
		CreatedAt:      conv.CreatedAt,
	}
	if len(page.Messages) > 0 {
		last := page.Messages[0]
		preview.LastMessage = last.Content
		preview.LastMessageAt = &last.CreatedAt
	}
	if s.presence != nil {
		preview.Online = s.presence.IsOnline(peer)
	}
	return preview, nil
}
