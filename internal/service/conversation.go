// Package service provides the business logic of direct messaging.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/internal/store"
	"github.com/fitcoach/coach-messaging/pkg/logger"
	"github.com/fitcoach/coach-messaging/pkg/metrics"
	"github.com/fitcoach/coach-messaging/pkg/tracing"
)

var tracer = tracing.Tracer("coach-messaging/service")

// resolveTimeout bounds a shared pair resolution.
const resolveTimeout = 10 * time.Second

// newID returns a time-ordered unique id.
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ConversationService resolves and looks up pairwise conversations.
type ConversationService struct {
	store    store.Store
	logger   *logger.Logger
	inflight singleflight.Group
}

// NewConversationService creates a new conversation service.
func NewConversationService(st store.Store, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:  st,
		logger: log.Named("conversations"),
	}
}

type resolution struct {
	id      string
	created bool
}

// ResolveDirect returns the conversation between userA and userB, creating it
// when none exists. The pair is unordered, and concurrent first contact yields
// a single conversation: resolutions of one pair are serialized in-process and
// the store rejects a second row for the same pair key.
func (s *ConversationService) ResolveDirect(ctx context.Context, userA, userB string) (id string, created bool, err error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return "", false, fmt.Errorf("%w: user ids are required", model.ErrInvalidInput)
	}
	if userA == userB {
		return "", false, fmt.Errorf("%w: cannot open a conversation with yourself", model.ErrInvalidOperation)
	}

	ctx, span := tracer.Start(ctx, "ConversationService.ResolveDirect")
	defer span.End()

	// The shared call outlives any single caller, so it runs on a context
	// detached from the leader's cancellation; each caller waits on its own.
	key := model.PairKey(userA, userB)
	leader := false
	ch := s.inflight.DoChan(key, func() (interface{}, error) {
		leader = true
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		return s.resolve(shared, userA, userB, key)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		return "", false, ctx.Err()
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		return "", false, res.Err
	}

	r := res.Val.(resolution)
	span.SetAttributes(
		attribute.String("conversation_id", r.id),
		attribute.Bool("created", r.created && leader),
	)
	return r.id, r.created && leader, nil
}

func (s *ConversationService) resolve(ctx context.Context, userA, userB, key string) (resolution, error) {
	id, err := s.findDirect(ctx, userA, userB)
	if err != nil {
		return resolution{}, err
	}
	if id != "" {
		metrics.ConversationsResolved.WithLabelValues("existing").Inc()
		return resolution{id: id}, nil
	}

	conv := &model.Conversation{ID: newID(), PairKey: key}
	err = s.store.CreateDirectConversation(ctx, conv, [2]string{userA, userB})
	switch {
	case err == nil:
		metrics.ConversationsResolved.WithLabelValues("created").Inc()
		s.logger.Info("conversation created",
			logger.ConversationID(conv.ID),
			zap.String("user_a", userA),
			zap.String("user_b", userB),
		)
		return resolution{id: conv.ID, created: true}, nil

	case errors.Is(err, model.ErrConflict):
		// Another instance created the pair first; its row is the answer.
		metrics.ConversationsResolved.WithLabelValues("conflict").Inc()
		id, err := s.findDirect(ctx, userA, userB)
		if err != nil {
			return resolution{}, err
		}
		if id == "" {
			return resolution{}, fmt.Errorf("failed to load conversation for pair %s: %w", key, model.ErrStoreUnavailable)
		}
		return resolution{id: id}, nil

	default:
		return resolution{}, fmt.Errorf("failed to create conversation: %w", err)
	}
}

// findDirect returns the first pairwise conversation shared by userA and userB, or "".
func (s *ConversationService) findDirect(ctx context.Context, userA, userB string) (string, error) {
	ids, err := s.store.ConversationIDsForUser(ctx, userA)
	if err != nil {
		return "", fmt.Errorf("failed to list conversations: %w", err)
	}
	if len(ids) == 0 {
		return "", nil
	}
	shared, err := s.store.ConversationsWithMember(ctx, ids, userB)
	if err != nil {
		return "", fmt.Errorf("failed to match conversations: %w", err)
	}
	if len(shared) == 0 {
		return "", nil
	}
	return shared[0], nil
}

// Get retrieves a conversation by ID.
func (s *ConversationService) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// RequireParticipant fails with model.ErrNotFound unless userID belongs to the conversation.
func (s *ConversationService) RequireParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	p, err := s.store.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check membership: %w", err)
	}
	return p, nil
}

// PeerOf returns the other participant of a pairwise conversation.
func (s *ConversationService) PeerOf(ctx context.Context, conversationID, userID string) (string, error) {
	participants, err := s.store.ListParticipants(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("failed to list participants: %w", err)
	}
	return peerAmong(participants, userID)
}

func peerAmong(participants []model.Participant, userID string) (string, error) {
	member := false
	peer := ""
	for _, p := range participants {
		if p.UserID == userID {
			member = true
			continue
		}
		peer = p.UserID
	}
	if !member || peer == "" {
		return "", fmt.Errorf("peer of %s: %w", userID, model.ErrNotFound)
	}
	return peer, nil
}
