// Package memory provides an in-process implementation of store.Store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/internal/store"
)

var _ store.Store = (*Store)(nil)

type participantKey struct {
	conversationID string
	userID         string
}

// clientKey scopes a client id to one sender in one conversation.
type clientKey struct {
	conversationID string
	senderID       string
	clientID       string
}

// Store keeps all rows in maps guarded by a single mutex.
type Store struct {
	mu sync.RWMutex

	now         func() time.Time
	unavailable bool

	conversations map[string]*model.Conversation
	pairKeys      map[string]string
	participants  map[participantKey]*model.Participant
	userConvs     map[string][]string
	messages      map[string][]model.Message // conversationID -> oldest first
	clientIDs     map[clientKey]model.Message
	profiles      map[string]model.Profile
	seq           int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for server-assigned timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:           time.Now,
		conversations: make(map[string]*model.Conversation),
		pairKeys:      make(map[string]string),
		participants:  make(map[participantKey]*model.Participant),
		userConvs:     make(map[string][]string),
		messages:      make(map[string][]model.Message),
		clientIDs:     make(map[clientKey]model.Message),
		profiles:      make(map[string]model.Profile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetUnavailable makes every operation fail with model.ErrStoreUnavailable while set.
func (s *Store) SetUnavailable(down bool) {
	s.mu.Lock()
	s.unavailable = down
	s.mu.Unlock()
}

// PutProfile registers a peer profile.
func (s *Store) PutProfile(p model.Profile) {
	s.mu.Lock()
	s.profiles[p.UserID] = p
	s.mu.Unlock()
}

// ConversationCount returns the number of stored conversations.
func (s *Store) ConversationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// MessageCount returns the number of stored messages in a conversation.
func (s *Store) MessageCount(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[conversationID])
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	if s.unavailable {
		return fmt.Errorf("%w: memory store offline", model.ErrStoreUnavailable)
	}
	return nil
}

func (s *Store) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	ids := make([]string, len(s.userConvs[userID]))
	copy(ids, s.userConvs[userID])
	return ids, nil
}

func (s *Store) ConversationsWithMember(ctx context.Context, ids []string, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var matched []string
	for _, id := range ids {
		conv, ok := s.conversations[id]
		if !ok || conv.IsGroup {
			continue
		}
		if _, ok := s.participants[participantKey{id, userID}]; ok {
			matched = append(matched, id)
		}
	}
	return matched, nil
}

func (s *Store) CreateDirectConversation(ctx context.Context, conv *model.Conversation, members [2]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.conversations[conv.ID]; ok {
		return fmt.Errorf("%w: conversation %s exists", model.ErrConflict, conv.ID)
	}
	if conv.PairKey != "" {
		if _, ok := s.pairKeys[conv.PairKey]; ok {
			return fmt.Errorf("%w: pair %s already has a conversation", model.ErrConflict, conv.PairKey)
		}
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now()
	}

	stored := *conv
	s.conversations[conv.ID] = &stored
	if conv.PairKey != "" {
		s.pairKeys[conv.PairKey] = conv.ID
	}
	for _, userID := range members {
		s.participants[participantKey{conv.ID, userID}] = &model.Participant{
			ConversationID: conv.ID,
			UserID:         userID,
		}
		s.userConvs[userID] = append(s.userConvs[userID], conv.ID)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
	}
	c := *conv
	return &c, nil
}

func (s *Store) ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	var out []model.Participant
	for key, p := range s.participants {
		if key.conversationID == conversationID {
			out = append(out, copyParticipant(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	p, ok := s.participants[participantKey{conversationID, userID}]
	if !ok {
		return nil, fmt.Errorf("participant %s in %s: %w", userID, conversationID, model.ErrNotFound)
	}
	cp := copyParticipant(p)
	return &cp, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg *model.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return false, fmt.Errorf("conversation %s: %w", msg.ConversationID, model.ErrNotFound)
	}

	var ck clientKey
	if msg.ClientID != "" && msg.SenderID != nil {
		ck = clientKey{msg.ConversationID, *msg.SenderID, msg.ClientID}
		if existing, ok := s.clientIDs[ck]; ok {
			*msg = existing
			return false, nil
		}
	}

	// Timestamps never run backwards within a conversation.
	createdAt := s.now()
	history := s.messages[msg.ConversationID]
	if n := len(history); n > 0 && createdAt.Before(history[n-1].CreatedAt) {
		createdAt = history[n-1].CreatedAt
	}
	s.seq++
	msg.Seq = s.seq
	msg.CreatedAt = createdAt

	s.messages[msg.ConversationID] = append(history, *msg)
	if ck.clientID != "" {
		s.clientIDs[ck] = *msg
	}
	return true, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, before *model.PageCursor, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	history := s.messages[conversationID]
	out := make([]model.Message, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		if before.Admits(&history[i]) {
			out = append(out, history[i])
		}
	}
	return out, nil
}

func (s *Store) AdvanceReadCursor(ctx context.Context, conversationID, userID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return time.Time{}, err
	}
	p, ok := s.participants[participantKey{conversationID, userID}]
	if !ok {
		return time.Time{}, fmt.Errorf("participant %s in %s: %w", userID, conversationID, model.ErrNotFound)
	}
	now := s.now()
	if p.LastReadAt == nil || now.After(*p.LastReadAt) {
		p.LastReadAt = &now
	}
	return *p.LastReadAt, nil
}

func (s *Store) GetProfiles(ctx context.Context, userIDs []string) (map[string]model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]model.Profile, len(userIDs))
	for _, id := range userIDs {
		if p, ok := s.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(ctx)
}

func (s *Store) Close() error {
	return nil
}

func copyParticipant(p *model.Participant) model.Participant {
	cp := *p
	if p.LastReadAt != nil {
		t := *p.LastReadAt
		cp.LastReadAt = &t
	}
	return cp
}
