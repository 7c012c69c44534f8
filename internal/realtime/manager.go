// Package realtime manages per-conversation change-feed subscriptions.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fitcoach/coach-messaging/internal/feed"
	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/pkg/logger"
	"github.com/fitcoach/coach-messaging/pkg/metrics"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("realtime: manager closed")

// Manager keeps at most one active subscription per conversation. Opening a
// conversation again replaces the previous subscription.
type Manager struct {
	feed   feed.Feed
	logger *logger.Logger

	mu     sync.Mutex
	active map[string]*Subscription
	closed bool
}

// NewManager creates a manager over f.
func NewManager(f feed.Feed, log *logger.Logger) *Manager {
	return &Manager{
		feed:   f,
		logger: log.Named("realtime"),
		active: make(map[string]*Subscription),
	}
}

// Subscription delivers inserted messages of one conversation on C in commit
// order. Messages published before Subscribe returned are not replayed. C is
// closed after Unsubscribe.
type Subscription struct {
	ConversationID string
	C              <-chan model.Message

	manager *Manager
	src     feed.Subscription
	out     chan model.Message
	done    chan struct{}
	once    sync.Once
}

// Subscribe attaches the change feed of a conversation.
func (m *Manager) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	src, err := m.feed.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to conversation %s: %w", conversationID, err)
	}

	out := make(chan model.Message)
	sub := &Subscription{
		ConversationID: conversationID,
		C:              out,
		manager:        m,
		src:            src,
		out:            out,
		done:           make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		src.Close()
		return nil, ErrClosed
	}
	prev := m.active[conversationID]
	m.active[conversationID] = sub
	m.mu.Unlock()

	metrics.RealtimeSubscriptionsActive.Inc()
	if prev != nil {
		m.logger.Debug("replacing conversation subscription", logger.ConversationID(conversationID))
		prev.Unsubscribe()
	}

	go sub.forward()
	return sub, nil
}

// SubscribeFunc calls onInsert for every inserted message until the returned
// function is called. Unsubscribing waits for an in-flight callback, so it
// must not be called from onInsert.
func (m *Manager) SubscribeFunc(ctx context.Context, conversationID string, onInsert func(model.Message)) (unsubscribe func(), err error) {
	sub, err := m.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	stopped := false
	go func() {
		for msg := range sub.C {
			mu.Lock()
			if !stopped {
				onInsert(msg)
			}
			mu.Unlock()
		}
	}()

	return func() {
		sub.Unsubscribe()
		mu.Lock()
		stopped = true
		mu.Unlock()
	}, nil
}

func (s *Subscription) forward() {
	defer close(s.out)
	in := s.src.Messages()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if msg.ConversationID != s.ConversationID {
				continue
			}
			select {
			case s.out <- msg:
			case <-s.done:
				return
			}
		}
	}
}

// Done is closed once Unsubscribe has been called.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe releases the underlying feed subscription. Safe to call repeatedly.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		if err := s.src.Close(); err != nil {
			s.manager.logger.Warn("failed to close feed subscription",
				logger.ConversationID(s.ConversationID),
				zap.Error(err),
			)
		}
		s.manager.release(s)
		metrics.RealtimeSubscriptionsActive.Dec()
	})
}

func (m *Manager) release(sub *Subscription) {
	m.mu.Lock()
	if m.active[sub.ConversationID] == sub {
		delete(m.active, sub.ConversationID)
	}
	m.mu.Unlock()
}

// Active returns the number of open subscriptions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close unsubscribes everything and rejects further subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*Subscription, 0, len(m.active))
	for _, sub := range m.active {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
