package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/pkg/metrics"
)

// ErrClosed is returned by operations on a closed feed.
var ErrClosed = errors.New("feed closed")

var _ Feed = (*MemoryFeed)(nil)

// MemoryFeed is an in-process broker. Publish blocks while any subscriber's
// buffer is full, so ordering is preserved per subscriber.
type MemoryFeed struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	buffer int
	closed bool
}

// NewMemory creates a broker whose subscriptions buffer up to buffer messages.
func NewMemory(buffer int) *MemoryFeed {
	return &MemoryFeed{
		subs:   make(map[string]map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

func (f *MemoryFeed) Publish(ctx context.Context, msg *model.Message) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}
	for sub := range f.subs[msg.ConversationID] {
		if err := ctx.Err(); err != nil {
			return err
		}
		sub.pipe.Deliver(*msg)
	}
	metrics.FeedEventsTotal.WithLabelValues("memory").Inc()
	return nil
}

func (f *MemoryFeed) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		feed:           f,
		conversationID: conversationID,
		pipe:           NewPipe(f.buffer),
	}
	room := f.subs[conversationID]
	if room == nil {
		room = make(map[*memorySubscription]struct{})
		f.subs[conversationID] = room
	}
	room[sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of attached subscriptions for a conversation.
func (f *MemoryFeed) Subscribers(conversationID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[conversationID])
}

func (f *MemoryFeed) Close() error {
	// Release publishers blocked on full subscribers before taking the write lock.
	f.mu.RLock()
	pending := f.all()
	f.mu.RUnlock()
	for _, sub := range pending {
		sub.pipe.Close()
	}

	f.mu.Lock()
	rest := f.all()
	f.subs = make(map[string]map[*memorySubscription]struct{})
	f.closed = true
	f.mu.Unlock()

	for _, sub := range rest {
		sub.pipe.Close()
	}
	return nil
}

func (f *MemoryFeed) all() []*memorySubscription {
	var subs []*memorySubscription
	for _, room := range f.subs {
		for sub := range room {
			subs = append(subs, sub)
		}
	}
	return subs
}

type memorySubscription struct {
	feed           *MemoryFeed
	conversationID string
	pipe           *Pipe
}

func (s *memorySubscription) Messages() <-chan model.Message {
	return s.pipe.Messages()
}

func (s *memorySubscription) Close() error {
	// Closing the pipe first releases a publisher blocked on this subscriber
	// before the write lock is taken.
	s.pipe.Close()

	s.feed.mu.Lock()
	if room := s.feed.subs[s.conversationID]; room != nil {
		delete(room, s)
		if len(room) == 0 {
			delete(s.feed.subs, s.conversationID)
		}
	}
	s.feed.mu.Unlock()
	return nil
}
