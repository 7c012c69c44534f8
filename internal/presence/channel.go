// Package presence tracks which users are currently connected.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fitcoach/coach-messaging/internal/model"
)

// Channel is the shared presence primitive. Members whose last heartbeat is
// older than the channel's TTL are considered gone; that is the only way an
// uncleanly disconnected user leaves the set.
type Channel interface {
	// Track records a heartbeat for member, keeping the first ConnectedAt.
	Track(ctx context.Context, member model.PresenceMember) error
	Untrack(ctx context.Context, userID string) error
	// Members returns the live members.
	Members(ctx context.Context) ([]model.PresenceMember, error)
}

var _ Channel = (*MemoryChannel)(nil)

// MemoryChannel is an in-process Channel.
type MemoryChannel struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	members map[string]model.PresenceMember
}

// NewMemoryChannel creates a channel expiring members after ttl without heartbeat.
func NewMemoryChannel(ttl time.Duration, now func() time.Time) *MemoryChannel {
	if now == nil {
		now = time.Now
	}
	return &MemoryChannel{
		ttl:     ttl,
		now:     now,
		members: make(map[string]model.PresenceMember),
	}
}

func (c *MemoryChannel) Track(ctx context.Context, member model.PresenceMember) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if existing, ok := c.members[member.UserID]; ok && c.live(existing, now) {
		member.ConnectedAt = existing.ConnectedAt
	}
	if member.ConnectedAt.IsZero() {
		member.ConnectedAt = now
	}
	member.LastSeenAt = now
	c.members[member.UserID] = member
	return nil
}

func (c *MemoryChannel) Untrack(ctx context.Context, userID string) error {
	c.mu.Lock()
	delete(c.members, userID)
	c.mu.Unlock()
	return nil
}

func (c *MemoryChannel) Members(ctx context.Context) ([]model.PresenceMember, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]model.PresenceMember, 0, len(c.members))
	for id, m := range c.members {
		if !c.live(m, now) {
			delete(c.members, id)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (c *MemoryChannel) live(m model.PresenceMember, now time.Time) bool {
	return c.ttl <= 0 || now.Sub(m.LastSeenAt) < c.ttl
}
