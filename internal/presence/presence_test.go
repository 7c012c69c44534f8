package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryChannelExpiresWithoutHeartbeat(t *testing.T) {
	clock := newFakeClock()
	ch := NewMemoryChannel(45*time.Second, clock.Now)
	ctx := context.Background()

	if err := ch.Track(ctx, model.PresenceMember{UserID: "u1"}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	connected := clock.Now()

	clock.Advance(30 * time.Second)
	if err := ch.Track(ctx, model.PresenceMember{UserID: "u1"}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	members, _ := ch.Members(ctx)
	if len(members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(members))
	}
	if !members[0].ConnectedAt.Equal(connected) {
		t.Errorf("heartbeat must keep connected_at, got %v want %v", members[0].ConnectedAt, connected)
	}

	clock.Advance(46 * time.Second)
	members, _ = ch.Members(ctx)
	if len(members) != 0 {
		t.Errorf("expected member to expire, got %v", members)
	}
}

func TestMemoryChannelUntrack(t *testing.T) {
	ch := NewMemoryChannel(time.Minute, nil)
	ctx := context.Background()

	_ = ch.Track(ctx, model.PresenceMember{UserID: "u1"})
	_ = ch.Track(ctx, model.PresenceMember{UserID: "u2"})
	_ = ch.Untrack(ctx, "u1")

	members, _ := ch.Members(ctx)
	if len(members) != 1 || members[0].UserID != "u2" {
		t.Errorf("unexpected members %v", members)
	}
}

func TestTrackerJoinAndSync(t *testing.T) {
	ch := NewMemoryChannel(time.Minute, nil)
	tr := NewTracker(ch, Config{}, logger.NewNop())
	defer tr.Close()
	ctx := context.Background()

	updates, cancel := tr.Subscribe()
	defer cancel()

	if initial := <-updates; len(initial) != 0 {
		t.Fatalf("expected empty initial set, got %v", initial.IDs())
	}

	leave, err := tr.Join(ctx, "u1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := tr.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	select {
	case set := <-updates:
		if !set.Equal(model.NewOnlineSet("u1")) {
			t.Errorf("unexpected set %v", set.IDs())
		}
	case <-time.After(time.Second):
		t.Fatal("no presence update delivered")
	}
	if !tr.IsOnline("u1") {
		t.Error("expected u1 online")
	}

	leave()
	leave()
	if _, err := tr.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if tr.IsOnline("u1") {
		t.Error("expected u1 offline after leave")
	}
}

func TestTrackerRefcountsJoins(t *testing.T) {
	ch := NewMemoryChannel(time.Minute, nil)
	tr := NewTracker(ch, Config{}, logger.NewNop())
	defer tr.Close()
	ctx := context.Background()

	leave1, _ := tr.Join(ctx, "u1")
	leave2, _ := tr.Join(ctx, "u1")

	leave1()
	tr.Sync(ctx)
	if !tr.IsOnline("u1") {
		t.Fatal("user with a remaining connection must stay online")
	}

	leave2()
	tr.Sync(ctx)
	if tr.IsOnline("u1") {
		t.Error("expected u1 offline after last leave")
	}
}

func TestTrackerSubscriberKeepsLatest(t *testing.T) {
	ch := NewMemoryChannel(time.Minute, nil)
	tr := NewTracker(ch, Config{}, logger.NewNop())
	defer tr.Close()
	ctx := context.Background()

	updates, cancel := tr.Subscribe()
	defer cancel()

	_, _ = tr.Join(ctx, "u1")
	tr.Sync(ctx)
	_, _ = tr.Join(ctx, "u2")
	tr.Sync(ctx)

	set := <-updates
	if !set.Equal(model.NewOnlineSet("u1", "u2")) {
		t.Errorf("expected latest set, got %v", set.IDs())
	}
}

type failingChannel struct {
	*MemoryChannel
}

func (c *failingChannel) Members(ctx context.Context) ([]model.PresenceMember, error) {
	return nil, errors.New("channel down")
}

func TestTrackerSyncFailureKeepsLastSet(t *testing.T) {
	ch := &failingChannel{MemoryChannel: NewMemoryChannel(time.Minute, nil)}
	tr := NewTracker(ch, Config{}, logger.NewNop())
	defer tr.Close()

	if _, err := tr.Sync(context.Background()); err == nil {
		t.Fatal("expected sync error")
	}
	if len(tr.Online()) != 0 {
		t.Error("expected empty online set")
	}
}

func TestTrackerCloseUntracksAndClosesSubscribers(t *testing.T) {
	ch := NewMemoryChannel(time.Minute, nil)
	tr := NewTracker(ch, Config{HeartbeatInterval: 10 * time.Millisecond, SyncInterval: 10 * time.Millisecond}, logger.NewNop())
	tr.Start(context.Background())

	_, _ = tr.Join(context.Background(), "u1")
	updates, cancel := tr.Subscribe()
	defer cancel()

	tr.Close()

	for range updates {
	}
	members, _ := ch.Members(context.Background())
	if len(members) != 0 {
		t.Errorf("expected channel empty after close, got %v", members)
	}
}
