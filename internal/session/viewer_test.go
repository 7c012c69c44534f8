package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fitcoach/coach-messaging/internal/feed"
	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/internal/realtime"
	"github.com/fitcoach/coach-messaging/internal/service"
	"github.com/fitcoach/coach-messaging/internal/store/memory"
	"github.com/fitcoach/coach-messaging/pkg/logger"
)

// gatedMessages holds Append until the test releases it.
type gatedMessages struct {
	*service.MessageService
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedMessages) Append(ctx context.Context, req *model.AppendMessageRequest) (*model.Message, error) {
	g.entered <- struct{}{}
	<-g.gate
	return g.MessageService.Append(ctx, req)
}

// stallingFeed holds the first Subscribe until release is closed.
type stallingFeed struct {
	*feed.MemoryFeed
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (f *stallingFeed) Subscribe(ctx context.Context, conversationID string) (feed.Subscription, error) {
	first := false
	f.once.Do(func() { first = true })
	if first {
		close(f.entered)
		<-f.release
	}
	return f.MemoryFeed.Subscribe(ctx, conversationID)
}

// countingResolver closes second when ResolveDirect is entered a second time.
type countingResolver struct {
	*service.ConversationService
	mu     sync.Mutex
	calls  int
	second chan struct{}
}

func (r *countingResolver) ResolveDirect(ctx context.Context, userA, userB string) (string, bool, error) {
	r.mu.Lock()
	r.calls++
	if r.calls == 2 {
		close(r.second)
	}
	r.mu.Unlock()
	return r.ConversationService.ResolveDirect(ctx, userA, userB)
}

type env struct {
	store    *memory.Store
	feed     *feed.MemoryFeed
	convs    *service.ConversationService
	messages *service.MessageService
	reads    *service.ReadStateService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := logger.NewNop()
	st := memory.New()
	f := feed.NewMemory(16)
	t.Cleanup(func() { f.Close() })
	return &env{
		store:    st,
		feed:     f,
		convs:    service.NewConversationService(st, log),
		messages: service.NewMessageService(st, f, nil, service.MessageConfig{PageSize: 20, MaxPageSize: 50}, log),
		reads:    service.NewReadStateService(st, log),
	}
}

func (e *env) viewer(t *testing.T, userID string, msgs Messages) *Viewer {
	t.Helper()
	if msgs == nil {
		msgs = e.messages
	}
	m := realtime.NewManager(e.feed, logger.NewNop())
	v := NewViewer(userID, Deps{
		Resolver: e.convs,
		Messages: msgs,
		Reads:    e.reads,
		Realtime: m,
		PageSize: 20,
	}, logger.NewNop())
	t.Cleanup(func() {
		v.Close()
		m.Close()
	})
	return v
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendHelloScenario(t *testing.T) {
	e := newEnv(t)
	gated := &gatedMessages{MessageService: e.messages, entered: make(chan struct{}), gate: make(chan struct{})}
	alice := e.viewer(t, "alice", gated)
	bob := e.viewer(t, "bob", nil)
	ctx := context.Background()

	convA, err := alice.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("alice Open: %v", err)
	}
	convB, err := bob.Open(ctx, "alice")
	if err != nil {
		t.Fatalf("bob Open: %v", err)
	}
	if convA != convB {
		t.Fatalf("viewers opened different conversations: %s vs %s", convA, convB)
	}

	type result struct {
		entry *model.PendingMessage
		err   error
	}
	done := make(chan result, 1)
	go func() {
		entry, err := alice.Send(ctx, "hello")
		done <- result{entry, err}
	}()

	<-gated.entered
	pending := alice.Messages()
	if len(pending) != 1 || pending[0].Status != model.StatusSending || pending[0].Content != "hello" {
		t.Fatalf("expected pending sending entry, got %+v", pending)
	}
	close(gated.gate)

	res := <-done
	if res.err != nil {
		t.Fatalf("Send: %v", res.err)
	}
	if res.entry.Status != model.StatusSent && res.entry.Status != model.StatusDelivered {
		t.Errorf("expected sent, got %s", res.entry.Status)
	}
	if res.entry.ID == res.entry.TempID {
		t.Error("expected server id to replace temp id")
	}

	waitFor(t, "bob to receive the insert", func() bool { return len(bob.Messages()) == 1 })
	time.Sleep(20 * time.Millisecond)
	got := bob.Messages()
	if len(got) != 1 || got[0].Content != "hello" || got[0].ID != res.entry.ID {
		t.Errorf("bob expected exactly one hello, got %+v", got)
	}

	waitFor(t, "alice echo", func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && msgs[0].Status == model.StatusDelivered
	})
	if n := e.store.MessageCount(convA); n != 1 {
		t.Errorf("expected one stored message, got %d", n)
	}
}

func TestOpenMarksReadAndPeerReadAdvancesStatus(t *testing.T) {
	e := newEnv(t)
	alice := e.viewer(t, "alice", nil)
	bob := e.viewer(t, "bob", nil)
	ctx := context.Background()

	convID, _ := alice.Open(ctx, "bob")
	if _, err := alice.Send(ctx, "did you finish the run?"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, err := bob.Open(ctx, "alice"); err != nil {
		t.Fatalf("bob Open: %v", err)
	}
	page, _ := e.messages.GetRecentMessages(ctx, convID, 0, nil)
	n, err := e.reads.UnreadCount(ctx, convID, "bob", page.Messages)
	if err != nil || n != 0 {
		t.Errorf("bob unread after open = %d, %v", n, err)
	}

	if err := alice.RefreshPeerRead(ctx); err != nil {
		t.Fatalf("RefreshPeerRead: %v", err)
	}
	if msgs := alice.Messages(); msgs[0].Status != model.StatusRead {
		t.Errorf("expected read, got %s", msgs[0].Status)
	}
}

func TestSendWithoutOpenConversation(t *testing.T) {
	e := newEnv(t)
	alice := e.viewer(t, "alice", nil)

	if _, err := alice.Send(context.Background(), "hi"); !errors.Is(err, model.ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestOpenSelfFails(t *testing.T) {
	e := newEnv(t)
	alice := e.viewer(t, "alice", nil)

	if _, err := alice.Open(context.Background(), "alice"); !errors.Is(err, model.ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestSwitchingConversationsDropsOldFeed(t *testing.T) {
	e := newEnv(t)
	alice := e.viewer(t, "alice", nil)
	ctx := context.Background()

	first, _ := alice.Open(ctx, "bob")
	second, err := alice.Open(ctx, "carol")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if alice.ConversationID() != second {
		t.Fatalf("expected %s active", second)
	}
	if got := e.feed.Subscribers(first); got != 0 {
		t.Errorf("old conversation still subscribed: %d", got)
	}

	if _, err := e.messages.AppendMessage(ctx, first, "bob", "are you there?"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if msgs := alice.Messages(); len(msgs) != 0 {
		t.Errorf("message from closed conversation leaked into timeline: %+v", msgs)
	}
}

func TestLoadOlderPages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	convID, _, _ := e.convs.ResolveDirect(ctx, "alice", "bob")
	for i := 0; i < 45; i++ {
		e.messages.AppendMessage(ctx, convID, "bob", "rep")
	}

	alice := e.viewer(t, "alice", nil)
	if _, err := alice.Open(ctx, "bob"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n := len(alice.Messages()); n != 20 {
		t.Fatalf("initial page = %d, want 20", n)
	}

	more, err := alice.LoadOlder(ctx)
	if err != nil || !more {
		t.Fatalf("LoadOlder = %v, %v", more, err)
	}
	more, err = alice.LoadOlder(ctx)
	if err != nil || more {
		t.Fatalf("LoadOlder = %v, %v", more, err)
	}
	if n := len(alice.Messages()); n != 45 {
		t.Errorf("loaded %d messages, want 45", n)
	}
	if more, _ := alice.LoadOlder(ctx); more {
		t.Error("expected no more pages")
	}
}

func TestStaleOpenDoesNotEvictNewerSubscription(t *testing.T) {
	e := newEnv(t)
	stalled := &stallingFeed{MemoryFeed: e.feed, entered: make(chan struct{}), release: make(chan struct{})}
	resolver := &countingResolver{ConversationService: e.convs, second: make(chan struct{})}
	m := realtime.NewManager(stalled, logger.NewNop())
	alice := NewViewer("alice", Deps{
		Resolver: resolver,
		Messages: e.messages,
		Reads:    e.reads,
		Realtime: m,
		PageSize: 20,
	}, logger.NewNop())
	t.Cleanup(func() {
		alice.Close()
		m.Close()
	})
	ctx := context.Background()

	type result struct {
		id  string
		err error
	}
	first := make(chan result, 1)
	go func() {
		id, err := alice.Open(ctx, "bob")
		first <- result{id, err}
	}()
	<-stalled.entered

	second := make(chan result, 1)
	go func() {
		id, err := alice.Open(ctx, "bob")
		second <- result{id, err}
	}()
	<-resolver.second
	close(stalled.release)

	if r := <-first; !errors.Is(r.err, ErrSuperseded) {
		t.Errorf("stale Open: expected ErrSuperseded, got %q, %v", r.id, r.err)
	}
	r := <-second
	if r.err != nil {
		t.Fatalf("Open: %v", r.err)
	}
	if alice.ConversationID() != r.id {
		t.Fatalf("expected %s to be open, got %q", r.id, alice.ConversationID())
	}

	if _, err := e.messages.AppendMessage(ctx, r.id, "bob", "are you there?"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	waitFor(t, "alice to receive the insert", func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && msgs[0].Content == "are you there?"
	})
	waitFor(t, "one feed subscription", func() bool { return e.feed.Subscribers(r.id) == 1 })
	if n := m.Active(); n != 1 {
		t.Errorf("expected 1 active subscription, got %d", n)
	}
}
