package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fitcoach/coach-messaging/internal/cache"
	"github.com/fitcoach/coach-messaging/internal/feed"
	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/internal/store"
	"github.com/fitcoach/coach-messaging/internal/store/memory"
	"github.com/fitcoach/coach-messaging/pkg/logger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store    *memory.Store
	feed     *feed.MemoryFeed
	cache    *cache.MemoryCache
	clock    *clock
	convs    *ConversationService
	messages *MessageService
	reads    *ReadStateService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := newClock()
	st := memory.New(memory.WithClock(clk.Now))
	f := feed.NewMemory(16)
	c := cache.NewMemory()
	log := logger.NewNop()
	t.Cleanup(func() { f.Close() })
	return &fixture{
		store:    st,
		feed:     f,
		cache:    c,
		clock:    clk,
		convs:    NewConversationService(st, log),
		messages: NewMessageService(st, f, c, MessageConfig{PageSize: 50, MaxPageSize: 100, CacheTTL: time.Minute}, log),
		reads:    NewReadStateService(st, log),
	}
}

func (fx *fixture) resolve(t *testing.T, a, b string) string {
	t.Helper()
	id, _, err := fx.convs.ResolveDirect(context.Background(), a, b)
	if err != nil {
		t.Fatalf("ResolveDirect(%s, %s): %v", a, b, err)
	}
	return id
}

func TestResolveDirectValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		a, b string
		want error
	}{
		{"same user", "coach", "coach", model.ErrInvalidOperation},
		{"empty peer", "coach", " ", model.ErrInvalidInput},
		{"empty user", "", "athlete", model.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := fx.convs.ResolveDirect(ctx, tt.a, tt.b)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if n := fx.store.ConversationCount(); n != 0 {
		t.Errorf("expected no conversations, got %d", n)
	}
}

func TestResolveDirectIsSymmetric(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, created, err := fx.convs.ResolveDirect(ctx, "coach", "athlete")
	if err != nil {
		t.Fatalf("ResolveDirect: %v", err)
	}
	if !created {
		t.Error("expected first resolution to create")
	}

	for _, pair := range [][2]string{{"coach", "athlete"}, {"athlete", "coach"}} {
		got, created, err := fx.convs.ResolveDirect(ctx, pair[0], pair[1])
		if err != nil {
			t.Fatalf("ResolveDirect: %v", err)
		}
		if got != id {
			t.Errorf("ResolveDirect(%s, %s) = %s, want %s", pair[0], pair[1], got, id)
		}
		if created {
			t.Error("expected existing conversation to be reused")
		}
	}

	participants, err := fx.store.ListParticipants(ctx, id)
	if err != nil {
		t.Fatalf("ListParticipants: %v", err)
	}
	if len(participants) != 2 {
		t.Errorf("expected 2 participants, got %d", len(participants))
	}
}

func TestResolveDirectConcurrentFirstContact(t *testing.T) {
	fx := newFixture(t)
	// A second service instance shares the store but not the in-process serialization.
	other := NewConversationService(fx.store, logger.NewNop())

	const callers = 32
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc, a, b := fx.convs, "coach", "athlete"
			if i%2 == 1 {
				svc, a, b = other, "athlete", "coach"
			}
			ids[i], _, errs[i] = svc.ResolveDirect(context.Background(), a, b)
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d resolved %s, caller 0 resolved %s", i, ids[i], ids[0])
		}
	}
	if n := fx.store.ConversationCount(); n != 1 {
		t.Errorf("expected exactly 1 conversation, got %d", n)
	}
}

func TestResolveDirectStoreUnavailable(t *testing.T) {
	fx := newFixture(t)
	fx.store.SetUnavailable(true)

	_, _, err := fx.convs.ResolveDirect(context.Background(), "coach", "athlete")
	if !errors.Is(err, model.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestResolveDirectIDsContainingSeparator(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, created, err := fx.convs.ResolveDirect(ctx, "a:b", "c")
	if err != nil || !created {
		t.Fatalf("ResolveDirect(a:b, c) = %v, %v", created, err)
	}
	second, created, err := fx.convs.ResolveDirect(ctx, "a", "b:c")
	if err != nil || !created {
		t.Fatalf("ResolveDirect(a, b:c) = %v, %v", created, err)
	}
	if first == second {
		t.Errorf("distinct pairs resolved to the same conversation %s", first)
	}
	if n := fx.store.ConversationCount(); n != 2 {
		t.Errorf("expected 2 conversations, got %d", n)
	}
}

// gatedStore blocks the first conversation lookup until release is closed.
type gatedStore struct {
	store.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(inner store.Store) *gatedStore {
	return &gatedStore{Store: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Store.ConversationIDsForUser(ctx, userID)
}

func TestResolveDirectSurvivesCanceledLeader(t *testing.T) {
	fx := newFixture(t)
	gated := newGatedStore(fx.store)
	svc := NewConversationService(gated, logger.NewNop())

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := svc.ResolveDirect(leaderCtx, "coach", "athlete")
		leaderErr <- err
	}()
	<-gated.entered

	type result struct {
		id      string
		created bool
		err     error
	}
	follower := make(chan result, 1)
	go func() {
		id, created, err := svc.ResolveDirect(context.Background(), "athlete", "coach")
		follower <- result{id, created, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-leaderErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("leader: expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("canceled leader did not return")
	}

	close(gated.release)
	select {
	case r := <-follower:
		if r.err != nil {
			t.Fatalf("follower: %v", r.err)
		}
		if r.id == "" {
			t.Error("follower got an empty conversation id")
		}
	case <-time.After(time.Second):
		t.Fatal("follower did not return")
	}
	if n := fx.store.ConversationCount(); n != 1 {
		t.Errorf("expected 1 conversation, got %d", n)
	}
}

func TestPeerOf(t *testing.T) {
	fx := newFixture(t)
	id := fx.resolve(t, "coach", "athlete")

	peer, err := fx.convs.PeerOf(context.Background(), id, "coach")
	if err != nil || peer != "athlete" {
		t.Errorf("PeerOf = %q, %v", peer, err)
	}
	if _, err := fx.convs.PeerOf(context.Background(), id, "stranger"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for outsider, got %v", err)
	}
}

func TestAppendMessageRejectsBlankContent(t *testing.T) {
	fx := newFixture(t)
	id := fx.resolve(t, "coach", "athlete")

	for _, content := range []string{"", "   ", "\n\t"} {
		_, err := fx.messages.AppendMessage(context.Background(), id, "coach", content)
		if !errors.Is(err, model.ErrInvalidInput) {
			t.Errorf("content %q: expected ErrInvalidInput, got %v", content, err)
		}
	}
	if n := fx.store.MessageCount(id); n != 0 {
		t.Errorf("expected no messages, got %d", n)
	}
}

func TestAppendMessageRequiresParticipant(t *testing.T) {
	fx := newFixture(t)
	id := fx.resolve(t, "coach", "athlete")

	_, err := fx.messages.AppendMessage(context.Background(), id, "stranger", "hi")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendMessagePublishesInsert(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := fx.resolve(t, "coach", "athlete")

	sub, err := fx.feed.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	msg, err := fx.messages.AppendMessage(ctx, id, "coach", "hello")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() || msg.Seq == 0 {
		t.Errorf("expected server-assigned fields, got %+v", msg)
	}

	select {
	case got := <-sub.Messages():
		if got.ID != msg.ID || got.Content != "hello" {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no insert event")
	}
}

func TestAppendIsIdempotentPerClientID(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := fx.resolve(t, "coach", "athlete")
	sender := "coach"

	req := &model.AppendMessageRequest{ConversationID: id, SenderID: &sender, Content: "hello", ClientID: "tmp-1"}
	first, err := fx.messages.Append(ctx, req)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := fx.messages.Append(ctx, req)
	if err != nil {
		t.Fatalf("Append retry: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("retry created a new message: %s != %s", first.ID, second.ID)
	}
	if n := fx.store.MessageCount(id); n != 1 {
		t.Errorf("expected 1 message, got %d", n)
	}
}

func TestAppendClientIDScopedToConversation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	withAthlete := fx.resolve(t, "coach", "athlete")
	withOther := fx.resolve(t, "coach", "other")
	sender := "coach"

	first, err := fx.messages.Append(ctx, &model.AppendMessageRequest{ConversationID: withAthlete, SenderID: &sender, Content: "hello athlete", ClientID: "c1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := fx.messages.Append(ctx, &model.AppendMessageRequest{ConversationID: withOther, SenderID: &sender, Content: "hello other", ClientID: "c1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if first.ID == second.ID {
		t.Fatalf("client id reuse returned the other conversation's message %s", first.ID)
	}
	if second.ConversationID != withOther || second.Content != "hello other" {
		t.Errorf("expected new message in %s, got %+v", withOther, second)
	}
	for _, id := range []string{withAthlete, withOther} {
		if n := fx.store.MessageCount(id); n != 1 {
			t.Errorf("conversation %s: expected 1 message, got %d", id, n)
		}
	}
}

func TestAppendSystemMessage(t *testing.T) {
	fx := newFixture(t)
	id := fx.resolve(t, "coach", "athlete")

	msg, err := fx.messages.Append(context.Background(), &model.AppendMessageRequest{ConversationID: id, Content: "Program updated"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if msg.SenderID != nil {
		t.Errorf("expected system message, got sender %q", *msg.SenderID)
	}
}

func TestGetRecentMessagesOrderAndPaging(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := fx.resolve(t, "coach", "athlete")

	// Two messages share a timestamp; seq breaks the tie.
	for i := 0; i < 5; i++ {
		if i != 2 {
			fx.clock.Advance(time.Second)
		}
		if _, err := fx.messages.AppendMessage(ctx, id, "coach", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	var got []string
	var cursor *model.PageCursor
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("paging did not terminate")
		}
		page, err := fx.messages.GetRecentMessages(ctx, id, 2, cursor)
		if err != nil {
			t.Fatalf("GetRecentMessages: %v", err)
		}
		for i := 1; i < len(page.Messages); i++ {
			if page.Messages[i-1].CreatedAt.Before(page.Messages[i].CreatedAt) {
				t.Errorf("page not newest first: %v", page.Messages)
			}
		}
		for _, m := range page.Messages {
			got = append(got, m.Content)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	want := []string{"m4", "m3", "m2", "m1", "m0"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestGetRecentMessagesClampsLimit(t *testing.T) {
	fx := newFixture(t)
	fx.messages = NewMessageService(fx.store, nil, nil, MessageConfig{PageSize: 2, MaxPageSize: 3}, logger.NewNop())
	ctx := context.Background()
	id := fx.resolve(t, "coach", "athlete")
	for i := 0; i < 5; i++ {
		fx.messages.AppendMessage(ctx, id, "athlete", "x")
	}

	page, _ := fx.messages.GetRecentMessages(ctx, id, 0, nil)
	if len(page.Messages) != 2 {
		t.Errorf("default limit: got %d messages", len(page.Messages))
	}
	page, _ = fx.messages.GetRecentMessages(ctx, id, 50, nil)
	if len(page.Messages) != 3 {
		t.Errorf("max limit: got %d messages", len(page.Messages))
	}
}

func TestGetRecentMessagesFallsBackToCache(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := fx.resolve(t, "coach", "athlete")
	fx.messages.AppendMessage(ctx, id, "coach", "hello")
	fx.messages.AppendMessage(ctx, id, "athlete", "hi coach")

	if _, err := fx.messages.GetRecentMessages(ctx, id, 0, nil); err != nil {
		t.Fatalf("GetRecentMessages: %v", err)
	}

	fx.store.SetUnavailable(true)
	page, err := fx.messages.GetRecentMessages(ctx, id, 0, nil)
	if err != nil {
		t.Fatalf("expected cached page, got %v", err)
	}
	if !page.Stale || len(page.Messages) != 2 || page.Messages[0].Content != "hi coach" {
		t.Errorf("unexpected fallback page %+v", page)
	}

	_, err = fx.messages.GetRecentMessages(ctx, id, 0, &model.PageCursor{Before: time.Now()})
	if !errors.Is(err, model.ErrStoreUnavailable) {
		t.Errorf("cursor reads must not fall back, got %v", err)
	}
}

func TestAppendInvalidatesCachedPage(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := fx.resolve(t, "coach", "athlete")
	fx.messages.AppendMessage(ctx, id, "coach", "hello")
	fx.messages.GetRecentMessages(ctx, id, 0, nil)

	fx.messages.AppendMessage(ctx, id, "athlete", "hi")
	if _, err := fx.cache.Get(ctx, cache.RecentMessagesKey(id)); !errors.Is(err, cache.ErrMiss) {
		t.Errorf("expected cache miss after append, got %v", err)
	}
}

func TestMarkReadIsMonotonic(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := fx.resolve(t, "coach", "athlete")

	first, err := fx.reads.MarkRead(ctx, id, "coach")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	fx.clock.Set(first.Add(-time.Hour))
	second, err := fx.reads.MarkRead(ctx, id, "coach")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if second.Before(first) {
		t.Errorf("read cursor moved backwards: %v < %v", second, first)
	}
}

func TestUnreadCountZeroAfterMarkRead(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := fx.resolve(t, "coach", "athlete")

	for _, content := range []string{"one", "two", "three"} {
		fx.clock.Advance(time.Second)
		fx.messages.AppendMessage(ctx, id, "athlete", content)
	}
	page, _ := fx.messages.GetRecentMessages(ctx, id, 0, nil)

	n, err := fx.reads.UnreadCount(ctx, id, "coach", page.Messages)
	if err != nil || n != 3 {
		t.Fatalf("UnreadCount before read = %d, %v", n, err)
	}

	if _, err := fx.reads.MarkRead(ctx, id, "coach"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	n, err = fx.reads.UnreadCount(ctx, id, "coach", page.Messages)
	if err != nil || n != 0 {
		t.Errorf("UnreadCount after read = %d, %v", n, err)
	}
}

func TestCountUnread(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	coach, athlete := "coach", "athlete"
	msgs := []model.Message{
		{SenderID: &athlete, CreatedAt: base.Add(3 * time.Second)},
		{SenderID: &coach, CreatedAt: base.Add(2 * time.Second)},
		{SenderID: nil, CreatedAt: base.Add(2 * time.Second)},
		{SenderID: &athlete, CreatedAt: base},
	}
	cursor := base

	tests := []struct {
		name       string
		lastReadAt *time.Time
		want       int
	}{
		{"never read", nil, 2},
		{"read up to first", &cursor, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CountUnread(tt.lastReadAt, coach, msgs); got != tt.want {
				t.Errorf("CountUnread = %d, want %d", got, tt.want)
			}
		})
	}
}

type staticPresence map[string]bool

func (p staticPresence) IsOnline(userID string) bool { return p[userID] }

func TestListConversations(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	inbox := NewInboxService(fx.store, fx.messages, staticPresence{"ana": true}, logger.NewNop())

	fx.store.PutProfile(model.Profile{UserID: "ana", DisplayName: "Ana", AvatarURL: "https://img/ana.png"})

	quiet := fx.resolve(t, "coach", "ben")
	fx.clock.Advance(time.Minute)
	busy := fx.resolve(t, "coach", "ana")
	fx.clock.Advance(time.Minute)
	fx.messages.AppendMessage(ctx, quiet, "ben", "first")
	fx.clock.Advance(time.Minute)
	fx.messages.AppendMessage(ctx, busy, "ana", "done with set 3")

	previews, err := inbox.ListConversations(ctx, "coach")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(previews) != 2 {
		t.Fatalf("expected 2 previews, got %d", len(previews))
	}

	top := previews[0]
	if top.ConversationID != busy || top.PeerName != "Ana" || !top.Online || top.UnreadCount != 1 || top.LastMessage != "done with set 3" {
		t.Errorf("unexpected top preview %+v", top)
	}
	if previews[1].ConversationID != quiet || previews[1].PeerName != "" || previews[1].Online {
		t.Errorf("unexpected second preview %+v", previews[1])
	}
}

func TestListConversationsEmpty(t *testing.T) {
	fx := newFixture(t)
	inbox := NewInboxService(fx.store, fx.messages, nil, logger.NewNop())

	previews, err := inbox.ListConversations(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(previews) != 0 {
		t.Errorf("expected no previews, got %v", previews)
	}
}
