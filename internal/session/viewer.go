// Package session implements the client-side "open chat with X" flow: resolve
// the conversation, load its newest page, mark it read, attach the realtime
// feed and route sends through the optimistic pipeline.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/internal/realtime"
	"github.com/fitcoach/coach-messaging/internal/timeline"
	"github.com/fitcoach/coach-messaging/pkg/logger"
)

// ErrSuperseded is returned by Open when another Open or Close ran before it finished.
var ErrSuperseded = errors.New("session: conversation no longer active")

// Resolver finds or creates the conversation of a pair.
type Resolver interface {
	ResolveDirect(ctx context.Context, userA, userB string) (string, bool, error)
}

// Messages pages and appends messages.
type Messages interface {
	timeline.Appender
	GetRecentMessages(ctx context.Context, conversationID string, limit int, before *model.PageCursor) (*model.MessagePage, error)
}

// ReadState reads and advances read cursors.
type ReadState interface {
	MarkRead(ctx context.Context, conversationID, userID string) (time.Time, error)
	LastReadAt(ctx context.Context, conversationID, userID string) (*time.Time, error)
}

// Deps are the collaborators of a Viewer.
type Deps struct {
	Resolver Resolver
	Messages Messages
	Reads    ReadState
	Realtime *realtime.Manager
	PageSize int
}

// Viewer is one user's view of at most one open conversation. Every async
// result is tagged with the generation it was started under and dropped once
// the viewer has moved to another conversation.
type Viewer struct {
	userID string
	deps   Deps
	logger *logger.Logger

	mu         sync.Mutex
	generation uint64
	active     *openConversation
	changes    chan struct{}

	// subscribeMu orders realtime subscriptions by generation. A stale Open
	// must not register after a newer one and evict its subscription.
	subscribeMu sync.Mutex
}

type openConversation struct {
	id         string
	peerID     string
	generation uint64
	timeline   *timeline.Timeline
	pipeline   *timeline.Pipeline
	sub        *realtime.Subscription

	mu     sync.Mutex
	cursor *model.PageCursor
}

// NewViewer creates a viewer acting as userID.
func NewViewer(userID string, deps Deps, log *logger.Logger) *Viewer {
	return &Viewer{
		userID:  userID,
		deps:    deps,
		logger:  log.Named("session").ForUser(userID),
		changes: make(chan struct{}, 1),
	}
}

// Changes signals after the open timeline changed through a realtime event.
func (v *Viewer) Changes() <-chan struct{} {
	return v.changes
}

// Open switches the viewer to the conversation with peerID and returns its id.
func (v *Viewer) Open(ctx context.Context, peerID string) (string, error) {
	v.mu.Lock()
	v.generation++
	gen := v.generation
	prev := v.active
	v.active = nil
	v.mu.Unlock()
	if prev != nil {
		prev.sub.Unsubscribe()
	}

	convID, _, err := v.deps.Resolver.ResolveDirect(ctx, v.userID, peerID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve conversation: %w", err)
	}
	// Attach before loading so nothing committed in between is missed; the
	// timeline absorbs the overlap.
	sub, err := v.subscribe(ctx, gen, convID)
	if err != nil {
		return "", err
	}
	oc := &openConversation{
		id:         convID,
		peerID:     peerID,
		generation: gen,
		timeline:   timeline.New(v.userID),
		sub:        sub,
	}
	oc.pipeline = timeline.NewPipeline(v.deps.Messages, oc.timeline, convID, v.userID, v.logger)

	page, err := v.deps.Messages.GetRecentMessages(ctx, convID, v.deps.PageSize, nil)
	if err != nil {
		sub.Unsubscribe()
		return "", fmt.Errorf("failed to load messages: %w", err)
	}
	oc.timeline.Load(page.Messages)
	oc.cursor = page.NextCursor
	if !page.HasMore {
		oc.cursor = nil
	}

	v.markRead(ctx, oc)
	v.refreshPeerRead(ctx, oc)

	v.mu.Lock()
	if v.generation != gen {
		v.mu.Unlock()
		sub.Unsubscribe()
		return "", ErrSuperseded
	}
	v.active = oc
	v.mu.Unlock()

	go v.pump(oc)
	return convID, nil
}

func (v *Viewer) subscribe(ctx context.Context, gen uint64, convID string) (*realtime.Subscription, error) {
	v.subscribeMu.Lock()
	defer v.subscribeMu.Unlock()
	if !v.current(gen) {
		return nil, ErrSuperseded
	}
	return v.deps.Realtime.Subscribe(ctx, convID)
}

func (v *Viewer) pump(oc *openConversation) {
	for msg := range oc.sub.C {
		if !v.current(oc.generation) {
			return
		}
		if oc.timeline.ApplyRemote(msg) && !msg.SentBy(v.userID) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			v.markRead(ctx, oc)
			cancel()
		}
		v.notify()
	}
}

func (v *Viewer) notify() {
	select {
	case v.changes <- struct{}{}:
	default:
	}
}

func (v *Viewer) markRead(ctx context.Context, oc *openConversation) {
	if _, err := v.deps.Reads.MarkRead(ctx, oc.id, v.userID); err != nil {
		v.logger.Warn("failed to mark conversation read", logger.ConversationID(oc.id), zap.Error(err))
	}
}

func (v *Viewer) refreshPeerRead(ctx context.Context, oc *openConversation) {
	at, err := v.deps.Reads.LastReadAt(ctx, oc.id, oc.peerID)
	if err != nil {
		v.logger.Warn("failed to load peer read cursor", logger.ConversationID(oc.id), zap.Error(err))
		return
	}
	if at != nil {
		oc.timeline.ApplyPeerRead(*at)
	}
}

// RefreshPeerRead reloads the peer's read cursor so own messages move to read.
func (v *Viewer) RefreshPeerRead(ctx context.Context) error {
	oc, err := v.open()
	if err != nil {
		return err
	}
	v.refreshPeerRead(ctx, oc)
	return nil
}

func (v *Viewer) current(gen uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.generation == gen
}

func (v *Viewer) open() (*openConversation, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active == nil {
		return nil, fmt.Errorf("%w: no open conversation", model.ErrInvalidOperation)
	}
	return v.active, nil
}

// Send sends text to the open conversation. Blank text is ignored.
func (v *Viewer) Send(ctx context.Context, text string) (*model.PendingMessage, error) {
	oc, err := v.open()
	if err != nil {
		return nil, err
	}
	return oc.pipeline.Send(ctx, text)
}

// Retry resends a failed message of the open conversation.
func (v *Viewer) Retry(ctx context.Context, tempID string) (*model.PendingMessage, error) {
	oc, err := v.open()
	if err != nil {
		return nil, err
	}
	return oc.pipeline.Retry(ctx, tempID)
}

// LoadOlder loads the page before the oldest loaded message. It reports
// whether more pages remain.
func (v *Viewer) LoadOlder(ctx context.Context) (bool, error) {
	oc, err := v.open()
	if err != nil {
		return false, err
	}

	oc.mu.Lock()
	cursor := oc.cursor
	oc.mu.Unlock()
	if cursor == nil {
		return false, nil
	}

	page, err := v.deps.Messages.GetRecentMessages(ctx, oc.id, v.deps.PageSize, cursor)
	if err != nil {
		return true, fmt.Errorf("failed to load older messages: %w", err)
	}
	if !v.current(oc.generation) {
		return false, ErrSuperseded
	}
	oc.timeline.Load(page.Messages)

	oc.mu.Lock()
	defer oc.mu.Unlock()
	if page.HasMore {
		oc.cursor = page.NextCursor
	} else {
		oc.cursor = nil
	}
	return page.HasMore, nil
}

// ConversationID returns the open conversation, or "".
func (v *Viewer) ConversationID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active == nil {
		return ""
	}
	return v.active.id
}

// Messages returns the open conversation's timeline newest first.
func (v *Viewer) Messages() []model.PendingMessage {
	oc, err := v.open()
	if err != nil {
		return nil
	}
	return oc.timeline.Snapshot()
}

// Close detaches from the open conversation.
func (v *Viewer) Close() {
	v.mu.Lock()
	v.generation++
	prev := v.active
	v.active = nil
	v.mu.Unlock()
	if prev != nil {
		prev.sub.Unsubscribe()
	}
}
