// Package timeline holds the locally rendered message list of one open
// conversation and the optimistic send pipeline that feeds it.
package timeline

import (
	"sort"
	"sync"
	"time"

	"github.com/fitcoach/coach-messaging/internal/model"
)

// EchoWindow is how far apart a pending message and an echoed insert without
// client id may be and still be treated as the same message.
const EchoWindow = 10 * time.Second

// Timeline is the union of persisted messages and unconfirmed local sends of
// one conversation, as seen by viewerID. Each message appears once: a pending
// entry is replaced in place when its confirmed row or realtime echo arrives.
type Timeline struct {
	mu         sync.Mutex
	viewerID   string
	entries    []*model.PendingMessage
	byTemp     map[string]*model.PendingMessage
	byID       map[string]*model.PendingMessage
	peerReadAt time.Time
}

// New creates an empty timeline for viewerID.
func New(viewerID string) *Timeline {
	return &Timeline{
		viewerID: viewerID,
		byTemp:   make(map[string]*model.PendingMessage),
		byID:     make(map[string]*model.PendingMessage),
	}
}

// AddPending inserts a local message of conversationID in the sending state.
func (t *Timeline) AddPending(tempID, conversationID, content string, at time.Time) model.PendingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	sender := t.viewerID
	e := &model.PendingMessage{
		Message: model.Message{
			ID:             tempID,
			ConversationID: conversationID,
			SenderID:       &sender,
			Content:        content,
			ClientID:       tempID,
			CreatedAt:      at,
		},
		TempID: tempID,
		Status: model.StatusSending,
	}
	t.entries = append(t.entries, e)
	t.byTemp[tempID] = e
	return *e
}

// Confirm replaces the pending entry's id and timestamp with the stored row.
func (t *Timeline) Confirm(tempID string, msg model.Message) (model.PendingMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byTemp[tempID]
	if !ok {
		return model.PendingMessage{}, false
	}
	t.adopt(e, msg, model.StatusSent)
	return *e, true
}

// MarkFailed moves a sending entry to failed. Entries already confirmed by an echo keep their status.
func (t *Timeline) MarkFailed(tempID string, cause error) (model.PendingMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byTemp[tempID]
	if !ok {
		return model.PendingMessage{}, false
	}
	e.Status = e.Status.Advance(model.StatusFailed)
	if e.Status == model.StatusFailed && cause != nil {
		e.Err = cause.Error()
	}
	return *e, true
}

// Resend moves a failed entry back to sending.
func (t *Timeline) Resend(tempID string) (model.PendingMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byTemp[tempID]
	if !ok || e.Status != model.StatusFailed {
		return model.PendingMessage{}, false
	}
	e.Status = model.StatusSending
	e.Err = ""
	return *e, true
}

// Load merges a page of persisted messages, such as the initial page or an
// older page. Rows matching a local send by client id confirm it.
func (t *Timeline) Load(msgs []model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, msg := range msgs {
		t.merge(msg, model.StatusSent)
	}
}

// ApplyRemote merges a realtime insert. It reports whether the message added
// a new entry; echoes of local sends and repeated deliveries do not.
func (t *Timeline) ApplyRemote(msg model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.merge(msg, model.StatusDelivered)
}

// ApplyPeerRead marks own messages created at or before the peer's read cursor as read.
func (t *Timeline) ApplyPeerRead(lastReadAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !lastReadAt.After(t.peerReadAt) {
		return
	}
	t.peerReadAt = lastReadAt
	for _, e := range t.entries {
		t.applyRead(e)
	}
}

func (t *Timeline) merge(msg model.Message, status model.DeliveryStatus) bool {
	if e, ok := t.byID[msg.ID]; ok {
		if msg.SentBy(t.viewerID) {
			e.Status = e.Status.Advance(status)
			t.applyRead(e)
		}
		return false
	}

	if msg.SentBy(t.viewerID) {
		if e := t.matchPending(msg); e != nil {
			t.adopt(e, msg, status)
			return false
		}
	}

	e := &model.PendingMessage{Message: msg, Status: status}
	if !msg.SentBy(t.viewerID) {
		e.Status = model.StatusDelivered
	}
	t.entries = append(t.entries, e)
	t.byID[msg.ID] = e
	t.applyRead(e)
	return true
}

// matchPending finds the unconfirmed local send msg is an echo of: by client
// id when present, otherwise by content within EchoWindow.
func (t *Timeline) matchPending(msg model.Message) *model.PendingMessage {
	if msg.ClientID != "" {
		if e, ok := t.byTemp[msg.ClientID]; ok {
			return e
		}
		return nil
	}
	var best *model.PendingMessage
	for _, e := range t.entries {
		if e.TempID == "" || e.Confirmed() || e.Content != msg.Content {
			continue
		}
		if d := e.CreatedAt.Sub(msg.CreatedAt); d > EchoWindow || d < -EchoWindow {
			continue
		}
		if best == nil || e.CreatedAt.Before(best.CreatedAt) {
			best = e
		}
	}
	return best
}

// adopt gives e the identity of the stored row msg.
func (t *Timeline) adopt(e *model.PendingMessage, msg model.Message, status model.DeliveryStatus) {
	if dup, ok := t.byID[msg.ID]; ok && dup != e {
		status = dup.Status.Advance(status)
		t.remove(dup)
	}
	if e.ID != msg.ID {
		delete(t.byID, e.ID)
	}
	e.Message = msg
	e.Status = e.Status.Advance(status)
	if e.Status != model.StatusFailed {
		e.Err = ""
	}
	t.byID[msg.ID] = e
	t.applyRead(e)
}

func (t *Timeline) applyRead(e *model.PendingMessage) {
	if !e.SentBy(t.viewerID) || !e.Confirmed() || t.peerReadAt.IsZero() {
		return
	}
	if !e.CreatedAt.After(t.peerReadAt) {
		e.Status = e.Status.Advance(model.StatusRead)
	}
}

func (t *Timeline) remove(target *model.PendingMessage) {
	for i, e := range t.entries {
		if e == target {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	delete(t.byID, target.ID)
	if target.TempID != "" {
		delete(t.byTemp, target.TempID)
	}
}

// Get returns the entry created for tempID.
func (t *Timeline) Get(tempID string) (model.PendingMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byTemp[tempID]
	if !ok {
		return model.PendingMessage{}, false
	}
	return *e, true
}

// Len returns the number of rendered entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns the rendered entries newest first. Unconfirmed sends sit
// at the head; confirmed entries follow in (CreatedAt, Seq) order.
func (t *Timeline) Snapshot() []model.PendingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]model.PendingMessage, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if a.Confirmed() != b.Confirmed() {
			return !a.Confirmed()
		}
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.Seq > b.Seq
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return out
}
