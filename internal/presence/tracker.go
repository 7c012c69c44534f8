package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/pkg/logger"
	"github.com/fitcoach/coach-messaging/pkg/metrics"
)

// Config holds tracker timings.
type Config struct {
	HeartbeatInterval time.Duration
	SyncInterval      time.Duration
}

type joinedUser struct {
	refs        int
	connectedAt time.Time
}

// Tracker owns the local view of the presence channel: it heartbeats the
// users connected to this process and periodically recomputes the online set
// from the channel, fanning it out to subscribers. Presence is advisory.
type Tracker struct {
	channel Channel
	cfg     Config
	logger  *logger.Logger

	mu     sync.Mutex
	joined map[string]*joinedUser
	online model.OnlineSet
	subs   map[uint64]chan model.OnlineSet
	nextID uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a tracker; call Start to run heartbeats and syncs.
func NewTracker(ch Channel, cfg Config, log *logger.Logger) *Tracker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Second
	}
	return &Tracker{
		channel: ch,
		cfg:     cfg,
		logger:  log.Named("presence"),
		joined:  make(map[string]*joinedUser),
		online:  model.NewOnlineSet(),
		subs:    make(map[uint64]chan model.OnlineSet),
	}
}

// Start runs the heartbeat and sync loop until Close.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.run(ctx)
}

func (t *Tracker) run(ctx context.Context) {
	defer t.wg.Done()

	heartbeat := time.NewTicker(t.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	resync := time.NewTicker(t.cfg.SyncInterval)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			t.beat(ctx)
		case <-resync.C:
			if _, err := t.Sync(ctx); err != nil {
				t.logger.Warn("presence sync failed", zap.Error(err))
			}
		}
	}
}

// beat re-tracks every locally joined user. Failures are logged and retried on the next beat.
func (t *Tracker) beat(ctx context.Context) {
	t.mu.Lock()
	members := make([]model.PresenceMember, 0, len(t.joined))
	for id, j := range t.joined {
		members = append(members, model.PresenceMember{UserID: id, ConnectedAt: j.connectedAt})
	}
	t.mu.Unlock()

	for _, m := range members {
		if err := t.channel.Track(ctx, m); err != nil {
			t.logger.Warn("presence heartbeat failed", logger.UserID(m.UserID), zap.Error(err))
		}
	}
}

// Join tracks userID until the returned leave function is called. Several
// joins for the same user are reference counted.
func (t *Tracker) Join(ctx context.Context, userID string) (leave func(), err error) {
	t.mu.Lock()
	j, ok := t.joined[userID]
	if !ok {
		j = &joinedUser{connectedAt: time.Now()}
		t.joined[userID] = j
	}
	j.refs++
	connectedAt := j.connectedAt
	t.mu.Unlock()

	if !ok {
		if err := t.channel.Track(ctx, model.PresenceMember{UserID: userID, ConnectedAt: connectedAt}); err != nil {
			t.release(userID)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if t.release(userID) {
				t.untrack(userID)
			}
		})
	}, nil
}

// release drops one reference and reports whether it was the last.
func (t *Tracker) release(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.joined[userID]
	if !ok {
		return false
	}
	j.refs--
	if j.refs > 0 {
		return false
	}
	delete(t.joined, userID)
	return true
}

func (t *Tracker) untrack(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.channel.Untrack(ctx, userID); err != nil {
		t.logger.Warn("presence untrack failed", logger.UserID(userID), zap.Error(err))
	}
}

// Sync recomputes the online set from the channel and delivers it to every subscriber.
func (t *Tracker) Sync(ctx context.Context) (model.OnlineSet, error) {
	members, err := t.channel.Members(ctx)
	if err != nil {
		return nil, err
	}
	set := model.NewOnlineSet()
	for _, m := range members {
		set[m.UserID] = struct{}{}
	}

	t.mu.Lock()
	t.online = set
	for _, ch := range t.subs {
		offerLatest(ch, set)
	}
	t.mu.Unlock()

	metrics.PresenceOnlineUsers.Set(float64(len(set)))
	return set, nil
}

// offerLatest replaces whatever is queued on ch with set without blocking.
func offerLatest(ch chan model.OnlineSet, set model.OnlineSet) {
	select {
	case ch <- set:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- set:
	default:
	}
}

// Subscribe returns a channel receiving the online set after every sync. Only
// the latest set is kept for slow readers. The current set is queued immediately.
func (t *Tracker) Subscribe() (<-chan model.OnlineSet, func()) {
	ch := make(chan model.OnlineSet, 1)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	ch <- t.online
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			if _, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(ch)
			}
			t.mu.Unlock()
		})
	}
}

// Online returns the last synced online set.
func (t *Tracker) Online() model.OnlineSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(model.OnlineSet, len(t.online))
	for id := range t.online {
		out[id] = struct{}{}
	}
	return out
}

// IsOnline reports whether userID was online at the last sync.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online.Contains(userID)
}

// Close stops the loop, untracks local users and closes subscriber channels.
func (t *Tracker) Close() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()

	t.mu.Lock()
	local := make([]string, 0, len(t.joined))
	for id := range t.joined {
		local = append(local, id)
	}
	t.joined = make(map[string]*joinedUser)
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	t.mu.Unlock()

	for _, id := range local {
		t.untrack(id)
	}
}
