// Package feed provides the message change-feed primitive: publish inserted
// messages and subscribe to inserts of one conversation.
package feed

import (
	"context"
	"sync"

	"github.com/fitcoach/coach-messaging/internal/model"
)

// Feed delivers inserted messages to conversation subscribers in commit order.
// There is no replay: a subscription only sees messages published after it is attached.
type Feed interface {
	Publish(ctx context.Context, msg *model.Message) error
	Subscribe(ctx context.Context, conversationID string) (Subscription, error)
	Close() error
}

// Subscription is one attached change feed. Messages is closed after Close.
type Subscription interface {
	Messages() <-chan model.Message
	Close() error
}

// Pipe is a bounded delivery channel that can be closed while producers are
// blocked on it. A full pipe applies backpressure to the producer.
type Pipe struct {
	mu     sync.RWMutex
	out    chan model.Message
	done   chan struct{}
	once   sync.Once
	closed bool
}

// NewPipe creates a pipe holding up to buffer undelivered messages.
func NewPipe(buffer int) *Pipe {
	if buffer < 0 {
		buffer = 0
	}
	return &Pipe{
		out:  make(chan model.Message, buffer),
		done: make(chan struct{}),
	}
}

// Deliver blocks until msg is queued or the pipe is closed. It reports whether msg was queued.
func (p *Pipe) Deliver(msg model.Message) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.out <- msg:
		return true
	case <-p.done:
		return false
	}
}

// Messages returns the receive side of the pipe.
func (p *Pipe) Messages() <-chan model.Message {
	return p.out
}

// Done is closed when Close is first called.
func (p *Pipe) Done() <-chan struct{} {
	return p.done
}

// Close releases blocked producers and closes Messages. Safe to call repeatedly.
func (p *Pipe) Close() {
	p.once.Do(func() {
		close(p.done)
		p.mu.Lock()
		p.closed = true
		close(p.out)
		p.mu.Unlock()
	})
}
