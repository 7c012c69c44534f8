package timeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/pkg/logger"
	"github.com/fitcoach/coach-messaging/pkg/metrics"
)

// Appender persists a message. service.MessageService satisfies it.
type Appender interface {
	Append(ctx context.Context, req *model.AppendMessageRequest) (*model.Message, error)
}

// Pipeline sends messages optimistically: an entry is shown as sending before
// the store call, then reconciled to sent or left failed for a retry.
type Pipeline struct {
	appender       Appender
	timeline       *Timeline
	conversationID string
	senderID       string
	logger         *logger.Logger

	newID func() string
	now   func() time.Time
}

// NewPipeline creates a pipeline sending as senderID into conversationID.
func NewPipeline(a Appender, tl *Timeline, conversationID, senderID string, log *logger.Logger) *Pipeline {
	return &Pipeline{
		appender:       a,
		timeline:       tl,
		conversationID: conversationID,
		senderID:       senderID,
		logger:         log.Named("pipeline").ForConversation(conversationID),
		newID:          func() string { return "tmp-" + uuid.Must(uuid.NewV7()).String() },
		now:            time.Now,
	}
}

// Send appends text. Blank text is ignored and returns nil, nil. On failure the
// entry stays in the timeline as failed and the error is returned with it.
func (p *Pipeline) Send(ctx context.Context, text string) (*model.PendingMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	tempID := p.newID()
	p.timeline.AddPending(tempID, p.conversationID, text, p.now())
	return p.deliver(ctx, tempID, text)
}

// Retry resends a failed entry under its original client id, so a send that
// was stored despite the error is not duplicated.
func (p *Pipeline) Retry(ctx context.Context, tempID string) (*model.PendingMessage, error) {
	entry, ok := p.timeline.Resend(tempID)
	if !ok {
		if _, exists := p.timeline.Get(tempID); !exists {
			return nil, fmt.Errorf("pending message %s: %w", tempID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: message %s has not failed", model.ErrInvalidOperation, tempID)
	}
	return p.deliver(ctx, tempID, entry.Content)
}

func (p *Pipeline) deliver(ctx context.Context, tempID, text string) (*model.PendingMessage, error) {
	sender := p.senderID
	msg, err := p.appender.Append(ctx, &model.AppendMessageRequest{
		ConversationID: p.conversationID,
		SenderID:       &sender,
		Content:        text,
		ClientID:       tempID,
	})
	if err != nil {
		entry, _ := p.timeline.MarkFailed(tempID, err)
		if entry.Status == model.StatusFailed {
			metrics.SendFailuresTotal.Inc()
		}
		p.logger.Warn("send failed", zap.String("temp_id", tempID), zap.Error(err))
		return &entry, fmt.Errorf("failed to send message: %w", err)
	}

	entry, _ := p.timeline.Confirm(tempID, *msg)
	return &entry, nil
}
