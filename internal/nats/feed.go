package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fitcoach/coach-messaging/internal/feed"
	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/pkg/logger"
	"github.com/fitcoach/coach-messaging/pkg/metrics"
)

const (
	// StreamName is the JetStream stream carrying message insert events.
	StreamName = "DIRECT_MESSAGES"

	// SubjectPrefix is the prefix for all direct message subjects.
	SubjectPrefix = "dm"
)

var _ feed.Feed = (*MessageFeed)(nil)

// MessageFeed publishes message inserts to JetStream and attaches ordered
// consumers per conversation. Events are transient notifications; the SQL
// store remains the system of record.
type MessageFeed struct {
	client *Client
	buffer int
	logger *logger.Logger
}

// NewMessageFeed creates a feed on an open client.
func NewMessageFeed(client *Client, buffer int, log *logger.Logger) *MessageFeed {
	return &MessageFeed{client: client, buffer: buffer, logger: log.Named("feed")}
}

// EnsureStream ensures the direct message stream exists.
func (f *MessageFeed) EnsureStream(ctx context.Context) error {
	js := f.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
		Compression: jetstream.S2Compression,
		Description: "Direct message insert events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// MessageSubject returns the insert subject of a conversation.
func MessageSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.msg", SubjectPrefix, conversationID)
}

// Publish publishes an inserted message. The message id doubles as the
// JetStream dedup id, so a retried publish is stored once.
func (f *MessageFeed) Publish(ctx context.Context, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := f.client.JetStream().Publish(ctx, MessageSubject(msg.ConversationID), data, jetstream.WithMsgID(msg.ID)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	metrics.FeedEventsTotal.WithLabelValues("nats").Inc()
	return nil
}

// Subscribe attaches an ordered consumer delivering only messages published from now on.
func (f *MessageFeed) Subscribe(ctx context.Context, conversationID string) (feed.Subscription, error) {
	consumer, err := f.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{MessageSubject(conversationID)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	log := f.logger.ForConversation(conversationID)
	sub := &natsSubscription{pipe: feed.NewPipe(f.buffer)}
	cc, err := consumer.Consume(func(m jetstream.Msg) {
		var msg model.Message
		if err := json.Unmarshal(m.Data(), &msg); err != nil {
			log.Warn("dropping undecodable feed payload", zap.Error(err))
			return
		}
		sub.pipe.Deliver(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	sub.consume = cc
	return sub, nil
}

// Close is a no-op; the connection is owned by Client.
func (f *MessageFeed) Close() error {
	return nil
}

type natsSubscription struct {
	pipe    *feed.Pipe
	consume jetstream.ConsumeContext
}

func (s *natsSubscription) Messages() <-chan model.Message {
	return s.pipe.Messages()
}

func (s *natsSubscription) Close() error {
	// Closing the pipe first unblocks a handler waiting on a full buffer.
	s.pipe.Close()
	s.consume.Stop()
	return nil
}
