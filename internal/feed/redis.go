package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/pkg/logger"
	"github.com/fitcoach/coach-messaging/pkg/metrics"
)

var _ Feed = (*RedisFeed)(nil)

// RedisFeed fans out inserts across server instances with Redis pub/sub.
type RedisFeed struct {
	client *redis.Client
	buffer int
	logger *logger.Logger
}

// NewRedis creates a pub/sub feed over an existing client.
func NewRedis(client *redis.Client, buffer int, log *logger.Logger) *RedisFeed {
	return &RedisFeed{client: client, buffer: buffer, logger: log}
}

// RedisChannel returns the pub/sub channel of a conversation.
func RedisChannel(conversationID string) string {
	return "dm:feed:" + conversationID
}

func (f *RedisFeed) Publish(ctx context.Context, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := f.client.Publish(ctx, RedisChannel(msg.ConversationID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	metrics.FeedEventsTotal.WithLabelValues("redis").Inc()
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	pubsub := f.client.Subscribe(ctx, RedisChannel(conversationID))

	// Wait for the subscription to be confirmed so nothing published after
	// Subscribe returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := &redisSubscription{pubsub: pubsub, pipe: NewPipe(f.buffer)}
	go sub.run(f.logger.ForConversation(conversationID))
	return sub, nil
}

func (f *RedisFeed) Close() error {
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	pipe   *Pipe
}

func (s *redisSubscription) run(log *logger.Logger) {
	defer s.pipe.Close()
	for m := range s.pubsub.Channel() {
		var msg model.Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			log.Warn("dropping undecodable feed payload", zap.Error(err))
			continue
		}
		if !s.pipe.Deliver(msg) {
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan model.Message {
	return s.pipe.Messages()
}

func (s *redisSubscription) Close() error {
	s.pipe.Close()
	return s.pubsub.Close()
}
