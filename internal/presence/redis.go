package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fitcoach/coach-messaging/internal/model"
)

const (
	redisOnlineKey    = "presence:online"
	redisConnectedKey = "presence:connected"
)

var _ Channel = (*RedisChannel)(nil)

// RedisChannel shares presence across instances. Heartbeats are scores in a
// sorted set; connection times live in a hash next to it.
type RedisChannel struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisChannel creates a channel over an existing client.
func NewRedisChannel(client *redis.Client, ttl time.Duration) *RedisChannel {
	return &RedisChannel{client: client, ttl: ttl}
}

func (c *RedisChannel) Track(ctx context.Context, member model.PresenceMember) error {
	now := time.Now()
	connectedAt := member.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = now
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, redisOnlineKey, redis.Z{Score: float64(now.UnixMilli()), Member: member.UserID})
		pipe.HSetNX(ctx, redisConnectedKey, member.UserID, connectedAt.UnixMilli())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to track presence: %w", err)
	}
	return nil
}

func (c *RedisChannel) Untrack(ctx context.Context, userID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, redisOnlineKey, userID)
		pipe.HDel(ctx, redisConnectedKey, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to untrack presence: %w", err)
	}
	return nil
}

func (c *RedisChannel) Members(ctx context.Context) ([]model.PresenceMember, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-c.ttl).UnixMilli(), 10)

	expired, err := c.client.ZRangeByScore(ctx, redisOnlineKey, &redis.ZRangeBy{Min: "-inf", Max: "(" + cutoff}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}
	if len(expired) > 0 {
		_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, redisOnlineKey, "-inf", "("+cutoff)
			pipe.HDel(ctx, redisConnectedKey, expired...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to expire presence: %w", err)
		}
	}

	live, err := c.client.ZRangeByScoreWithScores(ctx, redisOnlineKey, &redis.ZRangeBy{Min: cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}
	if len(live) == 0 {
		return nil, nil
	}

	ids := make([]string, len(live))
	for i, z := range live {
		ids[i] = z.Member.(string)
	}
	connected, err := c.client.HMGet(ctx, redisConnectedKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	members := make([]model.PresenceMember, len(live))
	for i, z := range live {
		members[i] = model.PresenceMember{
			UserID:     ids[i],
			LastSeenAt: time.UnixMilli(int64(z.Score)),
		}
		if s, ok := connected[i].(string); ok {
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				members[i].ConnectedAt = time.UnixMilli(ms)
			}
		}
	}
	return members, nil
}
