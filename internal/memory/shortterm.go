package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ShortTermCache keeps the most recent conversation turns in Redis lists,
// one list per (user, chat) pair, trimmed and expiring so the cache never
// grows unbounded.
type ShortTermCache struct {
	client   *redis.Client
	maxTurns int
	ttl      time.Duration
}

// NewShortTermCache wraps an existing Redis client. maxTurns and ttl fall
// back to 50 turns and 24h when non-positive.
func NewShortTermCache(client *redis.Client, maxTurns int, ttl time.Duration) *ShortTermCache {
	if maxTurns <= 0 {
		maxTurns = 50
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ShortTermCache{client: client, maxTurns: maxTurns, ttl: ttl}
}

func turnKey(userID, chatID string) string {
	return fmt.Sprintf("turns:%s:%s", userID, chatID)
}

// AppendTurn pushes a turn onto the conversation's list, trims to the cap,
// and refreshes the TTL.
func (c *ShortTermCache) AppendTurn(ctx context.Context, userID, chatID string, turn ConversationTurn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshaling turn: %w", err)
	}

	key := turnKey(userID, chatID)
	pipe := c.client.Pipeline()
	pipe.RPush(ctx, key, string(data))
	pipe.LTrim(ctx, key, int64(-c.maxTurns), -1)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec for %s: %w", key, err)
	}
	return nil
}

// RecentTurns returns the last n turns for the conversation, oldest first.
func (c *ShortTermCache) RecentTurns(ctx context.Context, userID, chatID string, n int) ([]ConversationTurn, error) {
	if n <= 0 {
		n = c.maxTurns
	}
	key := turnKey(userID, chatID)
	vals, err := c.client.LRange(ctx, key, int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}

	turns := make([]ConversationTurn, 0, len(vals))
	for _, v := range vals {
		var turn ConversationTurn
		if err := json.Unmarshal([]byte(v), &turn); err != nil {
			continue // skip malformed entries
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Clear drops the conversation's cached turns.
func (c *ShortTermCache) Clear(ctx context.Context, userID, chatID string) error {
	return c.client.Del(ctx, turnKey(userID, chatID)).Err()
}
