package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxTurns int) (*ShortTermCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewShortTermCache(client, maxTurns, time.Hour), mr
}

func turn(i int) ConversationTurn {
	return ConversationTurn{
		UserMessage:      Message{Role: "user", Content: fmt.Sprintf("message %d", i)},
		AssistantMessage: Message{Role: "assistant", Content: fmt.Sprintf("reply %d", i)},
	}
}

func TestShortTermCache_AppendAndRecent(t *testing.T) {
	cache, _ := newTestCache(t, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, cache.AppendTurn(ctx, "u1", "c1", turn(i)))
	}

	turns, err := cache.RecentTurns(ctx, "u1", "c1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "message 0", turns[0].UserMessage.Content)
	assert.Equal(t, "reply 2", turns[2].AssistantMessage.Content)
}

func TestShortTermCache_RecentLimitsToN(t *testing.T) {
	cache, _ := newTestCache(t, 10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, cache.AppendTurn(ctx, "u1", "c1", turn(i)))
	}

	turns, err := cache.RecentTurns(ctx, "u1", "c1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "message 3", turns[0].UserMessage.Content)
	assert.Equal(t, "message 4", turns[1].UserMessage.Content)
}

func TestShortTermCache_TrimsToMaxTurns(t *testing.T) {
	cache, _ := newTestCache(t, 3)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, cache.AppendTurn(ctx, "u1", "c1", turn(i)))
	}

	turns, err := cache.RecentTurns(ctx, "u1", "c1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "message 3", turns[0].UserMessage.Content)
	assert.Equal(t, "message 5", turns[2].UserMessage.Content)
}

func TestShortTermCache_ConversationsAreIsolated(t *testing.T) {
	cache, _ := newTestCache(t, 10)
	ctx := context.Background()

	require.NoError(t, cache.AppendTurn(ctx, "u1", "c1", turn(1)))
	require.NoError(t, cache.AppendTurn(ctx, "u1", "c2", turn(2)))

	turns, err := cache.RecentTurns(ctx, "u1", "c1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "message 1", turns[0].UserMessage.Content)
}

func TestShortTermCache_SkipsMalformedEntries(t *testing.T) {
	cache, mr := newTestCache(t, 10)
	ctx := context.Background()

	require.NoError(t, cache.AppendTurn(ctx, "u1", "c1", turn(1)))
	mr.RPush(turnKey("u1", "c1"), "not json")
	require.NoError(t, cache.AppendTurn(ctx, "u1", "c1", turn(2)))

	turns, err := cache.RecentTurns(ctx, "u1", "c1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
}

func TestShortTermCache_Clear(t *testing.T) {
	cache, _ := newTestCache(t, 10)
	ctx := context.Background()

	require.NoError(t, cache.AppendTurn(ctx, "u1", "c1", turn(1)))
	require.NoError(t, cache.Clear(ctx, "u1", "c1"))

	turns, err := cache.RecentTurns(ctx, "u1", "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestShortTermCache_SetsTTL(t *testing.T) {
	cache, mr := newTestCache(t, 10)
	require.NoError(t, cache.AppendTurn(context.Background(), "u1", "c1", turn(1)))
	assert.Greater(t, mr.TTL(turnKey("u1", "c1")), time.Duration(0))
}
