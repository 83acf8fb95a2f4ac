package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitResult(t *testing.T, r *Refresher) RefreshResult {
	t.Helper()
	select {
	case res := <-r.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for refresh result")
		return RefreshResult{}
	}
}

func TestRefresher_RunsTriggeredRefresh(t *testing.T) {
	var calls atomic.Int32
	r := NewRefresher(func(_ context.Context, userID, chatID string) error {
		calls.Add(1)
		assert.Equal(t, "u1", userID)
		assert.Equal(t, "c1", chatID)
		return nil
	}, 4)
	r.Start(context.Background())
	defer r.Stop()

	require.True(t, r.Trigger("u1", "c1"))
	res := waitResult(t, r)
	require.NoError(t, res.Err)
	assert.Equal(t, "u1", res.UserID)
	assert.Equal(t, "c1", res.ChatID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRefresher_ReportsErrors(t *testing.T) {
	wantErr := errors.New("summarizer down")
	r := NewRefresher(func(context.Context, string, string) error { return wantErr }, 4)
	r.Start(context.Background())
	defer r.Stop()

	require.True(t, r.Trigger("u1", ""))
	res := waitResult(t, r)
	assert.ErrorIs(t, res.Err, wantErr)
}

func TestRefresher_DropsTriggersWhenQueueFull(t *testing.T) {
	// Worker not started, so the queue fills and stays full.
	r := NewRefresher(func(context.Context, string, string) error { return nil }, 2)

	assert.True(t, r.Trigger("u1", ""))
	assert.True(t, r.Trigger("u2", ""))
	assert.False(t, r.Trigger("u3", ""))
}

func TestRefresher_ProcessesQueueInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	block := make(chan struct{})

	r := NewRefresher(func(_ context.Context, userID, _ string) error {
		<-block
		mu.Lock()
		seen = append(seen, userID)
		mu.Unlock()
		return nil
	}, 8)

	require.True(t, r.Trigger("u1", ""))
	require.True(t, r.Trigger("u2", ""))
	require.True(t, r.Trigger("u3", ""))

	r.Start(context.Background())
	defer r.Stop()
	close(block)

	for i := 0; i < 3; i++ {
		waitResult(t, r)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"u1", "u2", "u3"}, seen)
}

func TestRefresher_StopIsIdempotentAndWaits(t *testing.T) {
	r := NewRefresher(func(context.Context, string, string) error { return nil }, 4)
	r.Start(context.Background())

	r.Stop()
	r.Stop()
}

func TestRefresher_ContextCancelStopsWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRefresher(func(context.Context, string, string) error { return nil }, 4)
	r.Start(ctx)

	cancel()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit on context cancel")
	}
}
