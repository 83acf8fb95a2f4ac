package memory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// refreshRequest identifies whose facts block needs rebuilding.
type refreshRequest struct {
	userID string
	chatID string
}

// RefreshResult reports the outcome of one facts block rebuild.
type RefreshResult struct {
	UserID string
	ChatID string
	Err    error
}

// Refresher rebuilds core facts blocks off the request path. Triggers are
// queued on a buffered channel and coalesce into at most one rebuild per
// queued request; when the queue is full new triggers are dropped, since a
// pending rebuild already covers the same data.
type Refresher struct {
	refresh func(ctx context.Context, userID, chatID string) error
	trigger chan refreshRequest
	results chan RefreshResult

	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// NewRefresher wraps a refresh function with a queue of the given depth.
func NewRefresher(refresh func(ctx context.Context, userID, chatID string) error, queueDepth int) *Refresher {
	if queueDepth <= 0 {
		queueDepth = 16
	}
	return &Refresher{
		refresh: refresh,
		trigger: make(chan refreshRequest, queueDepth),
		results: make(chan RefreshResult, queueDepth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the worker loop. It returns immediately; the loop exits
// when ctx is cancelled or Stop is called.
func (r *Refresher) Start(ctx context.Context) {
	r.started.Store(true)
	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case req := <-r.trigger:
				err := r.refresh(ctx, req.userID, req.chatID)
				if err != nil {
					slog.Error("facts block refresh failed", "user_id", req.userID, "error", err)
				} else {
					slog.Debug("facts block refreshed", "user_id", req.userID)
				}
				select {
				case r.results <- RefreshResult{UserID: req.userID, ChatID: req.chatID, Err: err}:
				default:
				}
			}
		}
	}()
}

// Stop shuts down the worker loop and waits for it to exit. Safe to call
// on a refresher that was never started.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.started.Load() {
		<-r.done
	}
}

// Trigger requests a rebuild without blocking the caller. Returns false
// when the queue is full and the trigger was dropped.
func (r *Refresher) Trigger(userID, chatID string) bool {
	select {
	case r.trigger <- refreshRequest{userID: userID, chatID: chatID}:
		return true
	default:
		slog.Debug("refresh queue full, dropping trigger", "user_id", userID)
		return false
	}
}

// Results exposes rebuild outcomes for observers (logging, tests).
func (r *Refresher) Results() <-chan RefreshResult {
	return r.results
}
