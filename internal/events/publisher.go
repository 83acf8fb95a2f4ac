package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/engram-ai/engram/internal/memory"
)

// Publisher publishes memory lifecycle events to NATS JetStream. Publish
// failures are logged and swallowed so the memory write path never depends
// on the event bus.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

var _ memory.Events = (*Publisher)(nil)

func (p *Publisher) MemoryCreated(ctx context.Context, mem memory.Memory) {
	p.publish(ctx, SubjectMemoryCreated, MemoryEvent{
		MemoryID:   mem.ID,
		UserID:     mem.UserID,
		ChatID:     mem.ChatID,
		Content:    mem.Content,
		Importance: mem.Importance,
		Timestamp:  time.Now().UTC(),
	})
}

func (p *Publisher) MemoryUpdated(ctx context.Context, id, userID string) {
	p.publish(ctx, SubjectMemoryUpdated, MemoryEvent{
		MemoryID:  id,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) MemoryDeleted(ctx context.Context, id, userID string) {
	p.publish(ctx, SubjectMemoryDeleted, MemoryEvent{
		MemoryID:  id,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) BlockUpdated(ctx context.Context, label, chatID, userID string) {
	p.publish(ctx, SubjectBlockUpdated, BlockEvent{
		Label:     label,
		UserID:    userID,
		ChatID:    chatID,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("marshaling event", "subject", subject, "error", err)
		return
	}
	if _, err := p.js.Publish(ctx, subject, payload); err != nil {
		slog.Warn("publishing event", "subject", subject, "error", err)
	}
}
