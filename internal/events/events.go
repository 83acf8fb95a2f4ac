package events

import "time"

// Stream names.
const (
	StreamEvents = "ENGRAM_EVENTS"
)

// Subject constants.
const (
	SubjectMemoryCreated = "engram.events.memory.created"
	SubjectMemoryUpdated = "engram.events.memory.updated"
	SubjectMemoryDeleted = "engram.events.memory.deleted"
	SubjectBlockUpdated  = "engram.events.block.updated"
)

// MemoryEvent is published on archival memory lifecycle changes.
type MemoryEvent struct {
	MemoryID   string    `json:"memory_id"`
	UserID     string    `json:"user_id"`
	ChatID     string    `json:"chat_id,omitempty"`
	Content    string    `json:"content,omitempty"`
	Importance float64   `json:"importance,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// BlockEvent is published when a core memory block is replaced.
type BlockEvent struct {
	Label     string    `json:"label"`
	UserID    string    `json:"user_id,omitempty"`
	ChatID    string    `json:"chat_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
