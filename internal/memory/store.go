package memory

import (
	"context"
	"errors"
)

// ErrDimensionMismatch is returned when a vector's length does not match
// the store's configured embedding dimension. At write time it is a hard
// per-call error; at connect time it is fatal.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Store is the durable memory backend. Two implementations exist: an
// embedded SQLite store (FTS5 + in-process cosine) and a PostgreSQL store
// (pgvector + tsvector). Both satisfy the same contract.
//
// Scope arguments use the empty string for "not scoped"; the backends
// render that as NULL.
//
// Error posture: transient backend failures on reads and non-keyed writes
// are logged inside the store and degrade to empty/zero/false results, so
// callers treat "no results" and "backend degraded" identically. Only
// AddMemory surfaces an error, because a dimension mismatch must never be
// silently dropped.
type Store interface {
	// GetMemoryBlock returns the highest-priority block for the label under
	// hierarchical-with-fallback scope matching, or "" and false when no
	// block matches.
	GetMemoryBlock(ctx context.Context, label, chatID, userID string) (string, bool)

	// GetAllMemoryBlocks applies the same scope and priority rules per
	// label, producing one winner per label.
	GetAllMemoryBlocks(ctx context.Context, chatID, userID string) map[string]string

	// SetMemoryBlock atomically replaces the block for the exact
	// (label, chat_id, user_id) key: delete matching rows, insert one fresh
	// row. Last writer wins under concurrency.
	SetMemoryBlock(ctx context.Context, label, content, chatID, userID string) bool

	// DeleteAllMemoryBlocks removes blocks visible to the given scope,
	// including unscoped fallback rows.
	DeleteAllMemoryBlocks(ctx context.Context, userID, chatID string) bool

	// AddMemory stores an archival memory. The embedding length must equal
	// the store's configured dimension or ErrDimensionMismatch is returned
	// and nothing is stored.
	AddMemory(ctx context.Context, content string, embedding []float32, userID, chatID string, metadata map[string]any, importance float64) (string, error)

	// SemanticSearch ranks by cosine similarity, scoped by user (and chat
	// when given), filtered by minimum importance. Bumps access stats on
	// the returned rows.
	SemanticSearch(ctx context.Context, embedding []float32, userID string, limit int, chatID string, minImportance float64) []SearchResult

	// HybridSearch runs semantic and lexical top-K (K = 2*limit)
	// concurrently under the same scope, then fuses scores:
	// sem*wSem + ftsNorm*wFTS + importance*wImp + recency*wRec.
	// Bumps access stats on the returned rows.
	HybridSearch(ctx context.Context, embedding []float32, text, userID string, limit int, chatID string, w HybridWeights) []SearchResult

	// UpdateMemory mutates content/embedding/metadata/importance of one
	// memory; nil fields are untouched. An embedding of the wrong length
	// fails without touching the row.
	UpdateMemory(ctx context.Context, id string, upd MemoryUpdate) bool

	DeleteMemory(ctx context.Context, id string) bool
	DeleteAllMemories(ctx context.Context, userID, chatID string) bool

	// ListMemories pages through a user's memories ordered by a
	// whitelisted column (unknown columns fall back to created_at DESC).
	ListMemories(ctx context.Context, userID, chatID string, limit, offset int, orderBy string, desc bool) []Memory

	MemoryCount(ctx context.Context, userID, chatID string) int
	MemoryStats(ctx context.Context, userID string) Stats

	Close() error
}
