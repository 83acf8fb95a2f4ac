package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultImportance is assigned when a fact arrives without a score.
	DefaultImportance = 0.5

	// importantMemoryThreshold marks facts that should surface in the core
	// facts block.
	importantMemoryThreshold = 0.7

	dedupSearchLimit      = 3
	defaultDedupThreshold = 0.85

	defaultRetrievalLimit = 5
	defaultSearchLimit    = 10

	// factsRefreshScanLimit caps how many memories a facts rebuild reads.
	factsRefreshScanLimit = 50
)

// Block edit operations accepted by UpdateBlock.
const (
	OpReplace       = "replace"
	OpAppend        = "append"
	OpSearchReplace = "search_replace"
)

// Events receives memory lifecycle notifications. Implementations must not
// block the write path.
type Events interface {
	MemoryCreated(ctx context.Context, mem Memory)
	MemoryUpdated(ctx context.Context, id, userID string)
	MemoryDeleted(ctx context.Context, id, userID string)
	BlockUpdated(ctx context.Context, label, chatID, userID string)
}

// ManagerConfig wires a Manager's dependencies. Store and Embedder are
// required; everything else degrades gracefully when absent.
type ManagerConfig struct {
	Store    Store
	Embedder EmbeddingProvider

	// Extractor enables automatic fact extraction from conversation turns.
	// Nil disables turn processing (reads and explicit writes still work).
	Extractor ExtractionProvider

	// ShortTerm caches recent turns per conversation. Optional.
	ShortTerm *ShortTermCache

	// Events publishes lifecycle notifications. Optional.
	Events Events

	// Weights override the hybrid fusion defaults when non-zero.
	Weights HybridWeights

	// DedupThreshold overrides the similarity cutoff above which an
	// extracted fact is considered already stored. Zero means the default.
	DedupThreshold float64

	RefreshQueueDepth int
}

// Manager is the high-level memory API: core blocks, archival search, and
// the automatic extract-dedup-store write path.
type Manager struct {
	store          Store
	embedder       EmbeddingProvider
	extractor      ExtractionProvider
	shortTerm      *ShortTermCache
	events         Events
	weights        HybridWeights
	dedupThreshold float64
	refresher      *Refresher
}

// NewManager validates the config and builds a Manager. Call Start to
// launch background work and Close to stop it.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("manager requires a store")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("manager requires an embedding provider")
	}

	weights := cfg.Weights
	if weights == (HybridWeights{}) {
		weights = DefaultHybridWeights()
	}
	threshold := cfg.DedupThreshold
	if threshold == 0 {
		threshold = defaultDedupThreshold
	}

	m := &Manager{
		store:          cfg.Store,
		embedder:       cfg.Embedder,
		extractor:      cfg.Extractor,
		shortTerm:      cfg.ShortTerm,
		events:         cfg.Events,
		weights:        weights,
		dedupThreshold: threshold,
	}
	if cfg.Extractor != nil {
		m.refresher = NewRefresher(m.RefreshFactsBlock, cfg.RefreshQueueDepth)
	}
	return m, nil
}

// Start launches the background facts refresher, when extraction is
// configured.
func (m *Manager) Start(ctx context.Context) {
	if m.refresher != nil {
		m.refresher.Start(ctx)
	}
}

// Close stops background work. The store is owned by the caller and is not
// closed here.
func (m *Manager) Close() {
	if m.refresher != nil {
		m.refresher.Stop()
	}
}

// RefreshResults exposes facts rebuild outcomes, or nil when extraction is
// disabled.
func (m *Manager) RefreshResults() <-chan RefreshResult {
	if m.refresher == nil {
		return nil
	}
	return m.refresher.Results()
}

// --- core memory ---

// defaultBlocks are what the agent sees before anything is stored.
var defaultBlocks = map[string]string{
	BlockPersona: "You are a helpful AI assistant with long-term memory.",
	BlockUser:    "No user information yet.",
	BlockFacts:   "No facts stored yet.",
	BlockContext: "No current context.",
}

// GetCoreMemory returns all visible blocks, filling in defaults so the
// standard labels always exist from the caller's point of view.
func (m *Manager) GetCoreMemory(ctx context.Context, chatID, userID string) map[string]string {
	blocks := m.store.GetAllMemoryBlocks(ctx, chatID, userID)
	for label, def := range defaultBlocks {
		if _, ok := blocks[label]; !ok {
			blocks[label] = def
		}
	}
	return blocks
}

// FormatCoreMemory renders the visible blocks for prompt injection.
func (m *Manager) FormatCoreMemory(ctx context.Context, chatID, userID string) string {
	return FormatCoreMemorySection(m.GetCoreMemory(ctx, chatID, userID))
}

// UpdateMemoryBlock replaces a block's content at the given scope.
func (m *Manager) UpdateMemoryBlock(ctx context.Context, label, content, chatID, userID string) bool {
	ok := m.store.SetMemoryBlock(ctx, label, content, chatID, userID)
	if ok {
		slog.Info("memory block updated", "label", label, "user_id", userID, "chat_id", chatID)
		if m.events != nil {
			m.events.BlockUpdated(ctx, label, chatID, userID)
		}
	}
	return ok
}

// UpdateBlock applies an edit operation to a standard block. It reads the
// current content under the same scope rules the agent sees, applies the
// edit, and writes the result back.
func (m *Manager) UpdateBlock(ctx context.Context, label, op, content, pattern, chatID, userID string) error {
	if !isStandardLabel(label) {
		return fmt.Errorf("invalid block label %q, must be one of: %s", label, strings.Join(StandardBlockLabels, ", "))
	}

	current, _ := m.store.GetMemoryBlock(ctx, label, chatID, userID)

	var next string
	switch op {
	case OpReplace:
		next = content
	case OpAppend:
		if current == "" {
			next = content
		} else {
			next = current + "\n" + content
		}
	case OpSearchReplace:
		if pattern == "" {
			return fmt.Errorf("search_replace requires a non-empty pattern")
		}
		if !strings.Contains(current, pattern) {
			return fmt.Errorf("pattern %q not found in block %q", pattern, label)
		}
		next = strings.ReplaceAll(current, pattern, content)
	default:
		return fmt.Errorf("invalid operation %q, must be one of: %s, %s, %s", op, OpReplace, OpAppend, OpSearchReplace)
	}

	if !m.UpdateMemoryBlock(ctx, label, next, chatID, userID) {
		return fmt.Errorf("failed to store block %q", label)
	}
	return nil
}

// DeleteAllMemoryBlocks clears blocks visible to the scope.
func (m *Manager) DeleteAllMemoryBlocks(ctx context.Context, userID, chatID string) bool {
	return m.store.DeleteAllMemoryBlocks(ctx, userID, chatID)
}

func isStandardLabel(label string) bool {
	for _, l := range StandardBlockLabels {
		if l == label {
			return true
		}
	}
	return false
}

// --- archival search ---

// embedOrZero returns the query embedding, degrading to a zero vector so a
// flaky embedding provider turns searches into lexical-only ranking instead
// of failures.
func (m *Manager) embedOrZero(ctx context.Context, text string) []float32 {
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		slog.Warn("embedding failed, using zero vector", "error", err)
		return make([]float32, m.embedder.Dimension())
	}
	return vec
}

// SearchMemories runs hybrid search over a user's archival memories.
func (m *Manager) SearchMemories(ctx context.Context, query, userID, chatID string, limit int) []SearchResult {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	vec := m.embedOrZero(ctx, query)
	results := m.store.HybridSearch(ctx, vec, query, userID, limit, chatID, m.weights)
	slog.Info("memory search", "user_id", userID, "results", len(results))
	return results
}

// SemanticSearchMemories runs pure cosine-ranked search, optionally
// filtered by minimum importance.
func (m *Manager) SemanticSearchMemories(ctx context.Context, query, userID, chatID string, limit int, minImportance float64) []SearchResult {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	vec := m.embedOrZero(ctx, query)
	return m.store.SemanticSearch(ctx, vec, userID, limit, chatID, minImportance)
}

// RetrieveRelevantMemories searches for memories relevant to the query and
// renders them for context injection. Returns "" when nothing matches.
func (m *Manager) RetrieveRelevantMemories(ctx context.Context, query, chatID, userID string, limit int) string {
	if limit <= 0 {
		limit = defaultRetrievalLimit
	}
	memories := m.SearchMemories(ctx, query, userID, chatID, limit)
	if len(memories) == 0 {
		return ""
	}
	return FormatRetrievedMemories(memories)
}

// --- archival writes ---

// AddMemory embeds and stores a memory explicitly. Unlike the automatic
// write path, an embedding failure here is surfaced to the caller.
func (m *Manager) AddMemory(ctx context.Context, content, userID, chatID string, metadata map[string]any, importance float64) (string, error) {
	vec, err := m.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("embedding memory content: %w", err)
	}
	if importance <= 0 {
		importance = DefaultImportance
	}
	id, err := m.store.AddMemory(ctx, content, vec, userID, chatID, metadata, importance)
	if err != nil {
		return "", err
	}
	if m.events != nil {
		m.events.MemoryCreated(ctx, Memory{ID: id, Content: content, UserID: userID, ChatID: chatID, Importance: importance})
	}
	return id, nil
}

func (m *Manager) UpdateMemory(ctx context.Context, id, userID string, upd MemoryUpdate) bool {
	// A content change invalidates the stored embedding.
	if upd.Content != nil && upd.Embedding == nil {
		vec, err := m.embedder.Embed(ctx, *upd.Content)
		if err != nil {
			slog.Error("embedding updated content", "id", id, "error", err)
			return false
		}
		upd.Embedding = vec
	}
	ok := m.store.UpdateMemory(ctx, id, upd)
	if ok && m.events != nil {
		m.events.MemoryUpdated(ctx, id, userID)
	}
	return ok
}

func (m *Manager) DeleteMemory(ctx context.Context, id, userID string) bool {
	ok := m.store.DeleteMemory(ctx, id)
	if ok && m.events != nil {
		m.events.MemoryDeleted(ctx, id, userID)
	}
	return ok
}

func (m *Manager) DeleteAllMemories(ctx context.Context, userID, chatID string) bool {
	return m.store.DeleteAllMemories(ctx, userID, chatID)
}

func (m *Manager) ListMemories(ctx context.Context, userID, chatID string, limit, offset int, orderBy string, desc bool) []Memory {
	return m.store.ListMemories(ctx, userID, chatID, limit, offset, orderBy, desc)
}

func (m *Manager) MemoryCount(ctx context.Context, userID, chatID string) int {
	return m.store.MemoryCount(ctx, userID, chatID)
}

func (m *Manager) MemoryStats(ctx context.Context, userID string) Stats {
	return m.store.MemoryStats(ctx, userID)
}

// --- automatic write path ---

// ProcessConversationTurn extracts facts from a completed turn and stores
// the new ones at user scope. Near-duplicates (cosine similarity above the
// dedup threshold against existing user memories) are recorded as updates
// rather than stored again. A turn that produced an important fact queues a
// facts block rebuild.
//
// Concurrent turns may both miss the duplicate check and store the same
// fact twice; the next rebuild merges them, so no lock is held across the
// extract-search-insert sequence.
func (m *Manager) ProcessConversationTurn(ctx context.Context, turn ConversationTurn, chatID, userID string) ExtractionResult {
	result := emptyExtractionResult()

	if m.shortTerm != nil {
		if err := m.shortTerm.AppendTurn(ctx, userID, chatID, turn); err != nil {
			slog.Warn("short-term cache append failed", "error", err)
		}
	}

	if m.extractor == nil {
		return result
	}

	facts, err := m.extractor.ExtractFacts(ctx, turn.FormatForExtraction())
	if err != nil {
		slog.Error("fact extraction failed", "user_id", userID, "error", err)
		return result
	}
	if len(facts) == 0 {
		return result
	}

	important := false
	for _, fact := range facts {
		result.ExtractedFacts = append(result.ExtractedFacts, fact.Content)

		importance := fact.Importance
		if importance <= 0 {
			importance = DefaultImportance
		}
		// An important fact queues a rebuild even when it deduplicates:
		// the consolidated block must reflect the repeated mention.
		if importance >= importantMemoryThreshold {
			important = true
		}

		vec := m.embedOrZero(ctx, fact.Content)

		// Dedup against user-level memories regardless of chat.
		similar := m.store.SemanticSearch(ctx, vec, userID, dedupSearchLimit, "", 0)
		if len(similar) > 0 && similar[0].Similarity > m.dedupThreshold {
			result.MemoriesUpdated = append(result.MemoriesUpdated, similar[0].ID)
			continue
		}

		meta := map[string]any{
			"importance":     importance,
			"category":       fact.Category,
			"tags":           fact.Tags,
			"source_chat_id": chatID,
		}

		// Stored at user level so every chat benefits; the source chat is
		// kept in metadata.
		id, err := m.store.AddMemory(ctx, fact.Content, vec, userID, "", meta, importance)
		if err != nil {
			slog.Error("storing extracted fact", "user_id", userID, "error", err)
			continue
		}
		result.MemoriesCreated = append(result.MemoriesCreated, id)
		if m.events != nil {
			m.events.MemoryCreated(ctx, Memory{ID: id, Content: fact.Content, UserID: userID, Importance: importance})
		}
	}

	slog.Info("processed conversation turn",
		"user_id", userID,
		"created", len(result.MemoriesCreated),
		"deduplicated", len(result.MemoriesUpdated))

	if important && m.refresher != nil {
		m.refresher.Trigger(userID, chatID)
	}
	return result
}

// RefreshFactsBlock rebuilds the user's core facts block from their most
// important archival memories.
func (m *Manager) RefreshFactsBlock(ctx context.Context, userID, chatID string) error {
	if m.extractor == nil {
		return fmt.Errorf("facts refresh requires an extraction provider")
	}

	mems := m.store.ListMemories(ctx, userID, "", factsRefreshScanLimit, 0, "importance", true)
	facts := mems[:0]
	for _, mm := range mems {
		if mm.Importance >= importantMemoryThreshold {
			facts = append(facts, mm)
		}
	}
	if len(facts) == 0 {
		return nil
	}

	summary, err := m.extractor.Summarize(ctx, factsSummarizationPrompt(facts))
	if err != nil {
		return fmt.Errorf("summarizing facts: %w", err)
	}

	stamped := stampFreshness(summary, time.Now())
	if !m.store.SetMemoryBlock(ctx, BlockFacts, stamped, "", userID) {
		return fmt.Errorf("writing facts block for user %s", userID)
	}
	if m.events != nil {
		m.events.BlockUpdated(ctx, BlockFacts, chatID, userID)
	}
	return nil
}

// RecentTurns returns the short-term turn cache for a conversation, or nil
// when the cache is disabled.
func (m *Manager) RecentTurns(ctx context.Context, userID, chatID string, n int) []ConversationTurn {
	if m.shortTerm == nil {
		return nil
	}
	turns, err := m.shortTerm.RecentTurns(ctx, userID, chatID, n)
	if err != nil {
		slog.Warn("short-term cache read failed", "error", err)
		return nil
	}
	return turns
}
