package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder returns canned vectors per input text.
type stubEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.vecs[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (s *stubEmbedder) Dimension() int { return testDim }

// stubExtractor returns canned facts and summaries.
type stubExtractor struct {
	facts      []ExtractedFact
	summary    string
	extractErr error
	sumErr     error
}

func (s *stubExtractor) ExtractFacts(context.Context, string) ([]ExtractedFact, error) {
	return s.facts, s.extractErr
}

func (s *stubExtractor) Summarize(context.Context, string) (string, error) {
	return s.summary, s.sumErr
}

func newTestManager(t *testing.T, embedder *stubEmbedder, extractor ExtractionProvider) *Manager {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "mem.db"), testDim)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mgr, err := NewManager(ManagerConfig{
		Store:     store,
		Embedder:  embedder,
		Extractor: extractor,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	return mgr
}

func userTurn(text string) ConversationTurn {
	return ConversationTurn{
		UserMessage:      Message{Role: "user", Content: text},
		AssistantMessage: Message{Role: "assistant", Content: "noted"},
	}
}

func TestNewManager_RequiresStoreAndEmbedder(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	require.Error(t, err)

	_, err = NewManager(ManagerConfig{Embedder: &stubEmbedder{}})
	require.Error(t, err)
}

func TestGetCoreMemory_Defaults(t *testing.T) {
	mgr := newTestManager(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	blocks := mgr.GetCoreMemory(ctx, "", "u1")
	assert.Equal(t, "No user information yet.", blocks[BlockUser])
	assert.Equal(t, "No facts stored yet.", blocks[BlockFacts])
	assert.Equal(t, "No current context.", blocks[BlockContext])
	assert.Contains(t, blocks[BlockPersona], "helpful AI assistant")

	// Stored content overrides the default, others remain.
	require.True(t, mgr.UpdateMemoryBlock(ctx, BlockUser, "knows Go", "", "u1"))
	blocks = mgr.GetCoreMemory(ctx, "", "u1")
	assert.Equal(t, "knows Go", blocks[BlockUser])
	assert.Equal(t, "No current context.", blocks[BlockContext])
}

func TestFormatCoreMemory(t *testing.T) {
	mgr := newTestManager(t, &stubEmbedder{}, nil)
	out := mgr.FormatCoreMemory(context.Background(), "", "u1")
	assert.Contains(t, out, "## Memory System")
	assert.Contains(t, out, "**Persona**:")
	assert.Contains(t, out, "**Facts**:")
}

func TestUpdateBlock_Operations(t *testing.T) {
	mgr := newTestManager(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	require.NoError(t, mgr.UpdateBlock(ctx, BlockUser, OpReplace, "name: Alex", "", "", "u1"))
	content, ok := mgr.store.GetMemoryBlock(ctx, BlockUser, "", "u1")
	require.True(t, ok)
	assert.Equal(t, "name: Alex", content)

	require.NoError(t, mgr.UpdateBlock(ctx, BlockUser, OpAppend, "likes Go", "", "", "u1"))
	content, _ = mgr.store.GetMemoryBlock(ctx, BlockUser, "", "u1")
	assert.Equal(t, "name: Alex\nlikes Go", content)

	require.NoError(t, mgr.UpdateBlock(ctx, BlockUser, OpSearchReplace, "Rust", "Go", "", "u1"))
	content, _ = mgr.store.GetMemoryBlock(ctx, BlockUser, "", "u1")
	assert.Equal(t, "name: Alex\nlikes Rust", content)
}

func TestUpdateBlock_Errors(t *testing.T) {
	mgr := newTestManager(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	err := mgr.UpdateBlock(ctx, "unknown", OpReplace, "x", "", "", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid block label")

	err = mgr.UpdateBlock(ctx, BlockUser, "overwrite", "x", "", "", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid operation")

	err = mgr.UpdateBlock(ctx, BlockUser, OpSearchReplace, "x", "", "", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-empty pattern")

	err = mgr.UpdateBlock(ctx, BlockUser, OpSearchReplace, "x", "not-there", "", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestAddMemory_EmbedFailureSurfaces(t *testing.T) {
	mgr := newTestManager(t, &stubEmbedder{err: errors.New("provider down")}, nil)
	_, err := mgr.AddMemory(context.Background(), "fact", "u1", "", nil, 0.5)
	require.Error(t, err)
}

func TestSearchMemories_ZeroVectorDegradesToLexical(t *testing.T) {
	embedder := &stubEmbedder{vecs: map[string][]float32{
		"the user's name is Alex": {1, 0, 0},
	}}
	mgr := newTestManager(t, embedder, nil)
	ctx := context.Background()

	_, err := mgr.AddMemory(ctx, "the user's name is Alex", "u1", "", nil, 0.8)
	require.NoError(t, err)

	// Embedding now fails; the hybrid search still finds the lexical match.
	embedder.err = errors.New("provider down")
	results := mgr.SearchMemories(ctx, "Alex", "u1", "", 5)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Content, "Alex")
}

func TestProcessConversationTurn_ExtractionDisabled(t *testing.T) {
	mgr := newTestManager(t, &stubEmbedder{}, nil)
	result := mgr.ProcessConversationTurn(context.Background(), userTurn("hi"), "c1", "u1")
	assert.Empty(t, result.ExtractedFacts)
	assert.Empty(t, result.MemoriesCreated)
	assert.Empty(t, result.MemoriesUpdated)
}

func TestProcessConversationTurn_ExtractionFailureDegrades(t *testing.T) {
	mgr := newTestManager(t, &stubEmbedder{}, &stubExtractor{extractErr: errors.New("llm down")})
	result := mgr.ProcessConversationTurn(context.Background(), userTurn("hi"), "c1", "u1")
	assert.Empty(t, result.MemoriesCreated)
}

func TestProcessConversationTurn_StoresNewFacts(t *testing.T) {
	embedder := &stubEmbedder{vecs: map[string][]float32{
		"User works at a fintech startup": {1, 0, 0},
	}}
	extractor := &stubExtractor{facts: []ExtractedFact{
		{Content: "User works at a fintech startup", Category: "personal", Importance: 0.6, Tags: []string{"work"}},
	}}
	mgr := newTestManager(t, embedder, extractor)
	ctx := context.Background()

	result := mgr.ProcessConversationTurn(ctx, userTurn("I work at a fintech startup"), "c1", "u1")
	require.Len(t, result.MemoriesCreated, 1)
	assert.Empty(t, result.MemoriesUpdated)
	assert.Equal(t, []string{"User works at a fintech startup"}, result.ExtractedFacts)

	// Stored at user level with source chat in metadata.
	mems := mgr.ListMemories(ctx, "u1", "", 10, 0, "", true)
	require.Len(t, mems, 1)
	assert.Empty(t, mems[0].ChatID)
	meta := decodeMetadata(mems[0].Metadata)
	assert.Equal(t, "c1", meta["source_chat_id"])
	assert.Equal(t, "personal", meta["category"])
}

func TestProcessConversationTurn_DedupBoundary(t *testing.T) {
	// Existing memory sits at (1,0,0). The near-duplicate embeds at cosine
	// ~0.86 (merged), the distinct fact at ~0.84 (inserted).
	embedder := &stubEmbedder{vecs: map[string][]float32{
		"User's name is Alex":          {1, 0, 0},
		"The user is called Alex":      {0.86, 0.5103, 0},
		"User recently moved to Porto": {0.84, 0.5426, 0},
	}}
	mgr := newTestManager(t, embedder, nil)
	ctx := context.Background()

	existingID, err := mgr.AddMemory(ctx, "User's name is Alex", "u1", "", nil, 0.9)
	require.NoError(t, err)

	// Above the threshold: recorded as update, nothing inserted.
	mgrDup, _ := NewManager(ManagerConfig{
		Store:     mgr.store,
		Embedder:  embedder,
		Extractor: &stubExtractor{facts: []ExtractedFact{{Content: "The user is called Alex", Importance: 0.9}}},
	})
	result := mgrDup.ProcessConversationTurn(ctx, userTurn("call me Alex"), "c1", "u1")
	assert.Equal(t, []string{existingID}, result.MemoriesUpdated)
	assert.Empty(t, result.MemoriesCreated)
	assert.Equal(t, 1, mgr.MemoryCount(ctx, "u1", ""))

	// Below the threshold: inserted as new.
	mgrNew, _ := NewManager(ManagerConfig{
		Store:     mgr.store,
		Embedder:  embedder,
		Extractor: &stubExtractor{facts: []ExtractedFact{{Content: "User recently moved to Porto", Importance: 0.6}}},
	})
	result = mgrNew.ProcessConversationTurn(ctx, userTurn("I moved to Porto"), "c1", "u1")
	require.Len(t, result.MemoriesCreated, 1)
	assert.Empty(t, result.MemoriesUpdated)
	assert.Equal(t, 2, mgr.MemoryCount(ctx, "u1", ""))
}

func TestEndToEndScenario(t *testing.T) {
	embedder := &stubEmbedder{vecs: map[string][]float32{
		"User prefers dark mode":  {0, 1, 0},
		"User's name is Alex":     {1, 0, 0},
		"what's the user's name?": {0.9, 0.1, 0},
		"The user's name is Alex": {0.9, 0.4359, 0},
	}}
	mgr := newTestManager(t, embedder, nil)
	ctx := context.Background()

	_, err := mgr.AddMemory(ctx, "User prefers dark mode", "u1", "", nil, 0.6)
	require.NoError(t, err)
	nameID, err := mgr.AddMemory(ctx, "User's name is Alex", "u1", "", nil, 0.9)
	require.NoError(t, err)

	results := mgr.SearchMemories(ctx, "what's the user's name?", "u1", "", 10)
	require.NotEmpty(t, results)
	assert.Equal(t, nameID, results[0].ID, "name fact must outrank the preference fact")

	// A near-duplicate mention merges instead of inserting.
	mgrTurn, _ := NewManager(ManagerConfig{
		Store:     mgr.store,
		Embedder:  embedder,
		Extractor: &stubExtractor{facts: []ExtractedFact{{Content: "The user's name is Alex", Importance: 0.9}}},
	})
	result := mgrTurn.ProcessConversationTurn(ctx, userTurn("by the way, I'm Alex"), "c1", "u1")
	assert.Equal(t, []string{nameID}, result.MemoriesUpdated)
	assert.Empty(t, result.MemoriesCreated)
}

func TestRefreshFactsBlock(t *testing.T) {
	extractor := &stubExtractor{summary: "- **User Profile**: Alex, software engineer in Porto."}
	mgr := newTestManager(t, &stubEmbedder{}, extractor)
	ctx := context.Background()

	_, err := mgr.AddMemory(ctx, "User's name is Alex", "u1", "", nil, 0.9)
	require.NoError(t, err)
	_, err = mgr.AddMemory(ctx, "minor detail", "u1", "", nil, 0.2)
	require.NoError(t, err)

	require.NoError(t, mgr.RefreshFactsBlock(ctx, "u1", ""))

	content, ok := mgr.store.GetMemoryBlock(ctx, BlockFacts, "", "u1")
	require.True(t, ok)
	assert.Contains(t, content, "Last consolidated:")
	assert.Contains(t, content, "Alex, software engineer")
}

func TestRefreshFactsBlock_NoImportantFactsIsNoop(t *testing.T) {
	mgr := newTestManager(t, &stubEmbedder{}, &stubExtractor{summary: "unused"})
	ctx := context.Background()

	_, err := mgr.AddMemory(ctx, "minor detail", "u1", "", nil, 0.2)
	require.NoError(t, err)

	require.NoError(t, mgr.RefreshFactsBlock(ctx, "u1", ""))
	_, ok := mgr.store.GetMemoryBlock(ctx, BlockFacts, "", "u1")
	assert.False(t, ok)
}

func TestImportantFactTriggersRefresh(t *testing.T) {
	embedder := &stubEmbedder{vecs: map[string][]float32{
		"User is the CTO of the company": {1, 0, 0},
	}}
	extractor := &stubExtractor{
		facts:   []ExtractedFact{{Content: "User is the CTO of the company", Importance: 0.9}},
		summary: "- **User Profile**: CTO.",
	}
	mgr := newTestManager(t, embedder, extractor)
	ctx := context.Background()
	mgr.Start(ctx)

	result := mgr.ProcessConversationTurn(ctx, userTurn("I'm the CTO here"), "c1", "u1")
	require.Len(t, result.MemoriesCreated, 1)

	select {
	case res := <-mgr.RefreshResults():
		require.NoError(t, res.Err)
		assert.Equal(t, "u1", res.UserID)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a facts refresh to run")
	}

	content, ok := mgr.store.GetMemoryBlock(ctx, BlockFacts, "", "u1")
	require.True(t, ok)
	assert.Contains(t, content, "CTO")
}

func TestImportantDedupedFactStillTriggersRefresh(t *testing.T) {
	// A repeated important fact deduplicates instead of inserting, but the
	// facts block rebuild must still be queued.
	embedder := &stubEmbedder{vecs: map[string][]float32{
		"User is the CTO of the company":    {1, 0, 0},
		"The user leads the company as CTO": {0.9, 0.4359, 0},
	}}
	extractor := &stubExtractor{
		facts:   []ExtractedFact{{Content: "The user leads the company as CTO", Importance: 0.9}},
		summary: "- **User Profile**: CTO.",
	}
	mgr := newTestManager(t, embedder, extractor)
	ctx := context.Background()
	mgr.Start(ctx)

	existingID, err := mgr.AddMemory(ctx, "User is the CTO of the company", "u1", "", nil, 0.9)
	require.NoError(t, err)

	result := mgr.ProcessConversationTurn(ctx, userTurn("as CTO I decide this"), "c1", "u1")
	assert.Equal(t, []string{existingID}, result.MemoriesUpdated)
	assert.Empty(t, result.MemoriesCreated)

	select {
	case res := <-mgr.RefreshResults():
		require.NoError(t, res.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a facts refresh after an important duplicate")
	}
}

func TestRetrieveRelevantMemories(t *testing.T) {
	embedder := &stubEmbedder{vecs: map[string][]float32{
		"User's name is Alex": {1, 0, 0},
		"name":                {1, 0, 0},
	}}
	mgr := newTestManager(t, embedder, nil)
	ctx := context.Background()

	assert.Empty(t, mgr.RetrieveRelevantMemories(ctx, "name", "", "u1", 5))

	_, err := mgr.AddMemory(ctx, "User's name is Alex", "u1", "", map[string]any{"category": "personal"}, 0.9)
	require.NoError(t, err)

	out := mgr.RetrieveRelevantMemories(ctx, "name", "", "u1", 5)
	assert.Contains(t, out, "<memory>")
	assert.Contains(t, out, "User's name is Alex")
	assert.Contains(t, out, "**[Important]**")
}

func TestUpdateMemory_ReembedsOnContentChange(t *testing.T) {
	embedder := &stubEmbedder{vecs: map[string][]float32{
		"old content": {1, 0, 0},
		"new content": {0, 1, 0},
	}}
	mgr := newTestManager(t, embedder, nil)
	ctx := context.Background()

	id, err := mgr.AddMemory(ctx, "old content", "u1", "", nil, 0.5)
	require.NoError(t, err)

	content := "new content"
	require.True(t, mgr.UpdateMemory(ctx, id, "u1", MemoryUpdate{Content: &content}))

	// The new embedding is live: a query aligned with the new vector wins.
	results := mgr.store.SemanticSearch(ctx, []float32{0, 1, 0}, "u1", 1, "", 0)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
}
