package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mem(id string, importance float64, createdAt time.Time) Memory {
	return Memory{ID: id, Importance: importance, CreatedAt: createdAt}
}

func TestBlockPriority(t *testing.T) {
	now := time.Now()
	b := Block{Label: "user", ChatID: "c1", UserID: "u1", CreatedAt: now}

	assert.Equal(t, 15, blockPriority(b, "c1", "u1"))
	assert.Equal(t, 10, blockPriority(b, "c1", "other"))
	assert.Equal(t, 5, blockPriority(b, "other", "u1"))
	assert.Equal(t, 0, blockPriority(b, "", ""))
}

func TestPickBestBlocks_ChatBeatsUser(t *testing.T) {
	now := time.Now()
	blocks := []Block{
		{Label: "context", Content: "global", CreatedAt: now},
		{Label: "context", Content: "user-level", UserID: "u1", CreatedAt: now},
		{Label: "context", Content: "chat-level", ChatID: "c1", CreatedAt: now},
	}
	got := pickBestBlocks(blocks, "c1", "u1")
	assert.Equal(t, "chat-level", got["context"])
}

func TestPickBestBlocks_TieBrokenByNewest(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	blocks := []Block{
		{Label: "facts", Content: "older", UserID: "u1", CreatedAt: old},
		{Label: "facts", Content: "newer", UserID: "u1", CreatedAt: old.Add(time.Minute)},
	}
	got := pickBestBlocks(blocks, "", "u1")
	assert.Equal(t, "newer", got["facts"])
}

func TestRecencyScore(t *testing.T) {
	now := time.Now().UTC()

	// Brand new document scores 1.
	assert.InDelta(t, 1.0, recencyScore(now, now), 1e-9)

	// One day old scores exactly 1/2, ten days 1/11.
	assert.InDelta(t, 0.5, recencyScore(now.Add(-24*time.Hour), now), 1e-9)
	assert.InDelta(t, 1.0/11.0, recencyScore(now.Add(-240*time.Hour), now), 1e-9)

	// Fractional days decay smoothly: 12h old sits between the two.
	half := recencyScore(now.Add(-12*time.Hour), now)
	assert.Greater(t, half, 0.5)
	assert.Less(t, half, 1.0)

	// Clock skew cannot produce a score above 1.
	assert.InDelta(t, 1.0, recencyScore(now.Add(time.Minute), now), 1e-9)
}

func TestFuseResults_ExactFormula(t *testing.T) {
	now := time.Now().UTC()
	created := now.Add(-24 * time.Hour) // recency = 0.5

	m := mem("a", 0.8, created)
	sem := []candidate{{mem: m, score: 0.9}}
	fts := []candidate{{mem: m, score: 4.0}} // batch max, normalizes to 1.0

	got := fuseResults(sem, fts, DefaultHybridWeights(), now, 10)
	require.Len(t, got, 1)

	want := 0.9*0.7 + 1.0*0.3 + 0.8*0.2 + 0.5*0.1
	assert.InDelta(t, want, got[0].Score, 1e-9)
}

func TestFuseResults_FTSNormalizedByBatchMax(t *testing.T) {
	now := time.Now().UTC()
	fts := []candidate{
		{mem: mem("a", 0, now), score: 8.0},
		{mem: mem("b", 0, now), score: 2.0},
	}

	got := fuseResults(nil, fts, HybridWeights{FTS: 1}, now, 10)
	require.Len(t, got, 2)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.InDelta(t, 0.25, got[1].Score, 1e-9)
}

func TestFuseResults_MissingDimensionContributesZero(t *testing.T) {
	now := time.Now().UTC()
	sem := []candidate{{mem: mem("only-sem", 0, now), score: 0.6}}
	fts := []candidate{{mem: mem("only-fts", 0, now), score: 3.0}}

	got := fuseResults(sem, fts, HybridWeights{Semantic: 1, FTS: 1}, now, 10)
	require.Len(t, got, 2)

	scores := map[string]float64{}
	for _, r := range got {
		scores[r.ID] = r.Score
	}
	assert.InDelta(t, 0.6, scores["only-sem"], 1e-9)
	assert.InDelta(t, 1.0, scores["only-fts"], 1e-9)
}

func TestFuseResults_MergesByID(t *testing.T) {
	now := time.Now().UTC()
	m := mem("shared", 0, now)
	sem := []candidate{{mem: m, score: 0.5}}
	fts := []candidate{{mem: m, score: 1.0}}

	got := fuseResults(sem, fts, HybridWeights{Semantic: 1, FTS: 1}, now, 10)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.5, got[0].Score, 1e-9)
}

func TestFuseResults_DeterministicOrdering(t *testing.T) {
	now := time.Now().UTC()
	older := now.Add(-time.Hour)

	// Equal scores: newer created_at wins, then lexicographic id.
	sem := []candidate{
		{mem: mem("b", 0, now), score: 0.5},
		{mem: mem("a", 0, now), score: 0.5},
		{mem: mem("c", 0, older), score: 0.5},
	}

	for i := 0; i < 10; i++ {
		got := fuseResults(sem, nil, HybridWeights{Semantic: 1}, now, 10)
		require.Len(t, got, 3)
		assert.Equal(t, "a", got[0].ID, "run %d", i)
		assert.Equal(t, "b", got[1].ID, "run %d", i)
		assert.Equal(t, "c", got[2].ID, "run %d", i)
	}
}

func TestFuseResults_TruncatesToLimit(t *testing.T) {
	now := time.Now().UTC()
	var sem []candidate
	for i := 0; i < 20; i++ {
		sem = append(sem, candidate{mem: mem(fmt.Sprintf("m%02d", i), 0, now), score: float64(i)})
	}
	got := fuseResults(sem, nil, HybridWeights{Semantic: 1}, now, 5)
	assert.Len(t, got, 5)
	assert.Equal(t, "m19", got[0].ID)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// Zero-norm and mismatched lengths score 0.
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 0}))
}
