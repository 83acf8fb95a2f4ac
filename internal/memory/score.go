package memory

import (
	"math"
	"sort"
	"time"
)

// Block priority bonuses: an exact chat match always beats an exact user
// match, which beats a global block.
const (
	chatMatchBonus = 10
	userMatchBonus = 5
)

// blockPriority scores a block against the requested scope.
func blockPriority(b Block, chatID, userID string) int {
	score := 0
	if chatID != "" && b.ChatID == chatID {
		score += chatMatchBonus
	}
	if userID != "" && b.UserID == userID {
		score += userMatchBonus
	}
	return score
}

// pickBestBlocks reduces candidate blocks to one winner per label:
// highest priority, ties broken by newest created_at.
func pickBestBlocks(blocks []Block, chatID, userID string) map[string]string {
	type best struct {
		score int
		block Block
	}
	winners := make(map[string]best)
	for _, b := range blocks {
		score := blockPriority(b, chatID, userID)
		cur, ok := winners[b.Label]
		if !ok || score > cur.score || (score == cur.score && b.CreatedAt.After(cur.block.CreatedAt)) {
			winners[b.Label] = best{score: score, block: b}
		}
	}
	out := make(map[string]string, len(winners))
	for label, w := range winners {
		out[label] = w.block.Content
	}
	return out
}

// HybridWeights tunes the score fusion of hybrid search.
type HybridWeights struct {
	Semantic   float64 `json:"semantic_weight"`
	FTS        float64 `json:"fts_weight"`
	Recency    float64 `json:"recency_boost"`
	Importance float64 `json:"importance_boost"`
}

// DefaultHybridWeights returns the standard fusion weights.
func DefaultHybridWeights() HybridWeights {
	return HybridWeights{Semantic: 0.7, FTS: 0.3, Recency: 0.1, Importance: 0.2}
}

// candidate is one raw result from a backend's semantic or lexical query.
type candidate struct {
	mem   Memory
	score float64
}

// recencyScore decays with document age: 1 / (1 + age_in_days). Timestamps
// without a location are treated as UTC; now must be timezone-aware UTC.
func recencyScore(createdAt, now time.Time) float64 {
	ageDays := now.UTC().Sub(createdAt.UTC()).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return 1.0 / (1.0 + ageDays)
}

// fuseResults merges semantic and lexical candidate sets by document id and
// computes the final hybrid score:
//
//	sem*wSem + ftsNorm*wFTS + importance*wImp + recency*wRec
//
// Lexical scores are normalized by the batch maximum; a document missing
// from one set contributes 0 on that dimension. Ordering is deterministic:
// score descending, then created_at descending, then id.
func fuseResults(sem, fts []candidate, w HybridWeights, now time.Time, limit int) []SearchResult {
	type scored struct {
		mem      Memory
		semScore float64
		ftsScore float64
	}

	maxFTS := 0.0
	for _, c := range fts {
		if c.score > maxFTS {
			maxFTS = c.score
		}
	}

	combined := make(map[string]*scored, len(sem)+len(fts))
	order := make([]string, 0, len(sem)+len(fts))

	for _, c := range sem {
		if _, ok := combined[c.mem.ID]; !ok {
			order = append(order, c.mem.ID)
		}
		combined[c.mem.ID] = &scored{mem: c.mem, semScore: c.score}
	}
	for _, c := range fts {
		norm := 0.0
		if maxFTS > 0 {
			norm = c.score / maxFTS
		}
		if s, ok := combined[c.mem.ID]; ok {
			s.ftsScore = norm
		} else {
			combined[c.mem.ID] = &scored{mem: c.mem, ftsScore: norm}
			order = append(order, c.mem.ID)
		}
	}

	results := make([]SearchResult, 0, len(combined))
	for _, id := range order {
		s := combined[id]
		final := s.semScore*w.Semantic +
			s.ftsScore*w.FTS +
			s.mem.Importance*w.Importance +
			recencyScore(s.mem.CreatedAt, now)*w.Recency
		results = append(results, SearchResult{Memory: s.mem, Score: final})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// cosineSimilarity computes the cosine similarity of two equal-length
// vectors; zero-norm vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
