package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore is the server backend: pgvector for the semantic half of
// hybrid search and a generated tsvector column for the lexical half.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

// NewPostgresStore wraps an existing pool and validates that the vector
// column's declared dimension matches the configured embedding model. A
// mismatch is fatal at startup rather than a per-query surprise.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, dim int) (*PostgresStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}

	var columnDim int
	err := pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = 'archival_memories'::regclass AND attname = 'embedding'`).Scan(&columnDim)
	if err != nil {
		return nil, fmt.Errorf("reading embedding column dimension (did migrations run?): %w", err)
	}
	if columnDim != dim {
		return nil, fmt.Errorf("%w: archival_memories.embedding is vector(%d) but the configured embedding model produces %d; re-run migrations with the new dimension or switch back to a %d-dimension model",
			ErrDimensionMismatch, columnDim, dim, columnDim)
	}

	slog.Info("postgres memory store ready", "dimension", dim)
	return &PostgresStore{pool: pool, dim: dim}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- block operations ---

const blockColumns = `label, content, chat_id, user_id, created_at, updated_at`

func (s *PostgresStore) GetMemoryBlock(ctx context.Context, label, chatID, userID string) (string, bool) {
	where := Render(And(Eq("label", label), blockScope(chatID, userID)))
	rows, err := s.pool.Query(ctx,
		`SELECT `+blockColumns+` FROM memory_blocks WHERE `+where)
	if err != nil {
		slog.Error("postgres: get memory block", "label", label, "error", err)
		return "", false
	}

	blocks, err := collectBlocks(rows)
	if err != nil {
		slog.Error("postgres: scan memory blocks", "error", err)
		return "", false
	}
	if len(blocks) == 0 {
		return "", false
	}

	best := blocks[0]
	bestScore := blockPriority(best, chatID, userID)
	for _, b := range blocks[1:] {
		score := blockPriority(b, chatID, userID)
		if score > bestScore || (score == bestScore && b.CreatedAt.After(best.CreatedAt)) {
			best, bestScore = b, score
		}
	}
	return best.Content, true
}

func (s *PostgresStore) GetAllMemoryBlocks(ctx context.Context, chatID, userID string) map[string]string {
	rows, err := s.pool.Query(ctx,
		`SELECT `+blockColumns+` FROM memory_blocks WHERE `+Render(blockScope(chatID, userID)))
	if err != nil {
		slog.Error("postgres: get all memory blocks", "error", err)
		return map[string]string{}
	}

	blocks, err := collectBlocks(rows)
	if err != nil {
		slog.Error("postgres: scan memory blocks", "error", err)
		return map[string]string{}
	}
	return pickBestBlocks(blocks, chatID, userID)
}

func (s *PostgresStore) SetMemoryBlock(ctx context.Context, label, content, chatID, userID string) bool {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		slog.Error("postgres: set memory block begin", "label", label, "error", err)
		return false
	}
	defer tx.Rollback(ctx)

	where := Render(blockKey(label, chatID, userID))
	if _, err := tx.Exec(ctx, `DELETE FROM memory_blocks WHERE `+where); err != nil {
		slog.Error("postgres: set memory block delete", "label", label, "error", err)
		return false
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO memory_blocks (label, content, chat_id, user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now())`,
		label, content, nullString(chatID), nullString(userID))
	if err != nil {
		slog.Error("postgres: set memory block insert", "label", label, "error", err)
		return false
	}
	if err := tx.Commit(ctx); err != nil {
		slog.Error("postgres: set memory block commit", "label", label, "error", err)
		return false
	}
	return true
}

func (s *PostgresStore) DeleteAllMemoryBlocks(ctx context.Context, userID, chatID string) bool {
	conds := []Expr{EqOrNull("user_id", userID)}
	if chatID != "" {
		conds = append(conds, EqOrNull("chat_id", chatID))
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM memory_blocks WHERE `+Render(And(conds...)))
	if err != nil {
		slog.Error("postgres: delete all memory blocks", "user_id", userID, "error", err)
		return false
	}
	return true
}

// --- archival operations ---

const memoryColumns = `id, content, user_id, chat_id, metadata, importance, created_at, updated_at, accessed_at, access_count`

func (s *PostgresStore) AddMemory(ctx context.Context, content string, embedding []float32, userID, chatID string, metadata map[string]any, importance float64) (string, error) {
	if len(embedding) != s.dim {
		return "", fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, s.dim, len(embedding))
	}

	meta, err := json.Marshal(metadata)
	if err != nil || metadata == nil {
		meta = []byte(`{}`)
	}

	id := uuid.New().String()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO archival_memories (id, content, embedding, user_id, chat_id, metadata, importance, created_at, updated_at, access_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now(), 0)`,
		id, content, pgvector.NewVector(embedding), userID, nullString(chatID), meta, importance)
	if err != nil {
		return "", fmt.Errorf("inserting memory: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) SemanticSearch(ctx context.Context, embedding []float32, userID string, limit int, chatID string, minImportance float64) []SearchResult {
	scope := archivalScope(userID, chatID)
	if minImportance > 0 {
		scope = And(scope, Gte("importance", minImportance))
	}

	cands, err := s.semanticCandidates(ctx, Render(scope), embedding, limit)
	if err != nil {
		slog.Error("postgres: semantic search", "user_id", userID, "error", err)
		return []SearchResult{}
	}

	results := make([]SearchResult, 0, len(cands))
	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		results = append(results, SearchResult{Memory: c.mem, Similarity: c.score})
		ids = append(ids, c.mem.ID)
	}
	s.bumpAccess(ctx, ids)
	return results
}

func (s *PostgresStore) HybridSearch(ctx context.Context, embedding []float32, text, userID string, limit int, chatID string, w HybridWeights) []SearchResult {
	where := Render(archivalScope(userID, chatID))
	k := limit * 2

	var (
		wg   sync.WaitGroup
		sem  []candidate
		fts  []candidate
		serr error
		ferr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		sem, serr = s.semanticCandidates(ctx, where, embedding, k)
	}()
	go func() {
		defer wg.Done()
		fts, ferr = s.lexicalCandidates(ctx, where, text, k)
	}()
	wg.Wait()

	if serr != nil {
		slog.Error("postgres: hybrid semantic half", "user_id", userID, "error", serr)
		sem = nil
	}
	if ferr != nil {
		slog.Warn("postgres: hybrid lexical half", "user_id", userID, "error", ferr)
		fts = nil
	}

	results := fuseResults(sem, fts, w, time.Now().UTC(), limit)
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	s.bumpAccess(ctx, ids)
	return results
}

func (s *PostgresStore) semanticCandidates(ctx context.Context, where string, embedding []float32, k int) ([]candidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryColumns+`, 1 - (embedding <=> $1) AS similarity
		 FROM archival_memories
		 WHERE `+where+`
		 ORDER BY embedding <=> $1, created_at DESC, id
		 LIMIT $2`,
		pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, err
	}
	return collectCandidates(rows)
}

func (s *PostgresStore) lexicalCandidates(ctx context.Context, where, text string, k int) ([]candidate, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryColumns+`, ts_rank(content_fts, websearch_to_tsquery('english', $1)) AS fts_score
		 FROM archival_memories
		 WHERE content_fts @@ websearch_to_tsquery('english', $1) AND `+where+`
		 ORDER BY fts_score DESC, created_at DESC, id
		 LIMIT $2`,
		text, k)
	if err != nil {
		return nil, err
	}
	return collectCandidates(rows)
}

func (s *PostgresStore) bumpAccess(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE archival_memories SET accessed_at = now(), access_count = access_count + 1
		 WHERE id = ANY($1)`, ids)
	if err != nil {
		slog.Warn("postgres: bump access stats", "error", err)
	}
}

func (s *PostgresStore) UpdateMemory(ctx context.Context, id string, upd MemoryUpdate) bool {
	if upd.Embedding != nil && len(upd.Embedding) != s.dim {
		slog.Error("postgres: update memory", "id", id,
			"error", fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", s.dim, len(upd.Embedding)))
		return false
	}

	sets := []string{"updated_at = now()"}
	args := []any{}
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if upd.Content != nil {
		sets = append(sets, "content = "+arg(*upd.Content))
	}
	if upd.Embedding != nil {
		sets = append(sets, "embedding = "+arg(pgvector.NewVector(upd.Embedding)))
	}
	if upd.Metadata != nil {
		sets = append(sets, "metadata = "+arg([]byte(upd.Metadata)))
	}
	if upd.Importance != nil {
		sets = append(sets, "importance = "+arg(*upd.Importance))
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE archival_memories SET `+strings.Join(sets, ", ")+` WHERE `+Render(Eq("id", id)),
		args...)
	if err != nil {
		slog.Error("postgres: update memory", "id", id, "error", err)
		return false
	}
	return tag.RowsAffected() == 1
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, id string) bool {
	tag, err := s.pool.Exec(ctx, `DELETE FROM archival_memories WHERE `+Render(Eq("id", id)))
	if err != nil {
		slog.Error("postgres: delete memory", "id", id, "error", err)
		return false
	}
	return tag.RowsAffected() == 1
}

func (s *PostgresStore) DeleteAllMemories(ctx context.Context, userID, chatID string) bool {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM archival_memories WHERE `+Render(archivalScope(userID, chatID)))
	if err != nil {
		slog.Error("postgres: delete all memories", "user_id", userID, "error", err)
		return false
	}
	return true
}

func (s *PostgresStore) ListMemories(ctx context.Context, userID, chatID string, limit, offset int, orderBy string, desc bool) []Memory {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryColumns+`
		 FROM archival_memories WHERE `+Render(archivalScope(userID, chatID))+`
		 ORDER BY `+OrderBy(orderBy, desc)+` NULLS LAST
		 LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		slog.Error("postgres: list memories", "user_id", userID, "error", err)
		return []Memory{}
	}
	defer rows.Close()

	out := []Memory{}
	for rows.Next() {
		mem, err := scanPostgresMemory(rows)
		if err != nil {
			slog.Error("postgres: scan memory", "error", err)
			return []Memory{}
		}
		out = append(out, mem)
	}
	if err := rows.Err(); err != nil {
		slog.Error("postgres: list memories", "user_id", userID, "error", err)
		return []Memory{}
	}
	return out
}

func (s *PostgresStore) MemoryCount(ctx context.Context, userID, chatID string) int {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM archival_memories WHERE `+Render(archivalScope(userID, chatID))).Scan(&count)
	if err != nil {
		slog.Error("postgres: memory count", "user_id", userID, "error", err)
		return 0
	}
	return count
}

func (s *PostgresStore) MemoryStats(ctx context.Context, userID string) Stats {
	var stats Stats
	var avgImp, maxImp, minImp, avgAccess *float64
	var totalAccess *int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        AVG(importance), MAX(importance), MIN(importance),
		        SUM(access_count), AVG(access_count),
		        COUNT(*) FILTER (WHERE importance >= 0.8),
		        COUNT(*) FILTER (WHERE importance >= 0.5 AND importance < 0.8),
		        COUNT(*) FILTER (WHERE importance < 0.5)
		 FROM archival_memories WHERE `+Render(Eq("user_id", userID))).
		Scan(&stats.TotalMemories, &avgImp, &maxImp, &minImp, &totalAccess, &avgAccess,
			&stats.Distribution.High, &stats.Distribution.Medium, &stats.Distribution.Low)
	if err != nil {
		slog.Error("postgres: memory stats", "user_id", userID, "error", err)
		return Stats{}
	}
	if avgImp != nil {
		stats.AvgImportance = *avgImp
	}
	if maxImp != nil {
		stats.MaxImportance = *maxImp
	}
	if minImp != nil {
		stats.MinImportance = *minImp
	}
	if totalAccess != nil {
		stats.TotalAccesses = int(*totalAccess)
	}
	if avgAccess != nil {
		stats.AvgAccessCount = *avgAccess
	}
	return stats
}

// --- scanning helpers ---

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func collectBlocks(rows pgx.Rows) ([]Block, error) {
	defer rows.Close()
	var blocks []Block
	for rows.Next() {
		var b Block
		var chatID, userID *string
		if err := rows.Scan(&b.Label, &b.Content, &chatID, &userID, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if chatID != nil {
			b.ChatID = *chatID
		}
		if userID != nil {
			b.UserID = *userID
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func scanPostgresMemory(rows pgx.Rows) (Memory, error) {
	var mem Memory
	var chatID *string
	var meta []byte
	err := rows.Scan(&mem.ID, &mem.Content, &mem.UserID, &chatID, &meta,
		&mem.Importance, &mem.CreatedAt, &mem.UpdatedAt, &mem.AccessedAt, &mem.AccessCount)
	if err != nil {
		return Memory{}, err
	}
	if chatID != nil {
		mem.ChatID = *chatID
	}
	mem.Metadata = json.RawMessage(meta)
	return mem, nil
}

func collectCandidates(rows pgx.Rows) ([]candidate, error) {
	defer rows.Close()
	var cands []candidate
	for rows.Next() {
		var mem Memory
		var chatID *string
		var meta []byte
		var score float64
		err := rows.Scan(&mem.ID, &mem.Content, &mem.UserID, &chatID, &meta,
			&mem.Importance, &mem.CreatedAt, &mem.UpdatedAt, &mem.AccessedAt, &mem.AccessCount, &score)
		if err != nil {
			return nil, err
		}
		if chatID != nil {
			mem.ChatID = *chatID
		}
		mem.Metadata = json.RawMessage(meta)
		cands = append(cands, candidate{mem: mem, score: score})
	}
	return cands, rows.Err()
}
