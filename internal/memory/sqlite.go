package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded backend: a single-file SQLite database with
// an FTS5 index for the lexical half of hybrid search. Embeddings are
// stored as little-endian float32 blobs and cosine similarity is computed
// in-process over the scoped candidate set.
type SQLiteStore struct {
	db  *sql.DB
	dim int
}

// NewSQLiteStore opens or creates the database at path and validates that
// the persisted embedding dimension matches dim. A mismatch is fatal: the
// schema must be recreated or the embedding model changed.
func NewSQLiteStore(path string, dim int) (*SQLiteStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, dim: dim}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.validateDimension(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("sqlite memory store opened", "path", path, "dimension", dim)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_blocks (
		label      TEXT NOT NULL,
		content    TEXT NOT NULL,
		chat_id    TEXT,
		user_id    TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_blocks_label ON memory_blocks(label);

	CREATE TABLE IF NOT EXISTS archival_memories (
		id           TEXT PRIMARY KEY,
		content      TEXT NOT NULL,
		embedding    BLOB NOT NULL,
		user_id      TEXT NOT NULL,
		chat_id      TEXT,
		metadata     TEXT NOT NULL DEFAULT '{}',
		importance   REAL NOT NULL DEFAULT 0.5,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		accessed_at  TEXT,
		access_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_archival_user ON archival_memories(user_id);
	CREATE INDEX IF NOT EXISTS idx_archival_user_chat ON archival_memories(user_id, chat_id);
	CREATE INDEX IF NOT EXISTS idx_archival_created ON archival_memories(created_at DESC);

	CREATE TABLE IF NOT EXISTS store_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS archival_fts USING fts5(
		content,
		content=archival_memories,
		content_rowid=rowid
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// FTS5 triggers keep the lexical index in sync with the base table.
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS archival_ai AFTER INSERT ON archival_memories BEGIN
			INSERT INTO archival_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS archival_ad AFTER DELETE ON archival_memories BEGIN
			INSERT INTO archival_fts(archival_fts, rowid, content) VALUES('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS archival_au AFTER UPDATE ON archival_memories BEGIN
			INSERT INTO archival_fts(archival_fts, rowid, content) VALUES('delete', old.rowid, old.content);
			INSERT INTO archival_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
	}
	for _, t := range triggers {
		if _, err := s.db.Exec(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) validateDimension() error {
	var stored string
	err := s.db.QueryRow(`SELECT value FROM store_meta WHERE key = 'embedding_dimension'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err := s.db.Exec(`INSERT INTO store_meta (key, value) VALUES ('embedding_dimension', ?)`,
			fmt.Sprintf("%d", s.dim))
		if err != nil {
			return fmt.Errorf("recording embedding dimension: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("reading embedding dimension: %w", err)
	}

	want := fmt.Sprintf("%d", s.dim)
	if stored != want {
		return fmt.Errorf("%w: store was created with dimension %s but the configured embedding model produces %s; delete the database file or switch back to a %s-dimension model",
			ErrDimensionMismatch, stored, want, stored)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- vector encoding ---

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// --- timestamps ---

func sqliteNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseSQLiteTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// --- block operations ---

func (s *SQLiteStore) GetMemoryBlock(ctx context.Context, label, chatID, userID string) (string, bool) {
	where := Render(And(Eq("label", label), blockScope(chatID, userID)))
	rows, err := s.db.QueryContext(ctx,
		`SELECT label, content, chat_id, user_id, created_at, updated_at FROM memory_blocks WHERE `+where)
	if err != nil {
		slog.Error("sqlite: get memory block", "label", label, "error", err)
		return "", false
	}
	defer rows.Close()

	blocks, err := scanBlocks(rows)
	if err != nil {
		slog.Error("sqlite: scan memory blocks", "error", err)
		return "", false
	}
	if len(blocks) == 0 {
		return "", false
	}

	sort.Slice(blocks, func(i, j int) bool {
		pi := blockPriority(blocks[i], chatID, userID)
		pj := blockPriority(blocks[j], chatID, userID)
		if pi != pj {
			return pi > pj
		}
		return blocks[i].CreatedAt.After(blocks[j].CreatedAt)
	})
	return blocks[0].Content, true
}

func (s *SQLiteStore) GetAllMemoryBlocks(ctx context.Context, chatID, userID string) map[string]string {
	where := Render(blockScope(chatID, userID))
	rows, err := s.db.QueryContext(ctx,
		`SELECT label, content, chat_id, user_id, created_at, updated_at FROM memory_blocks WHERE `+where)
	if err != nil {
		slog.Error("sqlite: get all memory blocks", "error", err)
		return map[string]string{}
	}
	defer rows.Close()

	blocks, err := scanBlocks(rows)
	if err != nil {
		slog.Error("sqlite: scan memory blocks", "error", err)
		return map[string]string{}
	}
	return pickBestBlocks(blocks, chatID, userID)
}

func (s *SQLiteStore) SetMemoryBlock(ctx context.Context, label, content, chatID, userID string) bool {
	where := Render(blockKey(label, chatID, userID))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("sqlite: set memory block begin", "label", label, "error", err)
		return false
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_blocks WHERE `+where); err != nil {
		slog.Error("sqlite: set memory block delete", "label", label, "error", err)
		return false
	}

	now := sqliteNow()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_blocks (label, content, chat_id, user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		label, content, nullable(chatID), nullable(userID), now, now)
	if err != nil {
		slog.Error("sqlite: set memory block insert", "label", label, "error", err)
		return false
	}
	if err := tx.Commit(); err != nil {
		slog.Error("sqlite: set memory block commit", "label", label, "error", err)
		return false
	}
	return true
}

func (s *SQLiteStore) DeleteAllMemoryBlocks(ctx context.Context, userID, chatID string) bool {
	conds := []Expr{EqOrNull("user_id", userID)}
	if chatID != "" {
		conds = append(conds, EqOrNull("chat_id", chatID))
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_blocks WHERE `+Render(And(conds...)))
	if err != nil {
		slog.Error("sqlite: delete all memory blocks", "user_id", userID, "error", err)
		return false
	}
	return true
}

// --- archival operations ---

func (s *SQLiteStore) AddMemory(ctx context.Context, content string, embedding []float32, userID, chatID string, metadata map[string]any, importance float64) (string, error) {
	if len(embedding) != s.dim {
		return "", fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, s.dim, len(embedding))
	}

	meta, err := json.Marshal(metadata)
	if err != nil || metadata == nil {
		meta = []byte(`{}`)
	}

	id := uuid.New().String()
	now := sqliteNow()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO archival_memories (id, content, embedding, user_id, chat_id, metadata, importance, created_at, updated_at, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		id, content, encodeVector(embedding), userID, nullable(chatID), string(meta), importance, now, now)
	if err != nil {
		return "", fmt.Errorf("inserting memory: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) SemanticSearch(ctx context.Context, embedding []float32, userID string, limit int, chatID string, minImportance float64) []SearchResult {
	scope := archivalScope(userID, chatID)
	if minImportance > 0 {
		scope = And(scope, Gte("importance", minImportance))
	}

	cands, err := s.semanticCandidates(ctx, Render(scope), embedding, limit)
	if err != nil {
		slog.Error("sqlite: semantic search", "user_id", userID, "error", err)
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

func (s *SQLiteStore) HybridSearch(ctx context.Context, embedding []float32, text, userID string, limit int, chatID string, w HybridWeights) []SearchResult {
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
		slog.Error("sqlite: hybrid semantic half", "user_id", userID, "error", serr)
		sem = nil
	}
	if ferr != nil {
		// An FTS syntax failure degrades to semantic-only ranking.
		slog.Warn("sqlite: hybrid lexical half", "user_id", userID, "error", ferr)
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

// semanticCandidates scans the scoped rows, computes cosine similarity
// in-process, and returns the top k. The embedded store has no vector
// index; the scoped scan is the contract.
func (s *SQLiteStore) semanticCandidates(ctx context.Context, where string, embedding []float32, k int) ([]candidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, embedding, user_id, chat_id, metadata, importance, created_at, updated_at, accessed_at, access_count
		 FROM archival_memories WHERE `+where)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cands []candidate
	for rows.Next() {
		mem, vec, err := scanSQLiteMemory(rows)
		if err != nil {
			return nil, err
		}
		cands = append(cands, candidate{mem: mem, score: cosineSimilarity(embedding, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if !cands[i].mem.CreatedAt.Equal(cands[j].mem.CreatedAt) {
			return cands[i].mem.CreatedAt.After(cands[j].mem.CreatedAt)
		}
		return cands[i].mem.ID < cands[j].mem.ID
	})
	if len(cands) > k {
		cands = cands[:k]
	}
	return cands, nil
}

func (s *SQLiteStore) lexicalCandidates(ctx context.Context, where, text string, k int) ([]candidate, error) {
	match := ftsQuery(text)
	if match == "" {
		return nil, nil
	}

	// bm25 returns lower-is-better; flip the sign so fusion sees
	// higher-is-better before batch normalization.
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.content, m.embedding, m.user_id, m.chat_id, m.metadata, m.importance, m.created_at, m.updated_at, m.accessed_at, m.access_count,
		        -bm25(archival_fts) AS fts_score
		 FROM archival_fts
		 JOIN archival_memories m ON m.rowid = archival_fts.rowid
		 WHERE archival_fts MATCH ? AND `+where+`
		 ORDER BY fts_score DESC
		 LIMIT ?`,
		match, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cands []candidate
	for rows.Next() {
		var (
			mem        Memory
			blob       []byte
			chatID     sql.NullString
			metadata   string
			accessedAt sql.NullString
			createdAt  string
			updatedAt  string
			ftsScore   float64
		)
		err := rows.Scan(&mem.ID, &mem.Content, &blob, &mem.UserID, &chatID, &metadata,
			&mem.Importance, &createdAt, &updatedAt, &accessedAt, &mem.AccessCount, &ftsScore)
		if err != nil {
			return nil, err
		}
		mem.ChatID = chatID.String
		mem.Metadata = json.RawMessage(metadata)
		mem.CreatedAt = parseSQLiteTime(createdAt)
		mem.UpdatedAt = parseSQLiteTime(updatedAt)
		if accessedAt.Valid {
			t := parseSQLiteTime(accessedAt.String)
			mem.AccessedAt = &t
		}
		cands = append(cands, candidate{mem: mem, score: ftsScore})
	}
	return cands, rows.Err()
}

// ftsQuery turns free text into an FTS5 OR-query of quoted terms, so query
// punctuation can never be parsed as FTS syntax.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

func (s *SQLiteStore) bumpAccess(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	conds := make([]string, len(ids))
	for i, id := range ids {
		conds[i] = literal(id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE archival_memories SET accessed_at = ?, access_count = access_count + 1
		 WHERE id IN (`+strings.Join(conds, ", ")+`)`, sqliteNow())
	if err != nil {
		slog.Warn("sqlite: bump access stats", "error", err)
	}
}

func (s *SQLiteStore) UpdateMemory(ctx context.Context, id string, upd MemoryUpdate) bool {
	if upd.Embedding != nil && len(upd.Embedding) != s.dim {
		slog.Error("sqlite: update memory", "id", id,
			"error", fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", s.dim, len(upd.Embedding)))
		return false
	}

	sets := []string{"updated_at = ?"}
	args := []any{sqliteNow()}
	if upd.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *upd.Content)
	}
	if upd.Embedding != nil {
		sets = append(sets, "embedding = ?")
		args = append(args, encodeVector(upd.Embedding))
	}
	if upd.Metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, string(upd.Metadata))
	}
	if upd.Importance != nil {
		sets = append(sets, "importance = ?")
		args = append(args, *upd.Importance)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE archival_memories SET `+strings.Join(sets, ", ")+` WHERE `+Render(Eq("id", id)),
		args...)
	if err != nil {
		slog.Error("sqlite: update memory", "id", id, "error", err)
		return false
	}
	n, _ := res.RowsAffected()
	return n == 1
}

func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) bool {
	res, err := s.db.ExecContext(ctx, `DELETE FROM archival_memories WHERE `+Render(Eq("id", id)))
	if err != nil {
		slog.Error("sqlite: delete memory", "id", id, "error", err)
		return false
	}
	n, _ := res.RowsAffected()
	return n == 1
}

func (s *SQLiteStore) DeleteAllMemories(ctx context.Context, userID, chatID string) bool {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM archival_memories WHERE `+Render(archivalScope(userID, chatID)))
	if err != nil {
		slog.Error("sqlite: delete all memories", "user_id", userID, "error", err)
		return false
	}
	return true
}

func (s *SQLiteStore) ListMemories(ctx context.Context, userID, chatID string, limit, offset int, orderBy string, desc bool) []Memory {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, embedding, user_id, chat_id, metadata, importance, created_at, updated_at, accessed_at, access_count
		 FROM archival_memories WHERE `+Render(archivalScope(userID, chatID))+`
		 ORDER BY `+OrderBy(orderBy, desc)+`
		 LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		slog.Error("sqlite: list memories", "user_id", userID, "error", err)
		return []Memory{}
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		mem, _, err := scanSQLiteMemory(rows)
		if err != nil {
			slog.Error("sqlite: scan memory", "error", err)
			return []Memory{}
		}
		out = append(out, mem)
	}
	if err := rows.Err(); err != nil {
		slog.Error("sqlite: list memories", "user_id", userID, "error", err)
		return []Memory{}
	}
	return out
}

func (s *SQLiteStore) MemoryCount(ctx context.Context, userID, chatID string) int {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM archival_memories WHERE `+Render(archivalScope(userID, chatID))).Scan(&count)
	if err != nil {
		slog.Error("sqlite: memory count", "user_id", userID, "error", err)
		return 0
	}
	return count
}

func (s *SQLiteStore) MemoryStats(ctx context.Context, userID string) Stats {
	var stats Stats
	var avgImp, maxImp, minImp, avgAccess sql.NullFloat64
	var totalAccess sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(importance), MAX(importance), MIN(importance), SUM(access_count), AVG(access_count)
		 FROM archival_memories WHERE `+Render(Eq("user_id", userID))).
		Scan(&stats.TotalMemories, &avgImp, &maxImp, &minImp, &totalAccess, &avgAccess)
	if err != nil {
		slog.Error("sqlite: memory stats", "user_id", userID, "error", err)
		return Stats{}
	}
	stats.AvgImportance = avgImp.Float64
	stats.MaxImportance = maxImp.Float64
	stats.MinImportance = minImp.Float64
	stats.TotalAccesses = int(totalAccess.Int64)
	stats.AvgAccessCount = avgAccess.Float64

	rows, err := s.db.QueryContext(ctx,
		`SELECT CASE WHEN importance >= 0.8 THEN 'high' WHEN importance >= 0.5 THEN 'medium' ELSE 'low' END AS bucket,
		        COUNT(*)
		 FROM archival_memories WHERE `+Render(Eq("user_id", userID))+`
		 GROUP BY bucket`)
	if err != nil {
		slog.Error("sqlite: importance distribution", "user_id", userID, "error", err)
		return stats
	}
	defer rows.Close()
	for rows.Next() {
		var bucket string
		var n int
		if err := rows.Scan(&bucket, &n); err != nil {
			slog.Error("sqlite: scan distribution", "error", err)
			return stats
		}
		switch bucket {
		case "high":
			stats.Distribution.High = n
		case "medium":
			stats.Distribution.Medium = n
		case "low":
			stats.Distribution.Low = n
		}
	}
	return stats
}

// --- scanning helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func scanBlocks(rows *sql.Rows) ([]Block, error) {
	var blocks []Block
	for rows.Next() {
		var b Block
		var chatID, userID sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&b.Label, &b.Content, &chatID, &userID, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		b.ChatID = chatID.String
		b.UserID = userID.String
		b.CreatedAt = parseSQLiteTime(createdAt)
		b.UpdatedAt = parseSQLiteTime(updatedAt)
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func scanSQLiteMemory(rows *sql.Rows) (Memory, []float32, error) {
	var (
		mem        Memory
		blob       []byte
		chatID     sql.NullString
		metadata   string
		accessedAt sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := rows.Scan(&mem.ID, &mem.Content, &blob, &mem.UserID, &chatID, &metadata,
		&mem.Importance, &createdAt, &updatedAt, &accessedAt, &mem.AccessCount)
	if err != nil {
		return Memory{}, nil, err
	}
	mem.ChatID = chatID.String
	mem.Metadata = json.RawMessage(metadata)
	mem.CreatedAt = parseSQLiteTime(createdAt)
	mem.UpdatedAt = parseSQLiteTime(updatedAt)
	if accessedAt.Valid {
		t := parseSQLiteTime(accessedAt.String)
		mem.AccessedAt = &t
	}
	return mem, decodeVector(blob), nil
}
