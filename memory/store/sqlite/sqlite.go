// Package sqlite provides a SQLite-backed item store with the full
// vector extension: embeddings are stored as BLOBs and similarity
// search is a linear cosine scan, which is fine for the store sizes a
// single conversation produces.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quillmind/mnemo/memory"
)

// Options configures a Store.
type Options struct {
	// Capacity bounds the item set; inserting beyond it evicts the
	// oldest rows. <= 0 means unbounded.
	Capacity int

	// Dimensions is the expected embedding length. Explicit vector
	// writes with a different length are rejected.
	Dimensions int

	// Weights are the relevance weights used by textual Search.
	Weights memory.Weights
}

// Store implements memory.VectorStore on SQLite.
// A single connection (SetMaxOpenConns(1)) lets SQLite's internal
// serialization handle concurrency without an application mutex.
type Store struct {
	db   *sql.DB
	opts Options
}

// New opens a SQLite-backed store. Use ":memory:" for ephemeral storage
// or a file path for persistence.
func New(dsn string, opts Options) (*Store, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = 384
	}
	if opts.Weights == (memory.Weights{}) {
		opts.Weights = memory.DefaultConfig().Weights
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db, opts: opts}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_items (
		id         TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		metadata   TEXT DEFAULT '{}',
		embedding  BLOB,
		importance REAL DEFAULT 0.5,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_items_kind ON memory_items(kind);
	CREATE INDEX IF NOT EXISTS idx_memory_items_created ON memory_items(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Store inserts or replaces an item, then trims past capacity.
func (s *Store) Store(ctx context.Context, item *memory.Item) error {
	metaJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memory_items (id, content, kind, metadata, embedding, importance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Content, string(item.Kind), string(metaJSON),
		encodeEmbedding(item.Embedding), item.Importance,
		item.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}

	if s.opts.Capacity > 0 {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM memory_items WHERE id IN (
				SELECT id FROM memory_items ORDER BY created_at DESC LIMIT -1 OFFSET ?)`,
			s.opts.Capacity,
		)
		if err != nil {
			return fmt.Errorf("trim items: %w", err)
		}
	}
	return nil
}

// Retrieve returns the item with the given id.
func (s *Store) Retrieve(ctx context.Context, id string) (*memory.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, kind, metadata, embedding, importance, created_at
		 FROM memory_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, memory.ErrNotFound
	}
	return it, err
}

// Update applies a partial update. Returns false when the id is unknown.
func (s *Store) Update(ctx context.Context, id string, upd memory.ItemUpdate) (bool, error) {
	sets := ""
	var args []interface{}
	if upd.Content != nil {
		sets += "content = ?"
		args = append(args, *upd.Content)
	}
	if upd.Importance != nil {
		if sets != "" {
			sets += ", "
		}
		sets += "importance = ?"
		args = append(args, *upd.Importance)
	}
	if upd.Metadata != nil {
		metaJSON, err := json.Marshal(upd.Metadata)
		if err != nil {
			return false, fmt.Errorf("marshal metadata: %w", err)
		}
		if sets != "" {
			sets += ", "
		}
		sets += "metadata = ?"
		args = append(args, string(metaJSON))
	}
	if sets == "" {
		return s.exists(ctx, id)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE memory_items SET "+sets+" WHERE id = ?", args...)
	if err != nil {
		return false, fmt.Errorf("update item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM memory_items WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Delete removes an item. Returns false when the id is unknown.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM memory_items WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetAll lists items newest first, optionally filtered by kind.
func (s *Store) GetAll(ctx context.Context, kind memory.Kind, limit int) ([]*memory.Item, error) {
	query := `SELECT id, content, kind, metadata, embedding, importance, created_at FROM memory_items`
	var args []interface{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*memory.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Search returns items matching the query, ranked by textual relevance.
// Candidates come newest-first from SQLite; term matching and scoring
// happen in Go.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*memory.Item, error) {
	if query == "" {
		return nil, memory.ErrInvalidQuery
	}
	if limit <= 0 {
		limit = 20
	}

	// Pull a generous candidate set; final ranking trims it.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, kind, metadata, embedding, importance, created_at
		 FROM memory_items ORDER BY created_at DESC LIMIT ?`, limit*10)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}

	var candidates []*memory.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		candidates = append(candidates, it)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	now := time.Now()
	type scored struct {
		item  *memory.Item
		score float64
	}
	var matches []scored
	for _, it := range candidates {
		if memory.TermOverlap(query, it.Content) == 0 {
			continue
		}
		matches = append(matches, scored{item: it, score: memory.TextScore(query, it, s.opts.Weights, now)})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]*memory.Item, len(matches))
	for i, c := range matches {
		out[i] = c.item
	}
	return out, nil
}

// Clear removes every item.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM memory_items")
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// StoreVector attaches a vector and its source text to an id. A vector
// of the wrong dimensionality is rejected and the index is left
// unmodified. Unknown ids get a minimal row so the vector is queryable.
func (s *Store) StoreVector(ctx context.Context, id string, vector []float32, text string) error {
	if len(vector) != s.opts.Dimensions {
		return fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(vector), s.opts.Dimensions)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE memory_items SET embedding = ?, content = ? WHERE id = ?",
		encodeEmbedding(vector), text, id)
	if err != nil {
		return fmt.Errorf("store vector: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO memory_items (id, content, kind, embedding, importance, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, text, string(memory.KindConversational), encodeEmbedding(vector),
			memory.DefaultImportance, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert vector row: %w", err)
		}
	}
	return nil
}

// SearchSimilar scans stored vectors and returns the nearest items by
// cosine similarity, highest first.
func (s *Store) SearchSimilar(ctx context.Context, vector []float32, limit int) ([]memory.ScoredItem, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, kind, metadata, embedding, importance, created_at
		 FROM memory_items WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}

	var results []memory.ScoredItem
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		it, err := scanItem(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		score := memory.CosineSimilarity(vector, it.Embedding)
		results = append(results, memory.ScoredItem{Item: it, Score: score})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// VectorStats describes the vector index.
func (s *Store) VectorStats(ctx context.Context) (memory.VectorStats, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memory_items WHERE embedding IS NOT NULL").Scan(&count)
	if err != nil {
		return memory.VectorStats{}, err
	}
	return memory.VectorStats{Vectors: count, Dimensions: s.opts.Dimensions}, nil
}

// BackendStats describes the item set.
// Each query is scanned and closed before the next; the single SQLite
// connection cannot hold two result sets.
func (s *Store) BackendStats(ctx context.Context) (memory.BackendStats, error) {
	stats := memory.BackendStats{ByKind: make(map[memory.Kind]int)}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_items").Scan(&stats.Items); err != nil {
		return stats, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM memory_items GROUP BY kind")
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			_ = rows.Close()
			return stats, err
		}
		stats.ByKind[memory.Kind(kind)] = count
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return stats, err
	}
	_ = rows.Close()

	var oldest, newest sql.NullString
	_ = s.db.QueryRowContext(ctx, "SELECT MIN(created_at) FROM memory_items").Scan(&oldest)
	_ = s.db.QueryRowContext(ctx, "SELECT MAX(created_at) FROM memory_items").Scan(&newest)
	if oldest.Valid {
		stats.Oldest, _ = time.Parse(time.RFC3339Nano, oldest.String)
	}
	if newest.Valid {
		stats.Newest, _ = time.Parse(time.RFC3339Nano, newest.String)
	}
	return stats, nil
}

// Vacuum reclaims unused database space.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Backup writes a consistent copy of the database to dest.
func (s *Store) Backup(ctx context.Context, dest string) error {
	_, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest)
	if err != nil {
		return fmt.Errorf("backup to %s: %w", dest, err)
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*memory.Item, error) {
	var (
		it        memory.Item
		kind      string
		metaJSON  string
		embBlob   []byte
		createdAt string
	)
	if err := row.Scan(&it.ID, &it.Content, &kind, &metaJSON, &embBlob, &it.Importance, &createdAt); err != nil {
		return nil, err
	}
	it.Kind = memory.Kind(kind)
	it.Embedding = decodeEmbedding(embBlob)
	if metaJSON != "" && metaJSON != "{}" && metaJSON != "null" {
		if err := json.Unmarshal([]byte(metaJSON), &it.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	it.CreatedAt = ts
	it.DecayedAt = ts
	return &it, nil
}
