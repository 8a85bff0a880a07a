// Package chromem provides a vector-capable item store backed by
// chromem-go, a pure Go embedded vector database. Item CRUD is served
// from an in-process map; chromem holds the vector index.
package chromem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/quillmind/mnemo/memory"
)

const collectionName = "memory_items"

// Store implements memory.VectorStore. Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	db    *chromem.DB
	col   *chromem.Collection
	items map[string]*memory.Item
	opts  Options
}

// Options configures a Store.
type Options struct {
	// Dimensions is the expected embedding length.
	Dimensions int

	// Weights are the relevance weights used by textual Search.
	Weights memory.Weights
}

// New creates an in-memory chromem-backed store.
func New(opts Options) (*Store, error) {
	return newStore(chromem.NewDB(), opts)
}

// NewPersistent creates a chromem-backed store that persists its index
// under dir.
func NewPersistent(dir string, opts Options) (*Store, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open persistent db: %w", err)
	}
	return newStore(db, opts)
}

func newStore(db *chromem.DB, opts Options) (*Store, error) {
	if opts.Dimensions <= 0 {
		opts.Dimensions = 384
	}
	if opts.Weights == (memory.Weights{}) {
		opts.Weights = memory.DefaultConfig().Weights
	}

	// Embeddings are always provided by the caller, never computed by
	// chromem, so no embedding func is registered.
	col, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Store{
		db:    db,
		col:   col,
		items: make(map[string]*memory.Item),
		opts:  opts,
	}, nil
}

// Store persists an item; items carrying an embedding are also indexed.
func (s *Store) Store(ctx context.Context, item *memory.Item) error {
	s.mu.Lock()
	s.items[item.ID] = item.Clone()
	s.mu.Unlock()

	if len(item.Embedding) != s.opts.Dimensions {
		// Unembedded (or mis-sized) items are still retrievable, just
		// not vector-searchable.
		return nil
	}
	return s.addDocument(ctx, item.ID, item.Content, item.Embedding, item.Kind)
}

func (s *Store) addDocument(ctx context.Context, id, content string, embedding []float32, kind memory.Kind) error {
	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Embedding: embedding,
		Metadata:  map[string]string{"kind": string(kind)},
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Retrieve returns the item with the given id.
func (s *Store) Retrieve(ctx context.Context, id string) (*memory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, memory.ErrNotFound
	}
	return it.Clone(), nil
}

// Update applies a partial update.
func (s *Store) Update(ctx context.Context, id string, upd memory.ItemUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return false, nil
	}
	if upd.Content != nil {
		it.Content = *upd.Content
	}
	if upd.Importance != nil {
		it.Importance = *upd.Importance
	}
	if upd.Metadata != nil {
		it.Metadata = upd.Metadata.Clone()
	}
	return true, nil
}

// Delete removes an item from the map and the vector index.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	_, ok := s.items[id]
	delete(s.items, id)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return true, fmt.Errorf("delete document: %w", err)
	}
	return true, nil
}

// GetAll lists items newest first, optionally filtered by kind.
func (s *Store) GetAll(ctx context.Context, kind memory.Kind, limit int) ([]*memory.Item, error) {
	s.mu.RLock()
	var out []*memory.Item
	for _, it := range s.items {
		if kind != "" && it.Kind != kind {
			continue
		}
		out = append(out, it.Clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Search ranks items by textual relevance to the query.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*memory.Item, error) {
	if query == "" {
		return nil, memory.ErrInvalidQuery
	}
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	now := time.Now()
	type scored struct {
		item  *memory.Item
		score float64
	}
	var candidates []scored
	for _, it := range s.items {
		if memory.TermOverlap(query, it.Content) == 0 {
			continue
		}
		candidates = append(candidates, scored{item: it.Clone(), score: memory.TextScore(query, it, s.opts.Weights, now)})
	}
	s.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*memory.Item, len(candidates))
	for i, c := range candidates {
		out[i] = c.item
	}
	return out, nil
}

// Clear drops every item and recreates the vector collection.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(collectionName); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	col, err := s.db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return fmt.Errorf("recreate collection: %w", err)
	}
	s.col = col
	s.items = make(map[string]*memory.Item)
	return nil
}

// Close releases resources. chromem keeps everything in memory (or
// already flushed to its persistence dir), so nothing to do.
func (s *Store) Close() error {
	return nil
}

// StoreVector attaches a vector (and its source text) to an id. Wrong
// dimensionality is rejected and the index is left unmodified.
func (s *Store) StoreVector(ctx context.Context, id string, vector []float32, text string) error {
	if len(vector) != s.opts.Dimensions {
		return fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(vector), s.opts.Dimensions)
	}

	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		it = &memory.Item{
			ID:         id,
			Content:    text,
			Kind:       memory.KindConversational,
			CreatedAt:  time.Now(),
			Importance: memory.DefaultImportance,
		}
		it.DecayedAt = it.CreatedAt
		s.items[id] = it
	}
	it.Embedding = append([]float32(nil), vector...)
	kind := it.Kind
	s.mu.Unlock()

	return s.addDocument(ctx, id, text, vector, kind)
}

// SearchSimilar queries the chromem index for the nearest items by
// cosine similarity. chromem requires nResults <= collection size, so
// the limit shrinks until the query succeeds.
func (s *Store) SearchSimilar(ctx context.Context, vector []float32, limit int) ([]memory.ScoredItem, error) {
	if limit <= 0 {
		limit = 10
	}
	if len(vector) != s.opts.Dimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(vector), s.opts.Dimensions)
	}

	var results []chromem.Result
	for n := limit; n >= 1; n-- {
		var err error
		results, err = s.col.QueryEmbedding(ctx, vector, n, nil, nil)
		if err == nil {
			break
		}
		if isTooFewDocsError(err) {
			if n == 1 {
				return nil, nil // empty collection
			}
			continue
		}
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]memory.ScoredItem, 0, len(results))
	for _, res := range results {
		it, ok := s.items[res.ID]
		if !ok {
			continue
		}
		out = append(out, memory.ScoredItem{Item: it.Clone(), Score: float64(res.Similarity)})
	}
	return out, nil
}

// VectorStats describes the vector index.
func (s *Store) VectorStats(ctx context.Context) (memory.VectorStats, error) {
	return memory.VectorStats{
		Vectors:    s.col.Count(),
		Dimensions: s.opts.Dimensions,
	}, nil
}

// BackendStats describes the item set.
func (s *Store) BackendStats(ctx context.Context) (memory.BackendStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := memory.BackendStats{
		Items:  len(s.items),
		ByKind: make(map[memory.Kind]int),
	}
	for _, it := range s.items {
		stats.ByKind[it.Kind]++
		if stats.Oldest.IsZero() || it.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = it.CreatedAt
		}
		if it.CreatedAt.After(stats.Newest) {
			stats.Newest = it.CreatedAt
		}
	}
	return stats, nil
}

// Vacuum is a no-op; chromem manages its own storage.
func (s *Store) Vacuum(ctx context.Context) error {
	return nil
}

// Backup exports the chromem database to dest.
func (s *Store) Backup(ctx context.Context, dest string) error {
	if err := s.db.ExportToFile(dest, false, ""); err != nil {
		return fmt.Errorf("export to %s: %w", dest, err)
	}
	return nil
}

// isTooFewDocsError detects chromem's complaint when nResults exceeds
// the number of stored documents.
func isTooFewDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
