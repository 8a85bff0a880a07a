// Package memstore provides a map-backed BasicStore with no vector
// capability. It backs the "local" persistence mode and exercises the
// manager's reduced-functionality path.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quillmind/mnemo/memory"
)

// Store is an in-process item store. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	items    map[string]*memory.Item
	order    []string // insertion order, oldest first
	capacity int
	closed   bool
	weights  memory.Weights
}

// Option customizes a Store.
type Option func(*Store)

// WithCapacity bounds the store; inserting beyond it evicts the oldest
// items. capacity <= 0 means unbounded.
func WithCapacity(capacity int) Option {
	return func(s *Store) { s.capacity = capacity }
}

// WithWeights sets the relevance weights used by Search.
func WithWeights(w memory.Weights) Option {
	return func(s *Store) { s.weights = w }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		items:   make(map[string]*memory.Item),
		weights: memory.DefaultConfig().Weights,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store persists an item, evicting the oldest entries past capacity.
func (s *Store) Store(ctx context.Context, item *memory.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return memory.ErrStoreClosed
	}

	if _, exists := s.items[item.ID]; !exists {
		s.order = append(s.order, item.ID)
	}
	s.items[item.ID] = item.Clone()

	for s.capacity > 0 && len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.items, oldest)
	}
	return nil
}

// Retrieve returns the item with the given id.
func (s *Store) Retrieve(ctx context.Context, id string) (*memory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, memory.ErrStoreClosed
	}
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
	if s.closed {
		return false, memory.ErrStoreClosed
	}
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

// Delete removes an item.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, memory.ErrStoreClosed
	}
	if _, ok := s.items[id]; !ok {
		return false, nil
	}
	delete(s.items, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// GetAll lists items newest first, optionally filtered by kind.
func (s *Store) GetAll(ctx context.Context, kind memory.Kind, limit int) ([]*memory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, memory.ErrStoreClosed
	}

	var out []*memory.Item
	for _, it := range s.items {
		if kind != "" && it.Kind != kind {
			continue
		}
		out = append(out, it.Clone())
	}
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
	defer s.mu.RUnlock()
	if s.closed {
		return nil, memory.ErrStoreClosed
	}

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
		candidates = append(candidates, scored{item: it, score: memory.TextScore(query, it, s.weights, now)})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*memory.Item, len(candidates))
	for i, c := range candidates {
		out[i] = c.item.Clone()
	}
	return out, nil
}

// Clear removes every item.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return memory.ErrStoreClosed
	}
	s.items = make(map[string]*memory.Item)
	s.order = nil
	return nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
