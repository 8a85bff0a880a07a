package memory

import (
	"context"
	"time"
)

// BasicStore is the minimal persistence contract every backend satisfies.
// Implementations: memstore (in-process), sqlite, chromem.
type BasicStore interface {
	// Store persists an item. The id is allocated by the caller.
	Store(ctx context.Context, item *Item) error

	// Retrieve returns the item with the given id, or ErrNotFound.
	Retrieve(ctx context.Context, id string) (*Item, error)

	// Update applies a partial update. Returns false when the id is unknown.
	Update(ctx context.Context, id string, upd ItemUpdate) (bool, error)

	// Delete removes an item. Returns false when the id is unknown.
	Delete(ctx context.Context, id string) (bool, error)

	// GetAll lists items, newest first. kind == "" means all kinds;
	// limit <= 0 means no limit.
	GetAll(ctx context.Context, kind Kind, limit int) ([]*Item, error)

	// Search returns items matching the query text, ranked by relevance.
	Search(ctx context.Context, query string, limit int) ([]*Item, error)

	// Clear removes every item from the backend.
	Clear(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// ItemUpdate is a partial update for a stored item. Nil fields are left
// unchanged.
type ItemUpdate struct {
	Content    *string
	Importance *float64
	Metadata   Metadata
}

// VectorStore extends BasicStore with vector operations. Callers must
// probe for the capability with AsVectorStore rather than assume it;
// absence is a reduced-functionality path, never an error.
type VectorStore interface {
	BasicStore

	// StoreVector attaches a vector (and its source text) to an id.
	// A vector whose length differs from the store's configured
	// dimensionality is rejected with ErrDimensionMismatch and the
	// existing index is left unmodified.
	StoreVector(ctx context.Context, id string, vector []float32, text string) error

	// SearchSimilar returns the items nearest to the query vector,
	// highest cosine similarity first.
	SearchSimilar(ctx context.Context, vector []float32, limit int) ([]ScoredItem, error)

	// VectorStats describes the vector index.
	VectorStats(ctx context.Context) (VectorStats, error)

	// BackendStats describes the backing item set.
	BackendStats(ctx context.Context) (BackendStats, error)

	// Vacuum reclaims backend space. Best-effort housekeeping.
	Vacuum(ctx context.Context) error

	// Backup writes a copy of the backend to dest.
	Backup(ctx context.Context, dest string) error
}

// AsVectorStore probes a store for the vector capability.
func AsVectorStore(s BasicStore) (VectorStore, bool) {
	vs, ok := s.(VectorStore)
	return vs, ok
}

// ScoredItem pairs an item with its relevance score.
type ScoredItem struct {
	Item  *Item
	Score float64
}

// VectorStats describes a vector index.
type VectorStats struct {
	Vectors    int `json:"vectors"`
	Dimensions int `json:"dimensions"`
}

// BackendStats describes a backend's item set.
type BackendStats struct {
	Items  int          `json:"items"`
	ByKind map[Kind]int `json:"by_kind"`
	Oldest time.Time    `json:"oldest,omitempty"`
	Newest time.Time    `json:"newest,omitempty"`
}

// Embedder converts text to fixed-length vector embeddings.
// Implementations: mock (testing), ollama (HTTP), onnx (local model).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// GenerateOptions tunes a single generation call.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
}

// Generator converts a prompt to text. Used for abstractive summaries
// and context-window synopses. Availability is re-checked immediately
// before each use; callers never cache it.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

	// Available reports whether the adapter can currently serve calls.
	Available(ctx context.Context) bool
}
