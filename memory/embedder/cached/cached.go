// Package cached decorates an Embedder with a ristretto cache. Repeated
// embedding of identical text (retries, re-summarization, query reuse)
// then costs one provider call.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/quillmind/mnemo/memory"
)

// Embedder wraps an inner embedder with an in-process cache keyed by
// the exact input text.
type Embedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
}

// Config tunes the cache.
type Config struct {
	// MaxBytes bounds the approximate memory spent on cached vectors.
	// Defaults to 64 MiB.
	MaxBytes int64
}

// New wraps an embedder with a cache.
func New(inner memory.Embedder, cfg Config) (*Embedder, error) {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Embedder{inner: inner, cache: cache}, nil
}

// Embed returns a cached vector when one exists, otherwise delegates to
// the inner embedder and caches the result.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		if vec, ok := cached.([]float32); ok {
			out := make([]float32, len(vec))
			copy(out, vec)
			return out, nil
		}
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	stored := make([]float32, len(vec))
	copy(stored, vec)
	e.cache.Set(text, stored, int64(len(stored)*4))
	return vec, nil
}

// Dimensions returns the inner embedder's vector size.
func (e *Embedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Wait blocks until buffered cache writes have been applied.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close releases the cache.
func (e *Embedder) Close() {
	e.cache.Close()
}
