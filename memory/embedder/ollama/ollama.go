// Package ollama provides an Embedder backed by a local Ollama
// instance's embeddings HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quillmind/mnemo/memory"
)

const defaultBaseURL = "http://localhost:11434"

// Config configures the Ollama embedder.
type Config struct {
	// BaseURL of the Ollama server. Defaults to http://localhost:11434.
	BaseURL string

	// Model is the embedding model name, e.g. "all-minilm".
	Model string

	// Dimensions is the target vector size. Provider-native vectors are
	// truncated or zero-padded to fit.
	Dimensions int

	// Normalize requests L2 normalization of the returned vector.
	Normalize bool

	// HTTPClient overrides the default client (10s timeout).
	HTTPClient *http.Client
}

// Embedder calls Ollama's /api/embeddings endpoint.
type Embedder struct {
	cfg    Config
	client *http.Client
}

// New creates an Ollama embedder.
func New(cfg Config) *Embedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Embedder{cfg: cfg, client: client}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error"`
}

// Embed converts text to an embedding vector, resized to the configured
// dimensionality.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, _ := json.Marshal(embedRequest{Model: e.cfg.Model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama embeddings status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama embeddings error: %s", out.Error)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding")
	}

	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	vec = memory.Resize(vec, e.cfg.Dimensions)
	if e.cfg.Normalize {
		vec = memory.Normalize(vec)
	}
	return vec, nil
}

// Dimensions returns the configured vector size.
func (e *Embedder) Dimensions() int {
	return e.cfg.Dimensions
}

// HealthPing checks /api/tags for server reachability.
func (e *Embedder) HealthPing(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama status %d", resp.StatusCode)
	}
	return nil
}
