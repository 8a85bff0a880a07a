// Package anthropic adapts the Anthropic API as a memory.Generator for
// abstractive summarization.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/quillmind/mnemo/memory"
)

const defaultModel = "claude-3-5-haiku-latest"

// Generator produces text through the Anthropic Messages API.
type Generator struct {
	client *anthropic.Client
	model  string
}

// Option configures the generator.
type Option func(*Generator)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(g *Generator) {
		g.model = model
	}
}

// New creates a Generator backed by the given client.
func New(client *anthropic.Client, opts ...Option) *Generator {
	g := &Generator{client: client, model: defaultModel}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate sends the prompt as a single user message and returns the
// concatenated text blocks of the response.
func (g *Generator) Generate(ctx context.Context, prompt string, opts memory.GenerateOptions) (string, error) {
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 512
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic generate: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("anthropic generate: empty response")
	}
	return text, nil
}

// Available reports whether the generator is usable. The client carries
// credentials at construction, so a configured client is assumed live.
func (g *Generator) Available(ctx context.Context) bool {
	return g.client != nil
}
