package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// minGroupSize is the smallest homogeneous-kind group worth summarizing.
const minGroupSize = 3

const summaryPrompt = `Summarize the following %s items from an assistant conversation into one short paragraph. Preserve concrete facts, decisions and names. Do not add commentary.

%s`

// summarizer condenses evicted or trimmed batches. Generation is
// best-effort: adapter availability is re-checked on every call and any
// failure falls back to a deterministic synthetic summary.
type summarizer struct {
	gen     Generator
	log     zerolog.Logger
	clock   func() time.Time
	timeout time.Duration
}

// summarize groups a batch by kind and condenses each group of
// minGroupSize or more items into one Summary.
func (s *summarizer) summarize(ctx context.Context, batch []*Item) []*Summary {
	groups := make(map[Kind][]*Item)
	order := make([]Kind, 0, len(batch))
	for _, it := range batch {
		if _, seen := groups[it.Kind]; !seen {
			order = append(order, it.Kind)
		}
		groups[it.Kind] = append(groups[it.Kind], it)
	}

	var summaries []*Summary
	for _, kind := range order {
		group := groups[kind]
		if len(group) < minGroupSize {
			continue
		}
		content := s.condense(ctx, kind, group)
		ids := make([]string, len(group))
		for i, it := range group {
			ids[i] = it.ID
		}
		summaries = append(summaries, &Summary{
			ID:            uuid.NewString(),
			SummarizedIDs: ids,
			Content:       content,
			CreatedAt:     s.clock(),
			ItemCount:     len(group),
		})
	}
	return summaries
}

// condense prefers an abstractive summary and falls back to a synthetic
// one on adapter absence or failure.
func (s *summarizer) condense(ctx context.Context, kind Kind, group []*Item) string {
	if s.gen != nil && s.gen.Available(ctx) {
		var contents []string
		for _, it := range group {
			contents = append(contents, it.Content)
		}
		prompt := fmt.Sprintf(summaryPrompt, kind, strings.Join(contents, "\n---\n"))

		gctx, cancel := context.WithTimeout(ctx, s.timeout)
		text, err := s.gen.Generate(gctx, prompt, GenerateOptions{Temperature: 0.3, MaxTokens: 300})
		cancel()
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("kind", string(kind)).Msg("abstractive summary failed, using synthetic fallback")
		}
	}
	return syntheticSummary(kind, group)
}

// syntheticSummary names the item count, the covered time range and
// previews of the first and last item. Items arrive most-recent-first.
func syntheticSummary(kind Kind, group []*Item) string {
	earliest, latest := group[0].CreatedAt, group[0].CreatedAt
	for _, it := range group {
		if it.CreatedAt.Before(earliest) {
			earliest = it.CreatedAt
		}
		if it.CreatedAt.After(latest) {
			latest = it.CreatedAt
		}
	}
	first := group[len(group)-1]
	last := group[0]
	return fmt.Sprintf("%d %s items between %s and %s. First: %q Last: %q",
		len(group), kind,
		earliest.UTC().Format(time.RFC3339), latest.UTC().Format(time.RFC3339),
		preview(first.Content, 80), preview(last.Content, 80))
}
