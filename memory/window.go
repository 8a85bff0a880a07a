package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// maxWindowSize caps adaptive growth of the context window.
const maxWindowSize = 20

// complexityMarkers is the vocabulary that flags a conversation turn as
// analytically demanding.
var complexityMarkers = []string{
	"explain", "why", "how", "analyze", "compare",
	"algorithm", "implement", "design", "optimize", "debug",
}

// window is the bounded working set used to build model prompts. Items
// are held most-recent-first and are references into the manager's
// buffer, never owned copies. The manager's lock guards all access.
type window struct {
	baseSize int
	size     int
	adaptive bool
	items    []*Item
	summary  string
}

func newWindow(size int, adaptive bool) *window {
	return &window{baseSize: size, size: size, adaptive: adaptive}
}

// admit offers a new item to the window, recomputes the effective size
// and trims. Returns the items dropped by the trim.
func (w *window) admit(it *Item) []*Item {
	if w.admits(it) {
		w.items = append([]*Item{it}, w.items...)
	}
	w.recomputeSize()
	return w.trim()
}

// admits applies the inclusion rule: high-importance items always enter;
// otherwise only interaction-bearing kinds do.
func (w *window) admits(it *Item) bool {
	if it.Importance >= 0.6 {
		return true
	}
	switch it.Kind {
	case KindConversational, KindCode, KindAction:
		return true
	}
	return false
}

// recomputeSize grows the window when the recent conversation looks
// complex, and shrinks it back when it no longer does.
func (w *window) recomputeSize() {
	if !w.adaptive {
		w.size = w.baseSize
		return
	}
	recent := w.items
	if len(recent) > 5 {
		recent = recent[:5]
	}
	var score float64
	for _, it := range recent {
		score += complexity(it)
	}
	if score >= 2 {
		grown := w.baseSize * 3 / 2
		if grown > maxWindowSize {
			grown = maxWindowSize
		}
		w.size = grown
	} else {
		w.size = w.baseSize
	}
}

// complexity scores one item: +1 for a marker word, +0.5 for long
// content, +1 for code.
func complexity(it *Item) float64 {
	var score float64
	lower := strings.ToLower(it.Content)
	for _, marker := range complexityMarkers {
		if strings.Contains(lower, marker) {
			score++
			break
		}
	}
	if len(it.Content) > 200 {
		score += 0.5
	}
	if it.Kind == KindCode {
		score++
	}
	return score
}

// trim shrinks the window to its effective size: items with importance
// >= 0.7 are always kept, the remaining capacity is filled by recency,
// and the result is re-sorted most-recent-first.
func (w *window) trim() []*Item {
	if len(w.items) <= w.size {
		return nil
	}

	var important, rest []*Item
	for _, it := range w.items {
		if it.Importance >= 0.7 {
			important = append(important, it)
		} else {
			rest = append(rest, it)
		}
	}

	kept := important
	if room := w.size - len(important); room > 0 {
		// rest is already most-recent-first
		if room > len(rest) {
			room = len(rest)
		}
		kept = append(kept, rest[:room]...)
		rest = rest[room:]
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].CreatedAt.After(kept[j].CreatedAt)
	})

	var dropped []*Item
	if len(kept) < len(w.items) {
		keptIDs := make(map[string]bool, len(kept))
		for _, it := range kept {
			keptIDs[it.ID] = true
		}
		for _, it := range w.items {
			if !keptIDs[it.ID] {
				dropped = append(dropped, it)
			}
		}
	}
	w.items = kept
	return dropped
}

// removeIDs drops the given ids from the window, preserving order.
func (w *window) removeIDs(ids map[string]bool) {
	if len(ids) == 0 {
		return
	}
	kept := w.items[:0]
	for _, it := range w.items {
		if !ids[it.ID] {
			kept = append(kept, it)
		}
	}
	w.items = kept
}

// formatted renders the window for prompt injection.
func (w *window) formatted() string {
	if w.summary != "" {
		recent := w.items
		if len(recent) > 3 {
			recent = recent[:3]
		}
		var sb strings.Builder
		sb.WriteString("SUMMARY: ")
		sb.WriteString(w.summary)
		sb.WriteString("\n\nRECENT:\n")
		sb.WriteString(formatItems(recent))
		return sb.String()
	}
	return formatItems(w.items)
}

func formatItems(items []*Item) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("[%s]: %s", it.Kind, it.Content))
	}
	return strings.Join(lines, "\n")
}

// fallbackSynopsis builds a deterministic synthetic synopsis of a
// pre-trim window when the generative adapter is unavailable.
func fallbackSynopsis(items []*Item) string {
	excerpts := make([]*Item, len(items))
	copy(excerpts, items)
	sort.SliceStable(excerpts, func(i, j int) bool {
		return excerpts[i].Importance > excerpts[j].Importance
	})
	if len(excerpts) > 3 {
		excerpts = excerpts[:3]
	}
	parts := make([]string, 0, len(excerpts))
	for _, it := range excerpts {
		parts = append(parts, preview(it.Content, 60))
	}
	return fmt.Sprintf("Context of %d items. Key points: %s", len(items), strings.Join(parts, "; "))
}

// preview shortens text for synthetic summaries and logs.
func preview(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}

// ContextWindow is a read-only snapshot of the window state.
type ContextWindow struct {
	Size     int       `json:"size"`
	Adaptive bool      `json:"adaptive"`
	Items    []*Item   `json:"items"`
	Summary  string    `json:"summary,omitempty"`
	TakenAt  time.Time `json:"taken_at"`
}
