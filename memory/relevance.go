package memory

import (
	"math"
	"strings"
	"time"
)

// recencyHorizon is the age at which an item's recency contribution
// reaches zero.
const recencyHorizon = 30 * 24 * time.Hour

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths or zero-norm inputs score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// TermOverlap scores textual relevance of content against a query: the
// fraction of query terms present in the content, plus a bonus of 2 for
// a full-query substring match.
func TermOverlap(query, content string) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			matched++
		}
	}
	score := float64(matched) / float64(len(terms))
	if strings.Contains(lower, strings.ToLower(strings.TrimSpace(query))) {
		score += 2
	}
	return score
}

// TextScore is the textual relevance of an item: a weighted blend of
// term overlap, importance and recency.
func TextScore(query string, it *Item, w Weights, now time.Time) float64 {
	term := TermOverlap(query, it.Content)
	age := now.Sub(it.CreatedAt)
	recency := 1 - float64(age)/float64(recencyHorizon)
	if recency < 0 {
		recency = 0
	}
	return w.Term*term + w.Importance*it.Importance + w.Recency*recency
}

// Resize truncates or zero-pads a vector to the requested dimensionality.
func Resize(vec []float32, dims int) []float32 {
	if dims <= 0 || len(vec) == dims {
		return vec
	}
	out := make([]float32, dims)
	copy(out, vec)
	return out
}

// Normalize scales a vector to unit length. Zero vectors are returned
// unchanged.
func Normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v * scale
	}
	return out
}
