//go:build onnx

// Package onnx provides a local Embedder running a sentence-transformer
// model (e.g. all-MiniLM-L6-v2) through ONNX Runtime. Built behind the
// "onnx" tag because it needs the onnxruntime shared library and a
// downloaded model.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/quillmind/mnemo/memory"
)

const maxSequenceLength = 128

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath points at the ONNX model file.
	ModelPath string

	// TokenizerPath points at the matching tokenizer.json.
	TokenizerPath string

	// LibraryPath overrides the onnxruntime shared library location.
	LibraryPath string

	// Dimensions is the target vector size. Model output is resized and
	// L2-normalized to it. Defaults to 384.
	Dimensions int
}

// Embedder runs tokenization, inference and mean pooling locally.
type Embedder struct {
	session    *ort.DynamicAdvancedSession
	vocab      *vocabulary
	dimensions int
}

// New creates an ONNX embedder.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("ModelPath is required")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", err)
	}

	vocab, err := loadVocabulary(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &Embedder{session: session, vocab: vocab, dimensions: cfg.Dimensions}, nil
}

// Embed converts text to an embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := e.vocab.encode(text, maxSequenceLength)

	inputIDs := make([]int64, maxSequenceLength)
	attentionMask := make([]int64, maxSequenceLength)
	tokenTypeIDs := make([]int64, maxSequenceLength)
	for i, id := range ids {
		inputIDs[i] = id
		attentionMask[i] = 1
	}

	shape := ort.NewShape(1, int64(maxSequenceLength))
	tensors := make([]ort.Value, 0, 3)
	for _, data := range [][]int64{inputIDs, attentionMask, tokenTypeIDs} {
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("create input tensor: %w", err)
		}
		defer t.Destroy()
		tensors = append(tensors, t)
	}

	outputs := []ort.Value{nil}
	if err := e.session.Run(tensors, outputs); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type")
	}

	vec, err := meanPool(hidden.GetData(), hidden.GetShape(), attentionMask)
	if err != nil {
		return nil, err
	}
	return memory.Normalize(memory.Resize(vec, e.dimensions)), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close destroys the inference session.
func (e *Embedder) Close() error {
	return e.session.Destroy()
}

// meanPool averages token embeddings over attended positions:
// [1, seq, hidden] -> [hidden].
func meanPool(data []float32, shape []int64, attentionMask []int64) ([]float32, error) {
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("unexpected output shape %v", shape)
	}
	seqLen, hiddenSize := int(shape[1]), int(shape[2])

	pooled := make([]float32, hiddenSize)
	var attended float32
	for i := 0; i < seqLen && i < len(attentionMask); i++ {
		if attentionMask[i] == 0 {
			continue
		}
		attended++
		offset := i * hiddenSize
		for j := 0; j < hiddenSize; j++ {
			pooled[j] += data[offset+j]
		}
	}
	if attended == 0 {
		return pooled, nil
	}
	for j := range pooled {
		pooled[j] /= attended
	}
	return pooled, nil
}

// vocabulary implements greedy WordPiece tokenization over the vocab
// embedded in a HuggingFace tokenizer.json.
type vocabulary struct {
	tokens map[string]int64
	cls    int64
	sep    int64
	unk    int64
}

func loadVocabulary(path string) (*vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer has no vocabulary")
	}
	v := &vocabulary{tokens: raw.Model.Vocab}
	v.cls = v.lookup("[CLS]")
	v.sep = v.lookup("[SEP]")
	v.unk = v.lookup("[UNK]")
	return v, nil
}

func (v *vocabulary) lookup(token string) int64 {
	if id, ok := v.tokens[token]; ok {
		return id
	}
	return 0
}

// encode lowercases, splits on whitespace and punctuation, applies
// greedy longest-match WordPiece, and brackets the result with [CLS]
// and [SEP]. Output is truncated to maxLen.
func (v *vocabulary) encode(text string, maxLen int) []int64 {
	ids := []int64{v.cls}
	for _, word := range splitWords(strings.ToLower(text)) {
		ids = append(ids, v.wordPiece(word)...)
		if len(ids) >= maxLen-1 {
			ids = ids[:maxLen-1]
			break
		}
	}
	return append(ids, v.sep)
}

func (v *vocabulary) wordPiece(word string) []int64 {
	var pieces []int64
	runes := []rune(word)
	start := 0
	for start < len(runes) {
		end := len(runes)
		var match int64 = -1
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := v.tokens[piece]; ok {
				match = id
				break
			}
			end--
		}
		if match < 0 {
			return []int64{v.unk}
		}
		pieces = append(pieces, match)
		start = end
	}
	return pieces
}

func splitWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		}
		return true
	})
}
