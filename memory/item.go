package memory

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies what a memory item holds.
type Kind string

const (
	KindConversational Kind = "conversational"
	KindSystem         Kind = "system"
	KindCode           Kind = "code"
	KindFile           Kind = "file"
	KindAction         Kind = "action"
	KindError          Kind = "error"
	KindSummary        Kind = "summary"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindConversational, KindSystem, KindCode, KindFile, KindAction, KindError, KindSummary:
		return true
	}
	return false
}

// DefaultImportance is the importance assigned to items when the caller
// has no better signal.
const DefaultImportance = 0.5

// Item is the atomic unit of stored content.
type Item struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Kind       Kind      `json:"kind"`
	CreatedAt  time.Time `json:"created_at"`
	Metadata   Metadata  `json:"metadata,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
	Importance float64   `json:"importance"`

	// DecayedAt records when decay last touched this item, so that
	// applying decay twice with no elapsed time is a no-op.
	DecayedAt time.Time `json:"decayed_at"`
}

// Clone returns a deep copy. Reads hand out clones so callers never hold
// references into the manager's mutable state.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	cp := *it
	if it.Embedding != nil {
		cp.Embedding = make([]float32, len(it.Embedding))
		copy(cp.Embedding, it.Embedding)
	}
	cp.Metadata = it.Metadata.Clone()
	return &cp
}

// Summary condenses a batch of evicted or trimmed items.
type Summary struct {
	ID            string    `json:"id"`
	SummarizedIDs []string  `json:"summarized_ids"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
	ItemCount     int       `json:"item_count"`
}

// ValueKind discriminates the metadata value union.
type ValueKind int

const (
	ValueString ValueKind = iota
	ValueNumber
	ValueBool
	ValueMap
)

// Value is a small tagged union for metadata: string, number, bool or a
// nested map. It keeps metadata flexible without unconstrained dynamic
// typing.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	m    map[string]Value
}

// String wraps a string value.
func String(s string) Value { return Value{kind: ValueString, str: s} }

// Number wraps a numeric value.
func Number(n float64) Value { return Value{kind: ValueNumber, num: n} }

// Bool wraps a boolean value.
func Bool(b bool) Value { return Value{kind: ValueBool, b: b} }

// Map wraps a nested map value.
func Map(m map[string]Value) Value { return Value{kind: ValueMap, m: m} }

// Kind returns the union tag.
func (v Value) Kind() ValueKind { return v.kind }

// AsString returns the string value and whether the tag matched.
func (v Value) AsString() (string, bool) { return v.str, v.kind == ValueString }

// AsNumber returns the numeric value and whether the tag matched.
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == ValueNumber }

// AsBool returns the boolean value and whether the tag matched.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == ValueBool }

// AsMap returns the nested map and whether the tag matched.
func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == ValueMap }

// MarshalJSON encodes the value as its natural JSON type.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ValueString:
		return json.Marshal(v.str)
	case ValueNumber:
		return json.Marshal(v.num)
	case ValueBool:
		return json.Marshal(v.b)
	case ValueMap:
		return json.Marshal(v.m)
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

// UnmarshalJSON decodes a JSON scalar or object back into the union.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, err := valueFromInterface(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func valueFromInterface(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case bool:
		return Bool(t), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, nested := range t {
			nv, err := valueFromInterface(nested)
			if err != nil {
				return Value{}, err
			}
			m[k] = nv
		}
		return Map(m), nil
	case nil:
		return String(""), nil
	}
	return Value{}, fmt.Errorf("unsupported metadata value type %T", raw)
}

// Metadata is an open string-keyed map of tagged values.
type Metadata map[string]Value

// Clone returns a deep copy of the metadata map.
func (md Metadata) Clone() Metadata {
	if md == nil {
		return nil
	}
	cp := make(Metadata, len(md))
	for k, v := range md {
		if v.kind == ValueMap {
			nested := make(map[string]Value, len(v.m))
			for nk, nv := range v.m {
				nested[nk] = nv
			}
			v.m = nested
		}
		cp[k] = v
	}
	return cp
}
