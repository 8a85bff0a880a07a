package memory

import "errors"

// Common errors returned by stores and the manager.
var (
	ErrNotFound          = errors.New("memory item not found")
	ErrEmptyContent      = errors.New("item content is empty")
	ErrInvalidKind       = errors.New("unknown item kind")
	ErrInvalidQuery      = errors.New("query text is empty")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrStoreClosed       = errors.New("store is closed")
)
