package mock

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministic(t *testing.T) {
	ctx := context.Background()
	e := New()

	a, err := e.Embed(ctx, "same text")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestDimensions(t *testing.T) {
	assert.Equal(t, 384, New().Dimensions())

	e := NewWithDimensions(16)
	assert.Equal(t, 16, e.Dimensions())

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 16)
}

func TestUnitLength(t *testing.T) {
	vec, err := New().Embed(context.Background(), "normalize me")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}
