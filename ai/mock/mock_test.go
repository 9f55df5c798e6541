package mock

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func TestVector(t *testing.T) {
	t.Run("unit length", func(t *testing.T) {
		for _, text := range []string{"I love hiking", "...", ""} {
			v := Vector(text, DefaultDimension)
			require.Len(t, v, DefaultDimension)
			assert.InDelta(t, 1.0, math.Sqrt(dot(v, v)), 1e-5, "text %q", text)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, Vector("same words", 16), Vector("same words", 16))
	})

	t.Run("shared words score higher", func(t *testing.T) {
		query := Vector("what do I think about hiking", DefaultDimension)
		related := Vector("I think hiking in the mountains is the best", DefaultDimension)
		unrelated := Vector("Traffic jams ruin mornings", DefaultDimension)
		assert.Greater(t, dot(query, related), dot(query, unrelated))
	})
}

func TestMockEmbedder(t *testing.T) {
	ctx := context.Background()
	m := NewMockEmbedder()

	vectors, err := m.EmbedTexts(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	_, err = m.EmbedText(ctx, "c")
	require.NoError(t, err)

	assert.Equal(t, 2, m.CallCount())
	assert.Equal(t, []string{"a", "b", "c"}, m.Texts())

	boom := errors.New("boom")
	m.EmbedTextFunc = func(context.Context, string) ([]float32, error) { return nil, boom }
	_, err = m.EmbedText(ctx, "d")
	assert.ErrorIs(t, err, boom)

	m.Reset()
	assert.Zero(t, m.CallCount())
	assert.Empty(t, m.Texts())
	assert.Nil(t, m.EmbedTextFunc)
}

func TestMockGenerator(t *testing.T) {
	ctx := context.Background()
	g := NewMockGenerator()

	answer, err := g.Generate(ctx, "prompt one")
	require.NoError(t, err)
	assert.Equal(t, DefaultAnswer, answer)
	assert.Equal(t, "prompt one", g.LastPrompt())
	assert.Equal(t, 1, g.CallCount())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = g.Generate(cancelled, "prompt two")
	assert.ErrorIs(t, err, context.Canceled)

	g.Reset()
	assert.Zero(t, g.CallCount())
	assert.Empty(t, g.LastPrompt())
}

func TestMockProvider(t *testing.T) {
	p := NewMockProvider()
	mp := p.(*MockProvider)

	assert.Same(t, mp.GetMockEmbedder(), p.Embedder())
	assert.Same(t, mp.GetMockGenerator(), p.Generator())
	assert.Equal(t, "mock", p.Name())
	assert.NoError(t, p.Close())
}
