package vectorstore

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func magnitude(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestNormalizeVector(t *testing.T) {
	tests := []struct {
		name     string
		input    []float32
		expected []float32
	}{
		{"unit", []float32{1, 0, 0}, []float32{1, 0, 0}},
		{"three four five", []float32{3, 4}, []float32{0.6, 0.8}},
		{"negative", []float32{-1, 1}, []float32{-1 / float32(math.Sqrt2), 1 / float32(math.Sqrt2)}},
		{"tiny", []float32{1e-4, 2e-4, 2e-4}, []float32{1.0 / 3, 2.0 / 3, 2.0 / 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeVector(tt.input)
			require.Len(t, got, len(tt.expected))
			assert.InDeltaSlice(t, tt.expected, got, 1e-6)
			assert.InDelta(t, 1.0, magnitude(got), 1e-6)
		})
	}
}

func TestNormalizeVector_Degenerate(t *testing.T) {
	assert.Equal(t, []float32{0, 0, 0}, NormalizeVector([]float32{0, 0, 0}))
	assert.Empty(t, NormalizeVector(nil))

	in := []float32{2, 0}
	NormalizeVector(in)
	assert.Equal(t, []float32{2, 0}, in, "input must not be modified")
}
