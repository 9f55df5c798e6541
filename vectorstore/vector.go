package vectorstore

import "math"

// NormalizeVector scales v to unit length so that a dot product between two
// stored vectors equals their cosine similarity. It returns a new slice.
// A zero vector stays zero.
func NormalizeVector(v []float32) []float32 {
	out := make([]float32, len(v))
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// normalizeAll normalizes each vector in place of the slice.
func normalizeAll(vectors [][]float32) {
	for i, v := range vectors {
		vectors[i] = NormalizeVector(v)
	}
}
