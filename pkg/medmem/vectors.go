package medmem

import "math"

// normalize returns a unit-length copy of v. The index stores only
// normalized vectors, so L2 distance preserves cosine order and cosine
// similarity can be recovered from the distance alone.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}

	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}

	return out
}

// cosineFromL2 converts the L2 distance between two unit vectors into
// their cosine similarity: |a-b|^2 = 2 - 2*cos(a,b).
func cosineFromL2(d float64) float64 {
	return 1 - d*d/2
}
