package recognize

import "math"

// maxDistance is returned for inputs no embedding can match: mismatched or
// empty vectors and zero vectors. It sits above every reachable threshold.
const maxDistance = 2.0

// CosineDistance returns 1 minus the cosine similarity of a and b. Identical
// directions give 0, orthogonal 1, opposite 2. Face embeddings compare by
// angle only, so the magnitude of either vector does not matter.
func CosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return maxDistance
	}

	var dot, aa, bb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		aa += x * x
		bb += y * y
	}
	if aa == 0 || bb == 0 {
		return maxDistance
	}

	// Rounding can push the ratio slightly outside [-1, 1].
	cos := dot / (math.Sqrt(aa) * math.Sqrt(bb))
	cos = math.Max(-1, math.Min(1, cos))

	return 1 - cos
}
