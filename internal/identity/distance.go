package identity

import "math"

// DistanceFunc compares two embeddings. Smaller is closer.
type DistanceFunc func(a, b Embedding) float64

// EuclideanDistance is the L2 distance used by dlib-style face embeddings.
// Vectors of different length are infinitely far apart.
func EuclideanDistance(a, b Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
