package vectorstore

import (
	"fmt"
	"math"

	"github.com/coder/hnsw"
)

// Metric names a dissimilarity function. Smaller distances mean more similar faces.
type Metric string

const (
	// L2Squared is the squared Euclidean distance, the same quantity a flat L2 index reports.
	L2Squared Metric = "l2sq"
	// Cosine is 1 - cosine similarity, in [0, 2].
	Cosine Metric = "cosine"
)

// DistanceFunc computes the distance between two vectors of equal length.
type DistanceFunc func(a, b []float32) float64

// ParseMetric maps a configuration value to a Metric.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case L2Squared, Cosine:
		return Metric(s), nil
	default:
		return "", fmt.Errorf("unknown distance metric %q", s)
	}
}

// Func returns the exact distance function for the metric.
func (m Metric) Func() DistanceFunc {
	if m == Cosine {
		return CosineDistance
	}
	return SquaredL2Distance
}

// graphDistance returns the hnsw distance used to rank graph candidates.
// Euclidean ranks identically to squared Euclidean.
func (m Metric) graphDistance() hnsw.DistanceFunc {
	if m == Cosine {
		return hnsw.CosineDistance
	}
	return hnsw.EuclideanDistance
}

// SquaredL2Distance computes sum((a[i]-b[i])^2).
func SquaredL2Distance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// CosineDistance computes the cosine distance between two vectors
// Returns a value between 0 (identical) and 2 (opposite)
// Cosine distance = 1 - cosine similarity
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2.0 // Maximum distance for invalid input
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 2.0 // Maximum distance for zero vectors
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}

	return 1 - similarity
}
