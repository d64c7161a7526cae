package reid

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

const similarityEps = 1e-6

// CosineSimilarity returns dot(a, b) / (|a|*|b| + eps).
// Vectors of different length or empty vectors are not comparable and give 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	dot := floats.Dot(a, b)
	norms := floats.Norm(a, 2) * floats.Norm(b, 2)
	sim := dot / (norms + similarityEps)
	if math.IsNaN(sim) {
		return 0
	}
	return sim
}

// Normalize scales vector to unit length in place. Zero vectors are left untouched
func Normalize(v []float64) {
	norm := floats.Norm(v, 2)
	if norm == 0 {
		return
	}
	floats.Scale(1/norm, v)
}
