// Package vecmath holds the float32 vector helpers shared by the indexer,
// the retrieval engine and the in-memory catalog. Every embedding that
// reaches the catalog passes through Normalize, and every comparison uses
// Euclidean, so the in-memory ranking matches pgvector's <-> operator.
package vecmath

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	ErrZeroNorm          = errors.New("vector has zero norm")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Euclidean returns the L2 distance between a and b. Callers guarantee equal
// lengths; CheckDim exists for the boundaries where that is not yet known.
func Euclidean(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

// Normalize returns a unit-length copy of v.
func Normalize(v []float32) ([]float32, error) {
	var norm2 float64
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil, fmt.Errorf("vector contains non-finite component")
		}
		norm2 += float64(x) * float64(x)
	}
	if norm2 == 0 {
		return nil, ErrZeroNorm
	}
	inv := 1 / math.Sqrt(norm2)
	out := slices.Clone(v)
	for i := range out {
		out[i] = float32(float64(out[i]) * inv)
	}
	return out, nil
}

func CheckDim(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(v), dim)
	}
	return nil
}
