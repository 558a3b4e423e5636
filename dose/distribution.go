package dose

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Distribution is a realized dose distribution on the planning grid, stored
// flat in x-fastest order.
type Distribution struct {
	Values []float64
	Dims   [3]int
}

// NewDistribution wraps a flat dose vector with its grid dimensions.
func NewDistribution(values []float64, dims [3]int) (*Distribution, error) {
	n := dims[0] * dims[1] * dims[2]
	if n <= 0 {
		return nil, fmt.Errorf("%w: grid %v", ErrBadShape, dims)
	}
	if len(values) != n {
		return nil, fmt.Errorf("%w: %d values for grid %v", ErrDimensionMismatch, len(values), dims)
	}
	return &Distribution{Values: values, Dims: dims}, nil
}

// At returns the dose at grid coordinate (x, y, z).
func (d *Distribution) At(x, y, z int) float64 {
	return d.Values[x+d.Dims[0]*(y+d.Dims[1]*z)]
}

// Max returns the highest voxel dose, or 0 for an empty distribution.
func (d *Distribution) Max() float64 {
	if d == nil || len(d.Values) == 0 {
		return 0
	}
	return floats.Max(d.Values)
}

// Mean returns the mean voxel dose, or 0 for an empty distribution.
func (d *Distribution) Mean() float64 {
	if d == nil || len(d.Values) == 0 {
		return 0
	}
	return floats.Sum(d.Values) / float64(len(d.Values))
}

// Gather copies the dose values at the given voxel indices.
func (d *Distribution) Gather(indices []int) ([]float64, error) {
	out := make([]float64, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(d.Values) {
			return nil, fmt.Errorf("%w: voxel index %d outside %d voxels", ErrDimensionMismatch, idx, len(d.Values))
		}
		out[i] = d.Values[idx]
	}
	return out, nil
}
