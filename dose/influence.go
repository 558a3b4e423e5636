package dose

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrBadShape          = errors.New("malformed influence matrix")
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// InfluenceMatrix is the sparse linear operator mapping per-bixel weights to
// per-voxel dose. Storage is compressed sparse row with one row per voxel.
//
// Data is never mutated after construction. Scale multiplies every stored
// entry on the fly, so conditioning rescales are shallow matrix views that
// share storage and invert exactly.
type InfluenceMatrix struct {
	// RowPtr has VoxelCount+1 entries; row v spans Data[RowPtr[v]:RowPtr[v+1]].
	RowPtr []int
	// ColIdx holds the bixel index of each stored entry.
	ColIdx []int
	// Data holds dose per unit bixel weight, in Gy.
	Data []float64

	VoxelCount int
	BixelCount int

	// GridDims are the dose grid dimensions (x, y, z). Their product is
	// VoxelCount (per scenario).
	GridDims [3]int

	// ScenarioCount is the number of stacked error scenarios. 1 = nominal.
	ScenarioCount int

	// Scale multiplies every stored entry during Apply/ApplyTranspose.
	Scale float64

	// WeightToMU converts one unit of segment weight to monitor units.
	WeightToMU float64
}

// Entry is one coordinate-form matrix element, used when assembling an
// influence matrix from a dose engine's output.
type Entry struct {
	Voxel int
	Bixel int
	Value float64
}

// NewInfluenceFromTriplets assembles a CSR influence matrix from coordinate
// entries. Duplicate (voxel, bixel) entries are summed; zero values are kept
// out of the stored pattern.
func NewInfluenceFromTriplets(voxels, bixels int, grid [3]int, entries []Entry, weightToMU float64) (*InfluenceMatrix, error) {
	if voxels <= 0 || bixels <= 0 {
		return nil, fmt.Errorf("%w: %d voxels x %d bixels", ErrBadShape, voxels, bixels)
	}
	for _, e := range entries {
		if e.Voxel < 0 || e.Voxel >= voxels || e.Bixel < 0 || e.Bixel >= bixels {
			return nil, fmt.Errorf("%w: entry (%d,%d) outside %dx%d", ErrBadShape, e.Voxel, e.Bixel, voxels, bixels)
		}
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Voxel != sorted[j].Voxel {
			return sorted[i].Voxel < sorted[j].Voxel
		}
		return sorted[i].Bixel < sorted[j].Bixel
	})

	m := &InfluenceMatrix{
		RowPtr:        make([]int, voxels+1),
		VoxelCount:    voxels,
		BixelCount:    bixels,
		GridDims:      grid,
		ScenarioCount: 1,
		Scale:         1,
		WeightToMU:    weightToMU,
	}

	row := 0
	for i := 0; i < len(sorted); {
		j := i
		v := sorted[i].Value
		for j+1 < len(sorted) && sorted[j+1].Voxel == sorted[i].Voxel && sorted[j+1].Bixel == sorted[i].Bixel {
			j++
			v += sorted[j].Value
		}
		for row < sorted[i].Voxel {
			row++
			m.RowPtr[row] = len(m.Data)
		}
		if v != 0 {
			m.ColIdx = append(m.ColIdx, sorted[i].Bixel)
			m.Data = append(m.Data, v)
		}
		i = j + 1
	}
	for row < voxels {
		row++
		m.RowPtr[row] = len(m.Data)
	}

	return m, nil
}

// NewInfluenceFromDense converts any gonum matrix into CSR form, dropping
// zero entries. Rows are voxels, columns are bixels. Useful for tests and
// small demonstration problems.
func NewInfluenceFromDense(d mat.Matrix, grid [3]int, weightToMU float64) (*InfluenceMatrix, error) {
	rows, cols := d.Dims()
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: %dx%d dense input", ErrBadShape, rows, cols)
	}

	m := &InfluenceMatrix{
		RowPtr:        make([]int, rows+1),
		VoxelCount:    rows,
		BixelCount:    cols,
		GridDims:      grid,
		ScenarioCount: 1,
		Scale:         1,
		WeightToMU:    weightToMU,
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if v := d.At(i, j); v != 0 {
				m.ColIdx = append(m.ColIdx, j)
				m.Data = append(m.Data, v)
			}
		}
		m.RowPtr[i+1] = len(m.Data)
	}
	return m, nil
}

// Validate checks the structural invariants of the matrix.
func (m *InfluenceMatrix) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil matrix", ErrBadShape)
	}
	if m.VoxelCount <= 0 || m.BixelCount <= 0 {
		return fmt.Errorf("%w: %d voxels x %d bixels", ErrBadShape, m.VoxelCount, m.BixelCount)
	}
	if len(m.RowPtr) != m.VoxelCount+1 {
		return fmt.Errorf("%w: row pointer length %d for %d voxels", ErrBadShape, len(m.RowPtr), m.VoxelCount)
	}
	if len(m.ColIdx) != len(m.Data) {
		return fmt.Errorf("%w: %d column indices for %d values", ErrBadShape, len(m.ColIdx), len(m.Data))
	}
	if m.RowPtr[0] != 0 || m.RowPtr[m.VoxelCount] != len(m.Data) {
		return fmt.Errorf("%w: row pointers do not span the data", ErrBadShape)
	}
	for v := 0; v < m.VoxelCount; v++ {
		if m.RowPtr[v] > m.RowPtr[v+1] {
			return fmt.Errorf("%w: row %d has negative extent", ErrBadShape, v)
		}
	}
	for _, c := range m.ColIdx {
		if c < 0 || c >= m.BixelCount {
			return fmt.Errorf("%w: column index %d outside %d bixels", ErrBadShape, c, m.BixelCount)
		}
	}
	return nil
}

// EntryCount returns the number of stored matrix entries.
func (m *InfluenceMatrix) EntryCount() int { return len(m.Data) }

// Rescaled returns a shallow view of the matrix with Scale and WeightToMU
// multiplied by factor. Storage is shared with the receiver; neither matrix
// is mutated by use of the other.
func (m *InfluenceMatrix) Rescaled(factor float64) *InfluenceMatrix {
	cp := *m
	cp.Scale = m.Scale * factor
	cp.WeightToMU = m.WeightToMU * factor
	return &cp
}

// Apply computes dose = matrix x weights.
func (m *InfluenceMatrix) Apply(weights []float64) ([]float64, error) {
	dst := make([]float64, m.VoxelCount)
	if err := m.ApplyInto(dst, weights); err != nil {
		return nil, err
	}
	return dst, nil
}

// ApplyInto computes dose = matrix x weights into dst.
func (m *InfluenceMatrix) ApplyInto(dst, weights []float64) error {
	if len(weights) != m.BixelCount {
		return fmt.Errorf("%w: %d weights for %d bixels", ErrDimensionMismatch, len(weights), m.BixelCount)
	}
	if len(dst) != m.VoxelCount {
		return fmt.Errorf("%w: %d dose entries for %d voxels", ErrDimensionMismatch, len(dst), m.VoxelCount)
	}
	for v := 0; v < m.VoxelCount; v++ {
		sum := 0.0
		for k := m.RowPtr[v]; k < m.RowPtr[v+1]; k++ {
			sum += m.Data[k] * weights[m.ColIdx[k]]
		}
		dst[v] = sum * m.Scale
	}
	return nil
}

// ApplyTranspose computes matrixᵀ x v, the adjoint used by gradient
// back-propagation.
func (m *InfluenceMatrix) ApplyTranspose(v []float64) ([]float64, error) {
	dst := make([]float64, m.BixelCount)
	if err := m.ApplyTransposeInto(dst, v); err != nil {
		return nil, err
	}
	return dst, nil
}

// ApplyTransposeInto computes matrixᵀ x v into dst.
func (m *InfluenceMatrix) ApplyTransposeInto(dst, v []float64) error {
	if len(v) != m.VoxelCount {
		return fmt.Errorf("%w: %d values for %d voxels", ErrDimensionMismatch, len(v), m.VoxelCount)
	}
	if len(dst) != m.BixelCount {
		return fmt.Errorf("%w: %d outputs for %d bixels", ErrDimensionMismatch, len(dst), m.BixelCount)
	}
	for i := range dst {
		dst[i] = 0
	}
	for row := 0; row < m.VoxelCount; row++ {
		rv := v[row] * m.Scale
		if rv == 0 {
			continue
		}
		for k := m.RowPtr[row]; k < m.RowPtr[row+1]; k++ {
			dst[m.ColIdx[k]] += m.Data[k] * rv
		}
	}
	return nil
}
