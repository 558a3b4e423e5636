package aperture

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrVectorLength = errors.New("vector length mismatch")
	ErrBadGeometry  = errors.New("invalid aperture geometry")
)

// LeafPair is one MLC leaf pair's opening for a segment, in millimetres
// along the leaf-travel axis. The exposed window is (Left, Right); a pair
// with Left >= Right is closed.
type LeafPair struct {
	Left  float64
	Right float64
}

// Segment is one aperture shape: a delivery weight plus one leaf pair per
// track of its beam.
type Segment struct {
	Weight float64

	// TimeSec is the delivery time allotted to reach this segment from its
	// predecessor. Zero means "derive from monitor units and dose rate".
	TimeSec float64

	Leaves []LeafPair
}

// Beam is one gantry direction with its ordered segments and the fluence-map
// geometry that places bixels under the leaf tracks.
type Beam struct {
	GantryDeg float64

	// ColumnOriginMM is the leaf-axis coordinate of the left edge of
	// fluence column 0.
	ColumnOriginMM float64

	// TravelMinMM and TravelMaxMM bound every leaf position in this beam.
	TravelMinMM float64
	TravelMaxMM float64

	// Bixels[t][c] is the influence-matrix column index of fluence column c
	// under leaf track t, or -1 where the map has no bixel. The geometry is
	// immutable once built and is shared between clones.
	Bixels [][]int

	Segments []*Segment
}

// TrackCount returns the number of leaf tracks in the beam.
func (b *Beam) TrackCount() int { return len(b.Bixels) }

// Transition is a pair of temporally adjacent segments within one beam,
// identified by their indices in delivery order.
type Transition struct {
	Beam int
	From int
	To   int
}

// Sequence is the full aperture parameterization of a plan. Its flat vector
// form encodes, first, one weight per segment across all beams, then the
// leaf positions (left, right per track) of every segment.
type Sequence struct {
	Beams []*Beam

	// BixelWidth is the fluence column width in millimetres.
	BixelWidth float64

	// BixelCount is the number of influence-matrix columns the beams map to.
	BixelCount int

	// MaxSegmentWeight bounds each segment weight from above; zero or
	// negative means unbounded.
	MaxSegmentWeight float64

	// PrescriptionScale records the accumulated prescription calibration
	// factor applied to the weights. Values <= 0 and 1 both mean "never
	// calibrated".
	PrescriptionScale float64
}

// SegmentCount returns the total number of segments across all beams.
func (s *Sequence) SegmentCount() int {
	n := 0
	for _, b := range s.Beams {
		n += len(b.Segments)
	}
	return n
}

// VectorSize returns the length of the flat parameter vector.
func (s *Sequence) VectorSize() int {
	n := s.SegmentCount()
	for _, b := range s.Beams {
		n += 2 * len(b.Segments) * b.TrackCount()
	}
	return n
}

// WeightIndex returns the vector index of the given segment's weight.
func (s *Sequence) WeightIndex(beam, segment int) int {
	idx := 0
	for i := 0; i < beam; i++ {
		idx += len(s.Beams[i].Segments)
	}
	return idx + segment
}

// LeafOffset returns the vector index of the given segment's first leaf
// coordinate (left leaf of track 0).
func (s *Sequence) LeafOffset(beam, segment int) int {
	idx := s.SegmentCount()
	for i := 0; i < beam; i++ {
		idx += 2 * len(s.Beams[i].Segments) * s.Beams[i].TrackCount()
	}
	return idx + 2*s.Beams[beam].TrackCount()*segment
}

// Vector flattens the sequence into a fresh parameter vector.
func (s *Sequence) Vector() []float64 {
	x := make([]float64, s.VectorSize())
	i := 0
	for _, b := range s.Beams {
		for _, seg := range b.Segments {
			x[i] = seg.Weight
			i++
		}
	}
	for _, b := range s.Beams {
		for _, seg := range b.Segments {
			for _, lp := range seg.Leaves {
				x[i] = lp.Left
				x[i+1] = lp.Right
				i += 2
			}
		}
	}
	return x
}

// SetFromVector writes a flat parameter vector back into the sequence's
// weights and leaf positions. The vector itself is not retained.
func (s *Sequence) SetFromVector(x []float64) error {
	if len(x) != s.VectorSize() {
		return fmt.Errorf("%w: got %d entries, want %d", ErrVectorLength, len(x), s.VectorSize())
	}
	i := 0
	for _, b := range s.Beams {
		for _, seg := range b.Segments {
			seg.Weight = x[i]
			i++
		}
	}
	for _, b := range s.Beams {
		for _, seg := range b.Segments {
			for t := range seg.Leaves {
				seg.Leaves[t].Left = x[i]
				seg.Leaves[t].Right = x[i+1]
				i += 2
			}
		}
	}
	return nil
}

// Bounds builds the [lower, upper] table for the flat vector: [0, max
// weight] for every segment weight and the beam's travel range for every
// leaf coordinate. len(lower) == len(upper) == VectorSize always holds.
func (s *Sequence) Bounds() (lower, upper []float64) {
	n := s.VectorSize()
	lower = make([]float64, n)
	upper = make([]float64, n)

	wmax := math.Inf(1)
	if s.MaxSegmentWeight > 0 {
		wmax = s.MaxSegmentWeight
	}

	i := 0
	for _, b := range s.Beams {
		for range b.Segments {
			lower[i] = 0
			upper[i] = wmax
			i++
		}
	}
	for _, b := range s.Beams {
		for _, seg := range b.Segments {
			for range seg.Leaves {
				lower[i], upper[i] = b.TravelMinMM, b.TravelMaxMM
				lower[i+1], upper[i+1] = b.TravelMinMM, b.TravelMaxMM
				i += 2
			}
		}
	}
	return lower, upper
}

// Transitions lists the temporally adjacent segment pairs of every beam, in
// delivery order.
func (s *Sequence) Transitions() []Transition {
	var out []Transition
	for bi, b := range s.Beams {
		for si := 0; si+1 < len(b.Segments); si++ {
			out = append(out, Transition{Beam: bi, From: si, To: si + 1})
		}
	}
	return out
}

// Clone returns a deep copy of the sequence's mutable state. The bixel
// geometry (Bixels maps) is immutable and shared with the receiver.
func (s *Sequence) Clone() *Sequence {
	cp := *s
	cp.Beams = make([]*Beam, len(s.Beams))
	for i, b := range s.Beams {
		nb := *b
		nb.Segments = make([]*Segment, len(b.Segments))
		for j, seg := range b.Segments {
			ns := *seg
			ns.Leaves = make([]LeafPair, len(seg.Leaves))
			copy(ns.Leaves, seg.Leaves)
			nb.Segments[j] = &ns
		}
		cp.Beams[i] = &nb
	}
	return &cp
}

// Validate checks the structural invariants of the sequence.
func (s *Sequence) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil sequence", ErrBadGeometry)
	}
	if s.BixelWidth <= 0 || math.IsNaN(s.BixelWidth) || math.IsInf(s.BixelWidth, 0) {
		return fmt.Errorf("%w: bixel width %v", ErrBadGeometry, s.BixelWidth)
	}
	if len(s.Beams) == 0 {
		return fmt.Errorf("%w: no beams", ErrBadGeometry)
	}
	for bi, b := range s.Beams {
		if b.TrackCount() == 0 {
			return fmt.Errorf("%w: beam %d has no leaf tracks", ErrBadGeometry, bi)
		}
		if !(b.TravelMaxMM > b.TravelMinMM) {
			return fmt.Errorf("%w: beam %d travel range [%v, %v]", ErrBadGeometry, bi, b.TravelMinMM, b.TravelMaxMM)
		}
		cols := len(b.Bixels[0])
		for t, row := range b.Bixels {
			if len(row) != cols {
				return fmt.Errorf("%w: beam %d track %d has %d columns, want %d", ErrBadGeometry, bi, t, len(row), cols)
			}
			for c, idx := range row {
				if idx < -1 || idx >= s.BixelCount {
					return fmt.Errorf("%w: beam %d bixel (%d,%d) index %d outside %d columns", ErrBadGeometry, bi, t, c, idx, s.BixelCount)
				}
			}
		}
		if len(b.Segments) == 0 {
			return fmt.Errorf("%w: beam %d has no segments", ErrBadGeometry, bi)
		}
		for si, seg := range b.Segments {
			if len(seg.Leaves) != b.TrackCount() {
				return fmt.Errorf("%w: beam %d segment %d has %d leaf pairs, want %d", ErrBadGeometry, bi, si, len(seg.Leaves), b.TrackCount())
			}
		}
	}
	return nil
}
