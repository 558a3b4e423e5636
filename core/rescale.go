package core

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/beamworks/aperture-optimizer/aperture"
	"github.com/beamworks/aperture-optimizer/dose"
)

// Rescaling records the conditioning factor applied to one solve's inputs.
type Rescaling struct {
	// Factor is mean(segment weights) / bixel width, or 1 when rescaling
	// was skipped.
	Factor float64
	// Applied reports whether the factor was actually applied.
	Applied bool
}

// RescaleForConditioning returns scaled views of the influence matrix and
// sequence that bring the optimization variables near unity: matrix data and
// weight-to-MU are multiplied by the factor, segment weights and the weight
// cap divided by it. The inputs are never mutated, so undoing the operation
// is a matter of dropping the views. Degenerate inputs (no segments,
// non-positive mean weight or bixel width) skip the operation and report
// factor 1.
func RescaleForConditioning(m *dose.InfluenceMatrix, seq *aperture.Sequence) (*dose.InfluenceMatrix, *aperture.Sequence, Rescaling) {
	none := Rescaling{Factor: 1}
	if m == nil || seq == nil || seq.BixelWidth <= 0 {
		return m, seq, none
	}

	var weights []float64
	for _, b := range seq.Beams {
		for _, seg := range b.Segments {
			weights = append(weights, seg.Weight)
		}
	}
	if len(weights) == 0 {
		return m, seq, none
	}

	factor := stat.Mean(weights, nil) / seq.BixelWidth
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return m, seq, none
	}

	scaledSeq := seq.Clone()
	for _, b := range scaledSeq.Beams {
		for _, seg := range b.Segments {
			seg.Weight /= factor
		}
	}
	if scaledSeq.MaxSegmentWeight > 0 {
		scaledSeq.MaxSegmentWeight /= factor
	}

	return m.Rescaled(factor), scaledSeq, Rescaling{Factor: factor, Applied: true}
}

// InvertVector returns a copy of x with the segment-weight entries
// multiplied back to the caller's original scale. Leaf entries pass through
// unchanged. seq supplies the vector layout.
func (r Rescaling) InvertVector(seq *aperture.Sequence, x []float64) []float64 {
	out := append([]float64(nil), x...)
	if !r.Applied || r.Factor == 1 {
		return out
	}
	for bi, b := range seq.Beams {
		for si := range b.Segments {
			out[seq.WeightIndex(bi, si)] *= r.Factor
		}
	}
	return out
}

// InvertMatrix returns a view of m with the conditioning factor removed.
func (r Rescaling) InvertMatrix(m *dose.InfluenceMatrix) *dose.InfluenceMatrix {
	if !r.Applied || m == nil {
		return m
	}
	return m.Rescaled(1 / r.Factor)
}
