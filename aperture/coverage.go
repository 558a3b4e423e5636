package aperture

import (
	"fmt"
	"math"
)

// coverage returns the fraction of the fluence column [edge, edge+width)
// exposed by the leaf opening (left, right), together with the derivative of
// that fraction with respect to each leaf position. The fraction is
// piecewise linear in the leaf positions and differentiable almost
// everywhere; at the kinks the one-sided derivative towards the interior is
// reported.
func coverage(left, right, edge, width float64) (frac, dLeft, dRight float64) {
	lo := math.Max(left, edge)
	hi := math.Min(right, edge+width)
	if hi <= lo {
		return 0, 0, 0
	}
	frac = (hi - lo) / width
	if left > edge {
		dLeft = -1 / width
	}
	if right < edge+width {
		dRight = 1 / width
	}
	return frac, dLeft, dRight
}

// BixelWeights computes the realized per-bixel fluence of the sequence's
// current weights and leaf positions: each bixel receives its segment's
// weight scaled by the fraction of the bixel column the leaves expose.
func (s *Sequence) BixelWeights() ([]float64, error) {
	dst := make([]float64, s.BixelCount)
	if err := s.BixelWeightsInto(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// BixelWeightsInto computes the realized fluence into dst.
func (s *Sequence) BixelWeightsInto(dst []float64) error {
	if len(dst) != s.BixelCount {
		return fmt.Errorf("%w: got %d fluence entries, want %d", ErrVectorLength, len(dst), s.BixelCount)
	}
	for i := range dst {
		dst[i] = 0
	}
	for _, b := range s.Beams {
		for _, seg := range b.Segments {
			for t, row := range b.Bixels {
				lp := seg.Leaves[t]
				for c, idx := range row {
					if idx < 0 {
						continue
					}
					edge := b.ColumnOriginMM + float64(c)*s.BixelWidth
					frac, _, _ := coverage(lp.Left, lp.Right, edge, s.BixelWidth)
					if frac != 0 {
						dst[idx] += seg.Weight * frac
					}
				}
			}
		}
	}
	return nil
}

// AccumulateGradient back-propagates a fluence-space gradient into the flat
// parameter vector: grad[i] += sum over bixels of dFdFluence[b] times the
// partial derivative of fluence b with respect to vector entry i. grad must
// be pre-sized to VectorSize; existing contents are added to, not replaced.
func (s *Sequence) AccumulateGradient(dFdFluence, grad []float64) error {
	if len(dFdFluence) != s.BixelCount {
		return fmt.Errorf("%w: got %d fluence gradients, want %d", ErrVectorLength, len(dFdFluence), s.BixelCount)
	}
	if len(grad) != s.VectorSize() {
		return fmt.Errorf("%w: got %d gradient entries, want %d", ErrVectorLength, len(grad), s.VectorSize())
	}
	for bi, b := range s.Beams {
		for si, seg := range b.Segments {
			wIdx := s.WeightIndex(bi, si)
			leafBase := s.LeafOffset(bi, si)
			for t, row := range b.Bixels {
				lp := seg.Leaves[t]
				for c, idx := range row {
					if idx < 0 {
						continue
					}
					g := dFdFluence[idx]
					if g == 0 {
						continue
					}
					edge := b.ColumnOriginMM + float64(c)*s.BixelWidth
					frac, dL, dR := coverage(lp.Left, lp.Right, edge, s.BixelWidth)
					grad[wIdx] += g * frac
					grad[leafBase+2*t] += g * seg.Weight * dL
					grad[leafBase+2*t+1] += g * seg.Weight * dR
				}
			}
		}
	}
	return nil
}
