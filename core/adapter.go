package core

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/beamworks/aperture-optimizer/aperture"
	"github.com/beamworks/aperture-optimizer/dose"
	"github.com/beamworks/aperture-optimizer/model"
)

// planEvaluator implements solver.Evaluator for one assembled problem. Each
// method is a deterministic function of the vector; the evaluator caches the
// fluence and dose of the most recent vector so the usual objective-then-
// gradient call pair converts only once. It owns a private clone of the
// sequence and never touches the caller's inputs.
type planEvaluator struct {
	matrix *dose.InfluenceMatrix
	set    *model.StructureSet
	seq    *aperture.Sequence
	bio    model.BioModel
	plan   constraintPlan

	jacRows []int
	jacCols []int

	lastX   []float64
	fluence []float64 // realized per-bixel fluence of lastX
	voxdose []float64 // realized per-voxel dose of lastX
	ddose   []float64 // objective gradient in dose space
	dflu    []float64 // objective gradient in fluence space
}

// newPlanEvaluator binds the solve inputs to the evaluator callbacks. set
// must already be per-fraction normalized; seq and m must agree on bixel
// count (BuildProblem checks both).
func newPlanEvaluator(m *dose.InfluenceMatrix, set *model.StructureSet, seq *aperture.Sequence, setup model.Setup) *planEvaluator {
	e := &planEvaluator{
		matrix:  m,
		set:     set,
		seq:     seq.Clone(),
		bio:     model.NewBioModel(setup),
		plan:    buildConstraintPlan(seq, setup, m.WeightToMU),
		fluence: make([]float64, m.BixelCount),
		dflu:    make([]float64, m.BixelCount),
		voxdose: make([]float64, m.VoxelCount),
		ddose:   make([]float64, m.VoxelCount),
	}

	// The Jacobian pattern is fixed for the lifetime of the problem: per
	// speed row the from-segment leaf coordinates then the to-segment leaf
	// coordinates, then one weight column per rate row.
	for r, tc := range e.plan.speed {
		fromOff := e.seq.LeafOffset(tc.tr.Beam, tc.tr.From)
		toOff := e.seq.LeafOffset(tc.tr.Beam, tc.tr.To)
		coords := 2 * e.seq.Beams[tc.tr.Beam].TrackCount()
		for j := 0; j < coords; j++ {
			e.jacRows = append(e.jacRows, r)
			e.jacCols = append(e.jacCols, fromOff+j)
		}
		for j := 0; j < coords; j++ {
			e.jacRows = append(e.jacRows, r)
			e.jacCols = append(e.jacCols, toOff+j)
		}
	}
	base := len(e.plan.speed)
	for r, tc := range e.plan.rate {
		e.jacRows = append(e.jacRows, base+r)
		e.jacCols = append(e.jacCols, e.seq.WeightIndex(tc.tr.Beam, tc.tr.To))
	}
	return e
}

// refresh converts x into the aperture work copy and recomputes fluence and
// dose, skipping the work when x matches the cached vector.
func (e *planEvaluator) refresh(x []float64) error {
	if e.lastX != nil && floats.Equal(e.lastX, x) {
		return nil
	}
	if err := e.seq.SetFromVector(x); err != nil {
		return fmt.Errorf("convert vector: %w", err)
	}
	if err := e.seq.BixelWeightsInto(e.fluence); err != nil {
		return err
	}
	if err := e.matrix.ApplyInto(e.voxdose, e.fluence); err != nil {
		return err
	}
	if e.lastX == nil {
		e.lastX = make([]float64, len(x))
	}
	copy(e.lastX, x)
	return nil
}

// objectiveDiff returns the signed deviation the objective kind penalizes,
// or 0 where the kind does not apply.
func objectiveDiff(kind model.ObjectiveKind, eff, ref float64) float64 {
	diff := eff - ref
	switch kind {
	case model.ObjectiveSquaredOverdose:
		if diff < 0 {
			return 0
		}
	case model.ObjectiveSquaredUnderdose:
		if diff > 0 {
			return 0
		}
	}
	return diff
}

// Objective scores the realized biologically effective dose against every
// structure objective: per objective, the mean squared penalized deviation
// over the structure's voxels, weighted and summed.
func (e *planEvaluator) Objective(x []float64) (float64, error) {
	if err := e.refresh(x); err != nil {
		return 0, err
	}
	factor := e.bio.Factor()
	total := 0.0
	for _, s := range e.set.Structures {
		n := float64(len(s.VoxelIndices))
		if n == 0 {
			continue
		}
		for _, obj := range s.Objectives {
			if obj.Weight == 0 {
				continue
			}
			sum := 0.0
			for _, v := range s.VoxelIndices {
				diff := objectiveDiff(obj.Kind, e.voxdose[v]*factor, obj.DoseGy)
				sum += diff * diff
			}
			total += obj.Weight * sum / n
		}
	}
	return total, nil
}

// Gradient back-propagates the objective through dose and fluence space
// into the flat parameter vector.
func (e *planEvaluator) Gradient(x, grad []float64) error {
	if err := e.refresh(x); err != nil {
		return err
	}
	factor := e.bio.Factor()
	for i := range e.ddose {
		e.ddose[i] = 0
	}
	for _, s := range e.set.Structures {
		n := float64(len(s.VoxelIndices))
		if n == 0 {
			continue
		}
		for _, obj := range s.Objectives {
			if obj.Weight == 0 {
				continue
			}
			scale := 2 * obj.Weight * factor / n
			for _, v := range s.VoxelIndices {
				diff := objectiveDiff(obj.Kind, e.voxdose[v]*factor, obj.DoseGy)
				if diff != 0 {
					e.ddose[v] += scale * diff
				}
			}
		}
	}
	if err := e.matrix.ApplyTransposeInto(e.dflu, e.ddose); err != nil {
		return err
	}
	for i := range grad {
		grad[i] = 0
	}
	return e.seq.AccumulateGradient(e.dflu, grad)
}

// Constraints evaluates the delivery-limit rows directly from the vector:
// per speed row the summed squared leaf travel of the transition, per rate
// row the destination segment's monitor units.
func (e *planEvaluator) Constraints(x, out []float64) error {
	idx := 0
	for _, tc := range e.plan.speed {
		fromOff := e.seq.LeafOffset(tc.tr.Beam, tc.tr.From)
		toOff := e.seq.LeafOffset(tc.tr.Beam, tc.tr.To)
		coords := 2 * e.seq.Beams[tc.tr.Beam].TrackCount()
		sum := 0.0
		for j := 0; j < coords; j++ {
			d := x[toOff+j] - x[fromOff+j]
			sum += d * d
		}
		out[idx] = sum
		idx++
	}
	for _, tc := range e.plan.rate {
		out[idx] = x[e.seq.WeightIndex(tc.tr.Beam, tc.tr.To)] * e.matrix.WeightToMU
		idx++
	}
	return nil
}

// Jacobian writes the pattern-ordered nonzeros of the constraint rows.
func (e *planEvaluator) Jacobian(x, out []float64) error {
	k := 0
	for _, tc := range e.plan.speed {
		fromOff := e.seq.LeafOffset(tc.tr.Beam, tc.tr.From)
		toOff := e.seq.LeafOffset(tc.tr.Beam, tc.tr.To)
		coords := 2 * e.seq.Beams[tc.tr.Beam].TrackCount()
		for j := 0; j < coords; j++ {
			out[k] = -2 * (x[toOff+j] - x[fromOff+j])
			k++
		}
		for j := 0; j < coords; j++ {
			out[k] = 2 * (x[toOff+j] - x[fromOff+j])
			k++
		}
	}
	for range e.plan.rate {
		out[k] = e.matrix.WeightToMU
		k++
	}
	return nil
}

// JacobianStructure returns the fixed sparsity pattern. The returned slices
// are owned by the evaluator and must not be modified.
func (e *planEvaluator) JacobianStructure() (rows, cols []int) {
	return e.jacRows, e.jacCols
}
