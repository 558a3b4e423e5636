package core

import (
	"fmt"

	"github.com/beamworks/aperture-optimizer/aperture"
	"github.com/beamworks/aperture-optimizer/delivery"
	"github.com/beamworks/aperture-optimizer/dose"
	"github.com/beamworks/aperture-optimizer/model"
	"github.com/beamworks/aperture-optimizer/solver"
)

// transitionConstraint is one machine-limit row: the transition it bounds
// and the delivery time allotted to it.
type transitionConstraint struct {
	tr      aperture.Transition
	seconds float64
}

// constraintPlan fixes the constraint-row layout of one problem: all
// leaf-speed rows first, then all dose-rate rows. The problem builder and
// the evaluator both derive their plan from the same pure function, so row
// bounds and Jacobian pattern cannot drift apart.
type constraintPlan struct {
	speed []transitionConstraint
	rate  []transitionConstraint
}

func (p *constraintPlan) rows() int { return len(p.speed) + len(p.rate) }

// buildConstraintPlan derives the delivery-limit rows for a sequence.
// Transition times are frozen at build time; transitions without a derivable
// positive time produce no rows.
func buildConstraintPlan(seq *aperture.Sequence, setup model.Setup, weightToMU float64) constraintPlan {
	var plan constraintPlan
	if !setup.Rotational {
		return plan
	}
	lim := delivery.Limits{LeafSpeed: setup.LeafSpeedLimit, DoseRate: setup.DoseRateLimit}
	for _, tt := range delivery.TransitionTimes(seq, weightToMU, lim) {
		tc := transitionConstraint{tr: tt.Transition, seconds: tt.Seconds}
		if setup.LeafSpeedLimit > 0 {
			plan.speed = append(plan.speed, tc)
		}
		if setup.DoseRateLimit > 0 {
			plan.rate = append(plan.rate, tc)
		}
	}
	return plan
}

// BuildProblem assembles the numeric problem of one solve: the initial
// vector (with any recorded prescription calibration restored on the weight
// entries), variable bounds copied from the aperture bounds table, and
// delivery-limit constraint rows when rotational delivery is enabled. It
// also returns the per-fraction normalized copy of the structure set the
// evaluators score against. None of the inputs are modified.
func BuildProblem(m *dose.InfluenceMatrix, set *model.StructureSet, seq *aperture.Sequence, setup model.Setup) (solver.Problem, *model.StructureSet, error) {
	var p solver.Problem
	if m == nil {
		return p, nil, ErrNilInfluence
	}
	if set == nil {
		return p, nil, ErrNilStructureSet
	}
	if seq == nil {
		return p, nil, ErrNilSequence
	}
	if err := m.Validate(); err != nil {
		return p, nil, fmt.Errorf("influence matrix: %w", err)
	}
	if err := seq.Validate(); err != nil {
		return p, nil, fmt.Errorf("aperture sequence: %w", err)
	}
	if m.BixelCount != seq.BixelCount {
		return p, nil, fmt.Errorf("%w: matrix has %d, sequence maps %d", ErrBixelMismatch, m.BixelCount, seq.BixelCount)
	}
	for _, s := range set.Structures {
		for _, v := range s.VoxelIndices {
			if v < 0 || v >= m.VoxelCount {
				return p, nil, fmt.Errorf("%w: structure %q voxel %d of %d", ErrVoxelOutOfRange, s.Name, v, m.VoxelCount)
			}
		}
	}

	normalized, err := set.NormalizedForFractions(setup.FractionCount)
	if err != nil {
		return p, nil, err
	}

	p.Init = seq.Vector()
	if s := seq.PrescriptionScale; s > 0 && s != 1 {
		// Restore weights previously multiplied by a calibration pass so
		// the solve restarts from the uncalibrated scale.
		for bi, b := range seq.Beams {
			for si := range b.Segments {
				p.Init[seq.WeightIndex(bi, si)] /= s
			}
		}
	}
	p.Lower, p.Upper = seq.Bounds()

	plan := buildConstraintPlan(seq, setup, m.WeightToMU)
	p.ConstraintLower = make([]float64, 0, plan.rows())
	p.ConstraintUpper = make([]float64, 0, plan.rows())
	for _, tc := range plan.speed {
		// The summed squared leaf travel stays below the squared distance
		// reachable within the allotted time at the speed limit.
		reach := setup.LeafSpeedLimit * tc.seconds
		p.ConstraintLower = append(p.ConstraintLower, 0)
		p.ConstraintUpper = append(p.ConstraintUpper, reach*reach)
	}
	for _, tc := range plan.rate {
		p.ConstraintLower = append(p.ConstraintLower, 0)
		p.ConstraintUpper = append(p.ConstraintUpper, setup.DoseRateLimit*tc.seconds)
	}

	if err := p.Validate(); err != nil {
		return solver.Problem{}, nil, err
	}
	return p, normalized, nil
}
