package core

import (
	"github.com/beamworks/aperture-optimizer/aperture"
	"github.com/beamworks/aperture-optimizer/delivery"
	"github.com/beamworks/aperture-optimizer/dose"
	"github.com/beamworks/aperture-optimizer/model"
	"github.com/beamworks/aperture-optimizer/solver"
)

// Result is the final bundle of one optimization run. All slices and
// referenced objects are owned by the result; the caller's inputs are never
// aliased.
type Result struct {
	RunID string

	Status     solver.Status
	Iterations int
	Objective  float64
	// Trace is the objective value of every iteration, in order.
	Trace []float64

	// Aperture is the solved parameterization at the caller's original
	// scale, carrying any calibration factor applied afterwards.
	Aperture *aperture.Sequence
	// Vector is the flat form of Aperture.
	Vector []float64

	// BixelWeights and DirectApertureWeights expose the realized
	// per-bixel fluence under its two historical names. They are always
	// equal element for element.
	BixelWeights          []float64
	DirectApertureWeights []float64

	// Dose is the realized per-fraction dose distribution.
	Dose *dose.Distribution
	// Indicators are the per-structure quality indicators of Dose.
	Indicators []dose.QualityIndicators

	// Delivery summarizes machine demands; only rotational plans have one.
	Delivery *delivery.Metrics

	// Rescaling records the conditioning rescale of this run.
	Rescaling Rescaling
	// CalibrationFactor is the accumulated prescription calibration
	// applied to this result, 1 when none.
	CalibrationFactor float64

	// solvedDose is the realized dose of the solve itself, before any
	// calibration pass. The calibrator derives its factor from this
	// snapshot, which is what makes repeat invocations compound.
	solvedDose *dose.Distribution
}

// PostProcess converts a terminal solver outcome back into clinical terms:
// the solved aperture, its realized fluence and dose, per-structure quality
// indicators, and delivery metrics for rotational plans. The outcome vector
// must already be at the caller's original scale (inverse-rescaled); m and
// seq are the caller's original inputs. Every terminal status is
// post-processed, including cancelled and failed solves, so partial results
// stay inspectable.
func PostProcess(out *solver.Outcome, m *dose.InfluenceMatrix, set *model.StructureSet, seq *aperture.Sequence, setup model.Setup) (*Result, error) {
	if out == nil {
		return nil, ErrNilOutcome
	}
	if m == nil {
		return nil, ErrNilInfluence
	}
	if seq == nil {
		return nil, ErrNilSequence
	}

	solved := seq.Clone()
	if err := solved.SetFromVector(out.X); err != nil {
		return nil, err
	}

	fluence, err := solved.BixelWeights()
	if err != nil {
		return nil, err
	}
	doseVec, err := m.Apply(fluence)
	if err != nil {
		return nil, err
	}
	dist, err := dose.NewDistribution(doseVec, m.GridDims)
	if err != nil {
		return nil, err
	}
	indicators, err := dose.ForStructureSet(dist, set, model.NewBioModel(setup))
	if err != nil {
		return nil, err
	}

	res := &Result{
		Status:                out.Status,
		Iterations:            out.Iterations,
		Objective:             out.Objective,
		Trace:                 append([]float64(nil), out.Trace...),
		Aperture:              solved,
		Vector:                append([]float64(nil), out.X...),
		BixelWeights:          fluence,
		DirectApertureWeights: append([]float64(nil), fluence...),
		Dose:                  dist,
		Indicators:            indicators,
		CalibrationFactor:     1,
		solvedDose:            dist,
	}
	if setup.Rotational {
		lim := delivery.Limits{LeafSpeed: setup.LeafSpeedLimit, DoseRate: setup.DoseRateLimit}
		res.Delivery = delivery.Compute(solved, m.WeightToMU, lim)
	}
	return res, nil
}
