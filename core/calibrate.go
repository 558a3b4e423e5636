package core

import (
	"fmt"
	"math"

	"github.com/beamworks/aperture-optimizer/delivery"
	"github.com/beamworks/aperture-optimizer/dose"
	"github.com/beamworks/aperture-optimizer/model"
)

// CalibrateToPrescription rescales a post-processed result so the worst
// target structure's D95 reaches its per-fraction prescription: it derives
// calibrationFactor = max(prescription per fraction / D95) over the target
// structures, multiplies the segment weights by it, and recomputes fluence,
// dose, indicators, and delivery metrics. The factor is recorded on the
// aperture parameterization and returned.
//
// The D95 is always taken from the solve's own realized dose, so invoking
// the pass twice applies the same factor twice. Callers must invoke it at
// most once per solve unless they want the compounded scaling.
func CalibrateToPrescription(res *Result, m *dose.InfluenceMatrix, set *model.StructureSet, setup model.Setup) (float64, error) {
	if res == nil || res.Aperture == nil || res.solvedDose == nil {
		return 0, ErrNilResult
	}
	if m == nil {
		return 0, ErrNilInfluence
	}
	if set == nil {
		return 0, ErrNilStructureSet
	}
	if setup.FractionCount <= 0 {
		return 0, model.ErrZeroFractionCount
	}
	targets := set.Targets()
	if len(targets) == 0 {
		return 0, ErrNoTarget
	}

	bio := model.NewBioModel(setup)
	factor := 0.0
	for _, s := range targets {
		qi, err := dose.ForStructure(res.solvedDose, s, bio)
		if err != nil {
			return 0, err
		}
		if qi.D95 <= 0 {
			return 0, fmt.Errorf("%w: structure %q D95 %v", ErrZeroDoseTarget, s.Name, qi.D95)
		}
		perFraction := s.PrescriptionGy / float64(setup.FractionCount)
		if f := perFraction / qi.D95; f > factor {
			factor = f
		}
	}
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return 0, fmt.Errorf("%w: derived factor %v", ErrZeroDoseTarget, factor)
	}

	for _, b := range res.Aperture.Beams {
		for _, seg := range b.Segments {
			seg.Weight *= factor
		}
	}
	if res.Aperture.PrescriptionScale > 0 {
		res.Aperture.PrescriptionScale *= factor
	} else {
		res.Aperture.PrescriptionScale = factor
	}
	res.Vector = res.Aperture.Vector()
	res.CalibrationFactor *= factor

	fluence, err := res.Aperture.BixelWeights()
	if err != nil {
		return 0, err
	}
	doseVec, err := m.Apply(fluence)
	if err != nil {
		return 0, err
	}
	dist, err := dose.NewDistribution(doseVec, m.GridDims)
	if err != nil {
		return 0, err
	}
	indicators, err := dose.ForStructureSet(dist, set, bio)
	if err != nil {
		return 0, err
	}

	res.BixelWeights = fluence
	res.DirectApertureWeights = append([]float64(nil), fluence...)
	res.Dose = dist
	res.Indicators = indicators
	if setup.Rotational {
		lim := delivery.Limits{LeafSpeed: setup.LeafSpeedLimit, DoseRate: setup.DoseRateLimit}
		res.Delivery = delivery.Compute(res.Aperture, m.WeightToMU, lim)
	}
	return factor, nil
}
