package main

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/beamworks/aperture-optimizer/core"
	"github.com/beamworks/aperture-optimizer/plan"
	"github.com/beamworks/aperture-optimizer/solver"
)

// TestIntegration_DemoScenario runs the shipped demo case end to end: load
// the scenario file, fabricate its influence matrix, and optimize with
// rescaling and calibration enabled.
func TestIntegration_DemoScenario(t *testing.T) {
	f, err := os.Open("../../configs/scenario.json")
	if err != nil {
		t.Fatalf("open scenario: %v", err)
	}
	defer f.Close()

	scn, err := plan.LoadScenario(f)
	if err != nil {
		t.Fatalf("LoadScenario error: %v", err)
	}
	matrix, err := plan.SyntheticInfluence(scn)
	if err != nil {
		t.Fatalf("SyntheticInfluence error: %v", err)
	}
	if matrix.VoxelCount != 6*6*4 || matrix.BixelCount != 12 {
		t.Fatalf("matrix shape %dx%d, want 144x12", matrix.VoxelCount, matrix.BixelCount)
	}

	settings := solver.DefaultSettings()
	settings.MaxIterations = 200

	opt := core.NewOptimizer(nil, core.WithSettings(settings))
	res, err := opt.Optimize(context.Background(), core.Inputs{
		Matrix:     matrix,
		Structures: scn.Structures,
		Sequence:   scn.Sequence,
		Setup:      scn.Setup,
		Rescale:    true,
		Calibrate:  true,
	})
	if err != nil {
		t.Fatalf("Optimize error: %v", err)
	}

	if res.Status != solver.StatusConverged && res.Status != solver.StatusMaxIterations {
		t.Fatalf("status = %v, want converged or max_iterations", res.Status)
	}
	if res.Iterations < 1 || len(res.Trace) != res.Iterations {
		t.Fatalf("iterations %d with trace length %d", res.Iterations, len(res.Trace))
	}
	if math.IsNaN(res.Objective) || math.IsInf(res.Objective, 0) {
		t.Fatalf("objective %v not finite", res.Objective)
	}
	if got, want := len(res.Vector), scn.Sequence.VectorSize(); got != want {
		t.Fatalf("vector length %d, want %d", got, want)
	}

	if !res.Rescaling.Applied {
		t.Fatal("expected conditioning rescale to apply")
	}
	if math.Abs(res.Rescaling.Factor-0.15) > 1e-12 {
		t.Fatalf("rescale factor %v, want 0.15", res.Rescaling.Factor)
	}

	if res.Dose == nil || res.Dose.Dims != scn.Grid {
		t.Fatalf("dose missing or wrong grid: %+v", res.Dose)
	}
	if len(res.Indicators) != 3 {
		t.Fatalf("got %d indicator rows, want 3", len(res.Indicators))
	}

	// Calibration lands the target's D95 on the per-fraction prescription.
	perFraction := 60.0 / 30.0
	ptv := res.Indicators[0]
	if ptv.Name != "PTV" {
		t.Fatalf("first indicator is %q, want PTV", ptv.Name)
	}
	if math.Abs(ptv.D95-perFraction) > 1e-9 {
		t.Fatalf("calibrated PTV D95 = %v, want %v", ptv.D95, perFraction)
	}
	if res.CalibrationFactor <= 0 {
		t.Fatalf("calibration factor %v", res.CalibrationFactor)
	}
	if res.Aperture.PrescriptionScale != res.CalibrationFactor {
		t.Fatalf("prescription scale %v != calibration factor %v",
			res.Aperture.PrescriptionScale, res.CalibrationFactor)
	}

	// Rotational plan with both limits set: delivery metrics and all three
	// transitions must be present.
	if res.Delivery == nil {
		t.Fatal("expected delivery metrics for a rotational plan")
	}
	if len(res.Delivery.Transitions) != 3 {
		t.Fatalf("got %d transitions, want 3", len(res.Delivery.Transitions))
	}
	if res.Delivery.PeakLeafSpeed < 0 {
		t.Fatalf("peak leaf speed %v", res.Delivery.PeakLeafSpeed)
	}
}
