package core

import (
	"errors"
	"math"
	"testing"

	"github.com/beamworks/aperture-optimizer/aperture"
	"github.com/beamworks/aperture-optimizer/model"
)

// normalizedStructures returns an already per-fraction structure set: a
// two-voxel target at 2 Gy and a one-voxel organ at risk capped at 1.2 Gy.
func normalizedStructures() *model.StructureSet {
	return model.NewStructureSet(
		&model.Structure{
			Name:           "PTV",
			Kind:           model.StructureTarget,
			VoxelIndices:   []int{0, 1},
			PrescriptionGy: 2,
			Objectives: []model.DoseObjective{
				{Kind: model.ObjectiveSquaredDeviation, DoseGy: 2, Weight: 1},
			},
		},
		&model.Structure{
			Name:         "Cord",
			Kind:         model.StructureOrganAtRisk,
			VoxelIndices: []int{1},
			Objectives: []model.DoseObjective{
				{Kind: model.ObjectiveSquaredOverdose, DoseGy: 1.2, Weight: 2},
			},
		},
	)
}

// partialSequence opens leaves (3, 17), exposing 70% of each 10 mm column.
func partialSequence(weight float64) *aperture.Sequence {
	seq := testSequence(weight)
	seq.Beams[0].Segments[0].Leaves[0] = aperture.LeafPair{Left: 3, Right: 17}
	return seq
}

func centralDiff(f func([]float64) float64, x []float64, i int) float64 {
	const h = 1e-6
	xp := append([]float64(nil), x...)
	xm := append([]float64(nil), x...)
	xp[i] += h
	xm[i] -= h
	return (f(xp) - f(xm)) / (2 * h)
}

func TestEvaluatorObjectiveMatchesHandComputation(t *testing.T) {
	ev := newPlanEvaluator(testMatrix(t), normalizedStructures(), partialSequence(1.5), testSetup())

	// Dose is 1.5 * 0.7 = 1.05 per voxel: the target deviates by -0.95, the
	// cord stays under its 1.2 Gy cap.
	got, err := ev.Objective(partialSequence(1.5).Vector())
	if err != nil {
		t.Fatalf("objective: %v", err)
	}
	if math.Abs(got-0.9025) > 1e-12 {
		t.Errorf("objective = %v, want 0.9025", got)
	}

	// At weight 2.5 the dose is 1.75: target misses by -0.25, cord exceeds
	// its cap by 0.55 with weight 2.
	got, err = ev.Objective(partialSequence(2.5).Vector())
	if err != nil {
		t.Fatalf("objective: %v", err)
	}
	want := 0.0625 + 2*0.55*0.55
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("objective = %v, want %v", got, want)
	}
}

func TestEvaluatorGradientMatchesFiniteDifferences(t *testing.T) {
	ev := newPlanEvaluator(testMatrix(t), normalizedStructures(), partialSequence(2.5), testSetup())
	x := partialSequence(2.5).Vector()

	grad := make([]float64, len(x))
	if err := ev.Gradient(x, grad); err != nil {
		t.Fatalf("gradient: %v", err)
	}

	f := func(v []float64) float64 {
		val, err := ev.Objective(v)
		if err != nil {
			t.Fatalf("objective: %v", err)
		}
		return val
	}
	for i := range x {
		fd := centralDiff(f, x, i)
		if math.Abs(grad[i]-fd) > 1e-5 {
			t.Errorf("grad[%d] = %v, finite difference %v", i, grad[i], fd)
		}
	}
}

func TestEvaluatorConstraintValues(t *testing.T) {
	setup := testSetup()
	setup.Rotational = true
	setup.LeafSpeedLimit = 5
	setup.DoseRateLimit = 10

	seq := rotationalSequence()
	ev := newPlanEvaluator(testMatrix(t), normalizedStructures(), seq, setup)
	x := seq.Vector()

	out := make([]float64, ev.plan.rows())
	if err := ev.Constraints(x, out); err != nil {
		t.Fatalf("constraints: %v", err)
	}

	// Speed rows: (2-0)^2 + (18-20)^2 = 8 and (5-2)^2 + (15-18)^2 = 18.
	// Rate rows: destination weights 0.5 and 0.8 at 100 MU per weight unit.
	want := []float64{8, 18, 50, 80}
	for i, w := range want {
		if math.Abs(out[i]-w) > 1e-12 {
			t.Errorf("row %d = %v, want %v", i, out[i], w)
		}
	}
}

func TestEvaluatorJacobianMatchesPatternAndFiniteDifferences(t *testing.T) {
	setup := testSetup()
	setup.Rotational = true
	setup.LeafSpeedLimit = 5
	setup.DoseRateLimit = 10

	seq := rotationalSequence()
	ev := newPlanEvaluator(testMatrix(t), normalizedStructures(), seq, setup)
	x := seq.Vector()

	rows, cols := ev.JacobianStructure()
	wantRows := []int{0, 0, 0, 0, 1, 1, 1, 1, 2, 3}
	wantCols := []int{3, 4, 5, 6, 5, 6, 7, 8, 1, 2}
	if len(rows) != len(wantRows) || len(cols) != len(wantCols) {
		t.Fatalf("pattern size = %d/%d, want %d", len(rows), len(cols), len(wantRows))
	}
	for k := range wantRows {
		if rows[k] != wantRows[k] || cols[k] != wantCols[k] {
			t.Errorf("pattern[%d] = (%d,%d), want (%d,%d)", k, rows[k], cols[k], wantRows[k], wantCols[k])
		}
	}

	r2, c2 := ev.JacobianStructure()
	for k := range rows {
		if r2[k] != rows[k] || c2[k] != cols[k] {
			t.Fatal("sparsity pattern changed between calls")
		}
	}

	vals := make([]float64, len(rows))
	if err := ev.Jacobian(x, vals); err != nil {
		t.Fatalf("jacobian: %v", err)
	}
	gRow := func(row int) func([]float64) float64 {
		return func(v []float64) float64 {
			out := make([]float64, ev.plan.rows())
			if err := ev.Constraints(v, out); err != nil {
				t.Fatalf("constraints: %v", err)
			}
			return out[row]
		}
	}
	for k := range rows {
		fd := centralDiff(gRow(rows[k]), x, cols[k])
		if math.Abs(vals[k]-fd) > 1e-5 {
			t.Errorf("jacobian[%d] (row %d, col %d) = %v, finite difference %v", k, rows[k], cols[k], vals[k], fd)
		}
	}
}

func TestEvaluatorRecomputesOnChangedVector(t *testing.T) {
	ev := newPlanEvaluator(testMatrix(t), normalizedStructures(), partialSequence(1.5), testSetup())

	x := partialSequence(1.5).Vector()
	f1, err := ev.Objective(x)
	if err != nil {
		t.Fatalf("objective: %v", err)
	}

	// Mutating the caller's slice in place must not serve a stale cache.
	x[0] = 2.5
	f2, err := ev.Objective(x)
	if err != nil {
		t.Fatalf("objective: %v", err)
	}
	if f1 == f2 {
		t.Fatal("objective unchanged after the vector changed")
	}

	fresh := newPlanEvaluator(testMatrix(t), normalizedStructures(), partialSequence(2.5), testSetup())
	f3, err := fresh.Objective(partialSequence(2.5).Vector())
	if err != nil {
		t.Fatalf("objective: %v", err)
	}
	if math.Abs(f2-f3) > 1e-15 {
		t.Errorf("cached-path objective %v differs from fresh evaluator %v", f2, f3)
	}
}

func TestEvaluatorRejectsWrongVectorLength(t *testing.T) {
	ev := newPlanEvaluator(testMatrix(t), normalizedStructures(), partialSequence(1.5), testSetup())
	if _, err := ev.Objective([]float64{1, 2}); !errors.Is(err, aperture.ErrVectorLength) {
		t.Errorf("short vector: got %v", err)
	}
}
