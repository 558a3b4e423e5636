package dose

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func denseTestMatrix(t *testing.T) *InfluenceMatrix {
	t.Helper()
	d := mat.NewDense(3, 2, []float64{
		1, 0,
		0.5, 2,
		0, 3,
	})
	m, err := NewInfluenceFromDense(d, [3]int{3, 1, 1}, 100)
	if err != nil {
		t.Fatalf("NewInfluenceFromDense failed: %v", err)
	}
	return m
}

func TestApplyMatchesDense(t *testing.T) {
	m := denseTestMatrix(t)

	got, err := m.Apply([]float64{2, 1})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want := []float64{2, 3, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dose[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestApplyTransposeIsAdjoint(t *testing.T) {
	m := denseTestMatrix(t)
	w := []float64{0.7, -1.3}
	v := []float64{2, 0.5, -4}

	mw, err := m.Apply(w)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	mtv, err := m.ApplyTranspose(v)
	if err != nil {
		t.Fatalf("ApplyTranspose failed: %v", err)
	}

	// <Mw, v> must equal <w, Mᵀv>.
	lhs := mw[0]*v[0] + mw[1]*v[1] + mw[2]*v[2]
	rhs := w[0]*mtv[0] + w[1]*mtv[1]
	if math.Abs(lhs-rhs) > 1e-12 {
		t.Errorf("adjoint identity violated: %v vs %v", lhs, rhs)
	}
}

func TestApplyDimensionChecks(t *testing.T) {
	m := denseTestMatrix(t)
	if _, err := m.Apply([]float64{1}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := m.ApplyTranspose([]float64{1, 2}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestTripletAssemblySumsDuplicates(t *testing.T) {
	entries := []Entry{
		{Voxel: 2, Bixel: 0, Value: 1},
		{Voxel: 0, Bixel: 1, Value: 2},
		{Voxel: 2, Bixel: 0, Value: 0.5},
		{Voxel: 0, Bixel: 0, Value: 3},
	}
	m, err := NewInfluenceFromTriplets(4, 2, [3]int{4, 1, 1}, entries, 50)
	if err != nil {
		t.Fatalf("NewInfluenceFromTriplets failed: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("assembled matrix invalid: %v", err)
	}
	if m.EntryCount() != 3 {
		t.Fatalf("expected 3 stored entries after merging, got %d", m.EntryCount())
	}

	dosevec, err := m.Apply([]float64{1, 1})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want := []float64{5, 0, 1.5, 0}
	for i := range want {
		if dosevec[i] != want[i] {
			t.Errorf("dose[%d] = %v, want %v", i, dosevec[i], want[i])
		}
	}
}

func TestTripletAssemblyRejectsOutOfRange(t *testing.T) {
	_, err := NewInfluenceFromTriplets(2, 2, [3]int{2, 1, 1}, []Entry{{Voxel: 2, Bixel: 0, Value: 1}}, 1)
	if !errors.Is(err, ErrBadShape) {
		t.Errorf("expected ErrBadShape, got %v", err)
	}
}

func TestRescaledSharesStorage(t *testing.T) {
	m := denseTestMatrix(t)
	scaled := m.Rescaled(2.5)

	if &scaled.Data[0] != &m.Data[0] {
		t.Error("rescaled view copied the data instead of sharing it")
	}
	if scaled.Scale != 2.5 || m.Scale != 1 {
		t.Errorf("scale: view %v original %v; want 2.5 and 1", scaled.Scale, m.Scale)
	}
	if scaled.WeightToMU != 250 {
		t.Errorf("WeightToMU = %v, want 250", scaled.WeightToMU)
	}

	w := []float64{1, 1}
	orig, _ := m.Apply(w)
	view, _ := scaled.Apply(w)
	for i := range orig {
		if math.Abs(view[i]-2.5*orig[i]) > 1e-12 {
			t.Errorf("view dose[%d] = %v, want %v", i, view[i], 2.5*orig[i])
		}
	}
}

func TestValidateCatchesBrokenRowPointers(t *testing.T) {
	m := denseTestMatrix(t)
	m.RowPtr[1] = 99
	if err := m.Validate(); !errors.Is(err, ErrBadShape) {
		t.Errorf("expected ErrBadShape, got %v", err)
	}
}
