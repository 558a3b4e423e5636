package model

import (
	"errors"
	"testing"
)

func testSet() *StructureSet {
	return NewStructureSet(
		&Structure{
			Name:           "PTV",
			Kind:           StructureTarget,
			VoxelIndices:   []int{0, 1, 2},
			PrescriptionGy: 60,
			Objectives: []DoseObjective{
				{Kind: ObjectiveSquaredDeviation, DoseGy: 60, Weight: 100},
			},
		},
		&Structure{
			Name:         "Cord",
			Kind:         StructureOrganAtRisk,
			VoxelIndices: []int{3, 4},
			Objectives: []DoseObjective{
				{Kind: ObjectiveSquaredOverdose, DoseGy: 30, Weight: 50},
			},
		},
	)
}

func TestNormalizedForFractionsDividesCriteria(t *testing.T) {
	set := testSet()

	norm, err := set.NormalizedForFractions(30)
	if err != nil {
		t.Fatalf("NormalizedForFractions failed: %v", err)
	}

	if got := norm.Structures[0].PrescriptionGy; got != 2 {
		t.Errorf("expected per-fraction prescription 2 Gy, got %v", got)
	}
	if got := norm.Structures[0].Objectives[0].DoseGy; got != 2 {
		t.Errorf("expected per-fraction objective dose 2 Gy, got %v", got)
	}
	if got := norm.Structures[1].Objectives[0].DoseGy; got != 1 {
		t.Errorf("expected per-fraction OAR dose 1 Gy, got %v", got)
	}

	// Weights are relative penalties, not doses; they must not change.
	if got := norm.Structures[0].Objectives[0].Weight; got != 100 {
		t.Errorf("objective weight changed during normalization: %v", got)
	}
}

func TestNormalizedForFractionsLeavesOriginalUntouched(t *testing.T) {
	set := testSet()

	norm, err := set.NormalizedForFractions(10)
	if err != nil {
		t.Fatalf("NormalizedForFractions failed: %v", err)
	}

	norm.Structures[0].Objectives[0].DoseGy = -1
	norm.Structures[0].PrescriptionGy = -1

	if got := set.Structures[0].Objectives[0].DoseGy; got != 60 {
		t.Errorf("original objective mutated: got %v, want 60", got)
	}
	if got := set.Structures[0].PrescriptionGy; got != 60 {
		t.Errorf("original prescription mutated: got %v, want 60", got)
	}
}

func TestNormalizedForFractionsRejectsZeroFractions(t *testing.T) {
	set := testSet()

	if _, err := set.NormalizedForFractions(0); !errors.Is(err, ErrZeroFractionCount) {
		t.Errorf("expected ErrZeroFractionCount, got %v", err)
	}
	if _, err := set.NormalizedForFractions(-3); !errors.Is(err, ErrZeroFractionCount) {
		t.Errorf("expected ErrZeroFractionCount for negative count, got %v", err)
	}
}

func TestTargetsFiltersByKindAndPrescription(t *testing.T) {
	set := testSet()
	set.Structures = append(set.Structures, &Structure{
		Name: "Boost",
		Kind: StructureTarget, // no prescription: not calibratable
	})

	targets := set.Targets()
	if len(targets) != 1 {
		t.Fatalf("expected exactly one calibratable target, got %d", len(targets))
	}
	if targets[0].Name != "PTV" {
		t.Errorf("expected PTV, got %q", targets[0].Name)
	}
}

func TestByName(t *testing.T) {
	set := testSet()
	if s := set.ByName("Cord"); s == nil || s.Kind != StructureOrganAtRisk {
		t.Errorf("ByName(Cord) returned %+v", s)
	}
	if s := set.ByName("nope"); s != nil {
		t.Errorf("ByName(nope) should be nil, got %+v", s)
	}
}
