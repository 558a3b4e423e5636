package model

// StructureKind classifies a clinical structure by its planning role.
type StructureKind int

const (
	StructureTarget StructureKind = iota
	StructureOrganAtRisk
	StructureExternal // body contour / normal tissue
)

// ObjectiveKind selects the penalty shape applied to a structure's dose.
type ObjectiveKind int

const (
	// ObjectiveSquaredDeviation penalizes any deviation from DoseGy.
	ObjectiveSquaredDeviation ObjectiveKind = iota
	// ObjectiveSquaredOverdose penalizes dose above DoseGy only.
	ObjectiveSquaredOverdose
	// ObjectiveSquaredUnderdose penalizes dose below DoseGy only.
	ObjectiveSquaredUnderdose
)

// DoseObjective is one planning objective attached to a structure.
// DoseGy is the reference dose level in Gy; Weight is the relative
// penalty weight across all objectives in the plan.
type DoseObjective struct {
	Kind   ObjectiveKind
	DoseGy float64
	Weight float64
}

// Structure is a named voxel set with its planning objectives.
type Structure struct {
	Name string
	Kind StructureKind

	// OverlapPriority resolves voxels claimed by several structures;
	// lower values win.
	OverlapPriority int

	// VoxelIndices are flat indices into the dose grid. They are treated
	// as immutable once the structure is built.
	VoxelIndices []int

	// PrescriptionGy is the total prescribed dose over all fractions.
	// Zero for non-target structures.
	PrescriptionGy float64

	Objectives []DoseObjective
}

// IsTarget reports whether the structure carries a prescription that the
// calibrator should honor.
func (s *Structure) IsTarget() bool {
	return s != nil && s.Kind == StructureTarget && s.PrescriptionGy > 0
}
