package core

import "errors"

// Precondition failures surfaced before a solve enters its iteration loop,
// plus the calibration failures of the optional second pass.
var (
	ErrNilInfluence    = errors.New("influence matrix is nil")
	ErrNilStructureSet = errors.New("structure set is nil")
	ErrNilSequence     = errors.New("aperture sequence is nil")
	ErrNilOutcome      = errors.New("solver outcome is nil")
	ErrNilResult       = errors.New("result is nil")
	ErrBixelMismatch   = errors.New("influence matrix and sequence disagree on bixel count")
	ErrVoxelOutOfRange = errors.New("structure voxel index outside dose grid")
	ErrNoTarget        = errors.New("structure set has no target structure")
	ErrZeroDoseTarget  = errors.New("target structure receives no dose")
)
