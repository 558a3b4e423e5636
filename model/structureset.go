package model

import (
	"errors"
	"fmt"
)

var ErrZeroFractionCount = errors.New("fraction count must be positive")

// StructureSet is an ordered collection of structures sharing one dose grid.
// Order matters: it is the tie-break order for overlap resolution and the
// order quality indicators are reported in.
type StructureSet struct {
	Structures []*Structure
}

// NewStructureSet wraps the provided structures without copying them.
func NewStructureSet(structures ...*Structure) *StructureSet {
	return &StructureSet{Structures: structures}
}

// ByName returns the first structure with the given name, or nil.
func (ss *StructureSet) ByName(name string) *Structure {
	if ss == nil {
		return nil
	}
	for _, s := range ss.Structures {
		if s != nil && s.Name == name {
			return s
		}
	}
	return nil
}

// Targets returns the structures the prescription calibrator operates on.
func (ss *StructureSet) Targets() []*Structure {
	if ss == nil {
		return nil
	}
	var out []*Structure
	for _, s := range ss.Structures {
		if s.IsTarget() {
			out = append(out, s)
		}
	}
	return out
}

// NormalizedForFractions returns a working copy of the set with every dose
// criterion divided by the fraction count, so the optimizer works on
// single-fraction dose. The receiver is never modified; voxel index slices
// are shared because they are immutable.
func (ss *StructureSet) NormalizedForFractions(fractions int) (*StructureSet, error) {
	if ss == nil {
		return nil, fmt.Errorf("nil structure set")
	}
	if fractions <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrZeroFractionCount, fractions)
	}

	out := &StructureSet{Structures: make([]*Structure, 0, len(ss.Structures))}
	for _, s := range ss.Structures {
		if s == nil {
			continue
		}
		cp := *s
		cp.PrescriptionGy = s.PrescriptionGy / float64(fractions)
		cp.Objectives = make([]DoseObjective, len(s.Objectives))
		for i, obj := range s.Objectives {
			obj.DoseGy = obj.DoseGy / float64(fractions)
			cp.Objectives[i] = obj
		}
		out.Structures = append(out.Structures, &cp)
	}
	return out, nil
}
