package dose

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/beamworks/aperture-optimizer/model"
)

// QualityIndicators summarizes the dose a single structure receives.
// All values are biologically effective dose in Gy per fraction.
type QualityIndicators struct {
	Name  string
	D95   float64
	Dmean float64
	Dmax  float64
}

// DoseAtVolume returns the dose received by at least the given fraction of
// the voxels (D95 is DoseAtVolume(doses, 0.95)). The input slice is not
// modified.
func DoseAtVolume(doses []float64, volumeFraction float64) float64 {
	if len(doses) == 0 {
		return 0
	}
	if volumeFraction < 0 {
		volumeFraction = 0
	}
	if volumeFraction > 1 {
		volumeFraction = 1
	}
	sorted := make([]float64, len(doses))
	copy(sorted, doses)
	sort.Float64s(sorted)
	// The dose covering a volume fraction v is the (1-v) quantile of the
	// voxel doses.
	return stat.Quantile(1-volumeFraction, stat.Empirical, sorted, nil)
}

// ForStructure computes the quality indicators of one structure against a
// realized distribution, applying the biological model to each voxel dose.
func ForStructure(d *Distribution, s *model.Structure, bio model.BioModel) (QualityIndicators, error) {
	if d == nil || s == nil {
		return QualityIndicators{}, fmt.Errorf("%w: nil distribution or structure", ErrBadShape)
	}
	if bio == nil {
		bio = model.PhysicalDoseModel{}
	}

	doses, err := d.Gather(s.VoxelIndices)
	if err != nil {
		return QualityIndicators{}, fmt.Errorf("structure %q: %w", s.Name, err)
	}
	for i, v := range doses {
		doses[i] = bio.EffectiveDose(v)
	}

	qi := QualityIndicators{Name: s.Name}
	if len(doses) == 0 {
		return qi, nil
	}
	qi.D95 = DoseAtVolume(doses, 0.95)
	qi.Dmean = stat.Mean(doses, nil)
	qi.Dmax = floats.Max(doses)
	return qi, nil
}

// ForStructureSet computes indicators for every structure in order.
func ForStructureSet(d *Distribution, set *model.StructureSet, bio model.BioModel) ([]QualityIndicators, error) {
	if set == nil {
		return nil, nil
	}
	out := make([]QualityIndicators, 0, len(set.Structures))
	for _, s := range set.Structures {
		qi, err := ForStructure(d, s, bio)
		if err != nil {
			return nil, err
		}
		out = append(out, qi)
	}
	return out, nil
}
