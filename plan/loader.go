// Package plan loads optimization scenarios from JSON and fabricates the
// synthetic influence matrices the demos run on, so the optimizer can be
// exercised end to end without an external dose engine.
package plan

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/beamworks/aperture-optimizer/aperture"
	"github.com/beamworks/aperture-optimizer/model"
)

// Scenario is one loaded planning case: the clinical structures, the aperture
// parameterization to optimize, and the plan-level setup.
type Scenario struct {
	Name string

	// Grid is the dose grid (x, y, z); voxel indices are x-fastest.
	Grid [3]int

	Structures *model.StructureSet
	Sequence   *aperture.Sequence
	Setup      model.Setup

	// WeightToMU converts one unit of segment weight to monitor units on
	// the synthetic influence matrix.
	WeightToMU float64
}

// internal JSON shapes – keep them unexported so we’re free to evolve them.
type scenarioJSON struct {
	Name       string  `json:"name"`
	Grid       [3]int  `json:"grid"`
	BixelWidth float64 `json:"bixel_width_mm"`
	// BixelCount is optional; when omitted it is derived from the highest
	// bixel index the beams map.
	BixelCount int     `json:"bixel_count"`
	MaxWeight  float64 `json:"max_segment_weight"`
	WeightToMU float64 `json:"weight_to_mu"` // optional; defaults to 100

	Setup      setupJSON       `json:"setup"`
	Structures []structureJSON `json:"structures"`
	Beams      []beamJSON      `json:"beams"`
}

type setupJSON struct {
	Modality      string  `json:"modality"`  // "photons" | "protons"
	BioModel      string  `json:"bio_model"` // "none" | "const_rbe"
	FractionCount int     `json:"fraction_count"`
	ScenarioCount int     `json:"scenario_count"` // optional; defaults to 1
	Rotational    bool    `json:"rotational"`
	LeafSpeed     float64 `json:"leaf_speed_limit_mm_per_s"`
	DoseRate      float64 `json:"dose_rate_limit_mu_per_s"`
}

type structureJSON struct {
	Name            string          `json:"name"`
	Kind            string          `json:"kind"` // "target" | "oar" | "external"
	OverlapPriority int             `json:"overlap_priority"`
	PrescriptionGy  float64         `json:"prescription_gy"`
	Voxels          []int           `json:"voxels"`
	Box             *boxJSON        `json:"box"` // alternative to an explicit voxel list
	Objectives      []objectiveJSON `json:"objectives"`
}

// boxJSON is an axis-aligned voxel box, inclusive on both corners.
type boxJSON struct {
	Min [3]int `json:"min"`
	Max [3]int `json:"max"`
}

type objectiveJSON struct {
	Kind   string  `json:"kind"` // "squared_deviation" | "squared_overdose" | "squared_underdose"
	DoseGy float64 `json:"dose_gy"`
	Weight float64 `json:"weight"`
}

type beamJSON struct {
	GantryDeg      float64       `json:"gantry_deg"`
	ColumnOriginMM float64       `json:"column_origin_mm"`
	TravelMinMM    float64       `json:"travel_min_mm"`
	TravelMaxMM    float64       `json:"travel_max_mm"`
	Bixels         [][]int       `json:"bixels"` // [track][column], -1 for gaps
	Segments       []segmentJSON `json:"segments"`
}

type segmentJSON struct {
	Weight  float64      `json:"weight"`
	TimeSec float64      `json:"time_sec"`
	Leaves  [][2]float64 `json:"leaves"` // [track][left, right] in mm
}

// LoadScenario reads a JSON scenario from r and assembles the structure set,
// aperture sequence, and setup it describes. It fails on JSON and structural
// errors (malformed geometry, boxes outside the grid); plan-level
// preconditions such as the fraction count are left to problem assembly,
// which validates them anyway.
func LoadScenario(r io.Reader) (*Scenario, error) {
	var payload scenarioJSON
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}

	scn := &Scenario{
		Name:       payload.Name,
		Grid:       payload.Grid,
		WeightToMU: payload.WeightToMU,
		Setup: model.Setup{
			Modality:       modalityFromString(payload.Setup.Modality),
			BioModel:       bioModelFromString(payload.Setup.BioModel),
			FractionCount:  payload.Setup.FractionCount,
			ScenarioCount:  payload.Setup.ScenarioCount,
			Rotational:     payload.Setup.Rotational,
			LeafSpeedLimit: payload.Setup.LeafSpeed,
			DoseRateLimit:  payload.Setup.DoseRate,
		},
	}
	if scn.WeightToMU <= 0 {
		scn.WeightToMU = 100
	}
	if scn.Setup.ScenarioCount <= 0 {
		scn.Setup.ScenarioCount = 1
	}

	structures := make([]*model.Structure, 0, len(payload.Structures))
	for _, js := range payload.Structures {
		if js.Name == "" {
			return nil, fmt.Errorf("LoadScenario: structure with empty name")
		}
		voxels := js.Voxels
		if js.Box != nil {
			if len(voxels) > 0 {
				return nil, fmt.Errorf("LoadScenario: structure %q has both voxels and box", js.Name)
			}
			var err error
			voxels, err = boxVoxels(*js.Box, payload.Grid)
			if err != nil {
				return nil, fmt.Errorf("LoadScenario: structure %q: %w", js.Name, err)
			}
		}
		s := &model.Structure{
			Name:            js.Name,
			Kind:            structureKindFromString(js.Kind),
			OverlapPriority: js.OverlapPriority,
			VoxelIndices:    voxels,
			PrescriptionGy:  js.PrescriptionGy,
			Objectives:      make([]model.DoseObjective, 0, len(js.Objectives)),
		}
		for _, jo := range js.Objectives {
			s.Objectives = append(s.Objectives, model.DoseObjective{
				Kind:   objectiveKindFromString(jo.Kind),
				DoseGy: jo.DoseGy,
				Weight: jo.Weight,
			})
		}
		structures = append(structures, s)
	}
	scn.Structures = model.NewStructureSet(structures...)

	seq := &aperture.Sequence{
		BixelWidth:       payload.BixelWidth,
		BixelCount:       payload.BixelCount,
		MaxSegmentWeight: payload.MaxWeight,
	}
	for _, jb := range payload.Beams {
		beam := &aperture.Beam{
			GantryDeg:      jb.GantryDeg,
			ColumnOriginMM: jb.ColumnOriginMM,
			TravelMinMM:    jb.TravelMinMM,
			TravelMaxMM:    jb.TravelMaxMM,
			Bixels:         jb.Bixels,
		}
		for _, jseg := range jb.Segments {
			seg := &aperture.Segment{
				Weight:  jseg.Weight,
				TimeSec: jseg.TimeSec,
				Leaves:  make([]aperture.LeafPair, len(jseg.Leaves)),
			}
			for t, lp := range jseg.Leaves {
				seg.Leaves[t] = aperture.LeafPair{Left: lp[0], Right: lp[1]}
			}
			beam.Segments = append(beam.Segments, seg)
		}
		seq.Beams = append(seq.Beams, beam)
	}
	if seq.BixelCount <= 0 {
		seq.BixelCount = derivedBixelCount(seq)
	}
	if err := seq.Validate(); err != nil {
		return nil, fmt.Errorf("LoadScenario: %w", err)
	}
	scn.Sequence = seq

	return scn, nil
}

// boxVoxels expands an inclusive voxel box into flat x-fastest indices.
func boxVoxels(b boxJSON, grid [3]int) ([]int, error) {
	for a := 0; a < 3; a++ {
		if b.Min[a] < 0 || b.Max[a] >= grid[a] || b.Min[a] > b.Max[a] {
			return nil, fmt.Errorf("box %v..%v outside grid %v", b.Min, b.Max, grid)
		}
	}
	var out []int
	for z := b.Min[2]; z <= b.Max[2]; z++ {
		for y := b.Min[1]; y <= b.Max[1]; y++ {
			for x := b.Min[0]; x <= b.Max[0]; x++ {
				out = append(out, x+grid[0]*(y+grid[1]*z))
			}
		}
	}
	return out, nil
}

// derivedBixelCount returns one past the highest bixel index the beams map.
func derivedBixelCount(seq *aperture.Sequence) int {
	max := -1
	for _, b := range seq.Beams {
		for _, row := range b.Bixels {
			for _, idx := range row {
				if idx > max {
					max = idx
				}
			}
		}
	}
	return max + 1
}

// structureKindFromString maps the JSON "kind" string to a StructureKind.
// Unknown values default to organ-at-risk rather than failing, so scenario
// files can carry site-specific labels.
func structureKindFromString(s string) model.StructureKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "target", "ptv", "gtv", "ctv":
		return model.StructureTarget
	case "external", "body", "normal":
		return model.StructureExternal
	default:
		return model.StructureOrganAtRisk
	}
}

func objectiveKindFromString(s string) model.ObjectiveKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "squared_overdose", "overdose", "max":
		return model.ObjectiveSquaredOverdose
	case "squared_underdose", "underdose", "min":
		return model.ObjectiveSquaredUnderdose
	default:
		return model.ObjectiveSquaredDeviation
	}
}

func modalityFromString(s string) model.Modality {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "protons", "proton":
		return model.ModalityProtons
	default:
		return model.ModalityPhotons
	}
}

func bioModelFromString(s string) model.BioModelKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "const_rbe", "constant_rbe", "rbe":
		return model.BioModelConstantRBE
	default:
		return model.BioModelNone
	}
}
