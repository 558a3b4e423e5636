package plan

import (
	"math"
	"strings"
	"testing"

	"github.com/beamworks/aperture-optimizer/model"
)

const demoScenario = `{
  "name": "demo",
  "grid": [3, 2, 2],
  "bixel_width_mm": 10,
  "max_segment_weight": 50,
  "setup": {
    "modality": "protons",
    "bio_model": "const_rbe",
    "fraction_count": 25,
    "rotational": true,
    "leaf_speed_limit_mm_per_s": 25,
    "dose_rate_limit_mu_per_s": 400
  },
  "structures": [
    {
      "name": "PTV",
      "kind": "target",
      "prescription_gy": 50,
      "box": {"min": [0, 0, 0], "max": [1, 0, 0]},
      "objectives": [
        {"kind": "squared_deviation", "dose_gy": 50, "weight": 100}
      ]
    },
    {
      "name": "Cord",
      "kind": "oar",
      "overlap_priority": 1,
      "voxels": [9, 10],
      "objectives": [
        {"kind": "overdose", "dose_gy": 20, "weight": 10}
      ]
    }
  ],
  "beams": [
    {
      "gantry_deg": 180,
      "column_origin_mm": 0,
      "travel_min_mm": 0,
      "travel_max_mm": 30,
      "bixels": [[0, 1, 2]],
      "segments": [
        {"weight": 1, "leaves": [[0, 30]]},
        {"weight": 0.5, "time_sec": 2, "leaves": [[5, 25]]}
      ]
    }
  ]
}`

func TestLoadScenario(t *testing.T) {
	scn, err := LoadScenario(strings.NewReader(demoScenario))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}

	if scn.Name != "demo" || scn.Grid != [3]int{3, 2, 2} {
		t.Errorf("name/grid = %q/%v", scn.Name, scn.Grid)
	}
	if scn.WeightToMU != 100 {
		t.Errorf("weight to MU = %v, want default 100", scn.WeightToMU)
	}

	s := scn.Setup
	if s.Modality != model.ModalityProtons || s.BioModel != model.BioModelConstantRBE {
		t.Errorf("modality/bio = %v/%v", s.Modality, s.BioModel)
	}
	if s.FractionCount != 25 || s.ScenarioCount != 1 {
		t.Errorf("fractions/scenarios = %d/%d", s.FractionCount, s.ScenarioCount)
	}
	if !s.Rotational || s.LeafSpeedLimit != 25 || s.DoseRateLimit != 400 {
		t.Errorf("delivery limits = %+v", s)
	}

	if len(scn.Structures.Structures) != 2 {
		t.Fatalf("structures = %d, want 2", len(scn.Structures.Structures))
	}
	ptv := scn.Structures.ByName("PTV")
	if ptv == nil || ptv.Kind != model.StructureTarget || ptv.PrescriptionGy != 50 {
		t.Fatalf("PTV = %+v", ptv)
	}
	if len(ptv.VoxelIndices) != 2 || ptv.VoxelIndices[0] != 0 || ptv.VoxelIndices[1] != 1 {
		t.Errorf("PTV box expanded to %v, want [0 1]", ptv.VoxelIndices)
	}
	if len(ptv.Objectives) != 1 || ptv.Objectives[0].Kind != model.ObjectiveSquaredDeviation {
		t.Errorf("PTV objectives = %+v", ptv.Objectives)
	}
	cord := scn.Structures.ByName("Cord")
	if cord == nil || cord.Kind != model.StructureOrganAtRisk || cord.OverlapPriority != 1 {
		t.Fatalf("Cord = %+v", cord)
	}
	if len(cord.Objectives) != 1 || cord.Objectives[0].Kind != model.ObjectiveSquaredOverdose {
		t.Errorf("Cord objectives = %+v", cord.Objectives)
	}
	if got := scn.Structures.Targets(); len(got) != 1 || got[0].Name != "PTV" {
		t.Errorf("targets = %v", got)
	}

	seq := scn.Sequence
	if seq.BixelWidth != 10 || seq.MaxSegmentWeight != 50 {
		t.Errorf("bixel width/weight cap = %v/%v", seq.BixelWidth, seq.MaxSegmentWeight)
	}
	if seq.BixelCount != 3 {
		t.Errorf("derived bixel count = %d, want 3", seq.BixelCount)
	}
	if len(seq.Beams) != 1 {
		t.Fatalf("beams = %d", len(seq.Beams))
	}
	beam := seq.Beams[0]
	if beam.GantryDeg != 180 || beam.TravelMinMM != 0 || beam.TravelMaxMM != 30 {
		t.Errorf("beam geometry = %+v", beam)
	}
	if len(beam.Segments) != 2 {
		t.Fatalf("segments = %d", len(beam.Segments))
	}
	if beam.Segments[0].Weight != 1 || beam.Segments[0].TimeSec != 0 {
		t.Errorf("segment 0 = %+v", beam.Segments[0])
	}
	if beam.Segments[1].Weight != 0.5 || beam.Segments[1].TimeSec != 2 {
		t.Errorf("segment 1 = %+v", beam.Segments[1])
	}
	if lp := beam.Segments[1].Leaves[0]; lp.Left != 5 || lp.Right != 25 {
		t.Errorf("segment 1 leaves = %+v", lp)
	}
	if seq.VectorSize() != 6 {
		t.Errorf("vector size = %d, want 6", seq.VectorSize())
	}
	if seq.PrescriptionScale != 0 {
		t.Errorf("prescription scale = %v, want unset", seq.PrescriptionScale)
	}
}

func TestLoadScenarioErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"malformed json", `{"name": `},
		{"empty structure name", `{
			"grid": [2, 2, 1], "bixel_width_mm": 10,
			"structures": [{"kind": "target"}],
			"beams": [{"travel_max_mm": 10, "bixels": [[0]], "segments": [{"weight": 1, "leaves": [[0, 10]]}]}]
		}`},
		{"voxels and box together", `{
			"grid": [2, 2, 1], "bixel_width_mm": 10,
			"structures": [{"name": "S", "voxels": [0], "box": {"min": [0,0,0], "max": [0,0,0]}}],
			"beams": [{"travel_max_mm": 10, "bixels": [[0]], "segments": [{"weight": 1, "leaves": [[0, 10]]}]}]
		}`},
		{"box outside grid", `{
			"grid": [2, 2, 1], "bixel_width_mm": 10,
			"structures": [{"name": "S", "box": {"min": [0,0,0], "max": [2,0,0]}}],
			"beams": [{"travel_max_mm": 10, "bixels": [[0]], "segments": [{"weight": 1, "leaves": [[0, 10]]}]}]
		}`},
		{"leaf pair per track mismatch", `{
			"grid": [2, 2, 1], "bixel_width_mm": 10,
			"beams": [{"travel_max_mm": 10, "bixels": [[0], [1]], "segments": [{"weight": 1, "leaves": [[0, 10]]}]}]
		}`},
		{"no beams", `{"grid": [2, 2, 1], "bixel_width_mm": 10}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadScenario(strings.NewReader(tc.doc)); err == nil {
				t.Error("malformed scenario accepted")
			}
		})
	}
}

func TestEnumMappingsAreTolerant(t *testing.T) {
	if structureKindFromString(" PTV ") != model.StructureTarget {
		t.Error("ptv not mapped to target")
	}
	if structureKindFromString("body") != model.StructureExternal {
		t.Error("body not mapped to external")
	}
	if structureKindFromString("lung-L") != model.StructureOrganAtRisk {
		t.Error("unknown kind not defaulted to organ at risk")
	}
	if objectiveKindFromString("MAX") != model.ObjectiveSquaredOverdose {
		t.Error("max not mapped to overdose")
	}
	if objectiveKindFromString("min") != model.ObjectiveSquaredUnderdose {
		t.Error("min not mapped to underdose")
	}
	if objectiveKindFromString("") != model.ObjectiveSquaredDeviation {
		t.Error("empty objective kind not defaulted to deviation")
	}
	if modalityFromString("Proton") != model.ModalityProtons {
		t.Error("proton not mapped")
	}
	if modalityFromString("") != model.ModalityPhotons {
		t.Error("empty modality not defaulted to photons")
	}
	if bioModelFromString("RBE") != model.BioModelConstantRBE {
		t.Error("rbe not mapped")
	}
	if bioModelFromString("none") != model.BioModelNone {
		t.Error("none not mapped")
	}
}

func TestSyntheticInfluence(t *testing.T) {
	scn, err := LoadScenario(strings.NewReader(demoScenario))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}

	m, err := SyntheticInfluence(scn)
	if err != nil {
		t.Fatalf("SyntheticInfluence: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("matrix invalid: %v", err)
	}
	if m.VoxelCount != 12 || m.BixelCount != 3 {
		t.Fatalf("shape = %dx%d, want 12x3", m.VoxelCount, m.BixelCount)
	}
	if m.WeightToMU != 100 {
		t.Errorf("weight to MU = %v, want 100", m.WeightToMU)
	}
	if m.GridDims != scn.Grid {
		t.Errorf("grid dims = %v, want %v", m.GridDims, scn.Grid)
	}

	// One unit on bixel 0 deposits a pencil down column (0, 0): full dose at
	// the surface, attenuated below, spilling laterally.
	dvec, err := m.Apply([]float64{1, 0, 0})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	surface, deep := dvec[0], dvec[6] // voxel (0,0,0) and (0,0,1)
	if surface != 1 {
		t.Errorf("surface dose = %v, want 1", surface)
	}
	if math.Abs(deep-math.Exp(-attenuationPerVoxel)) > 1e-15 {
		t.Errorf("depth dose = %v, want exp(-%v)", deep, attenuationPerVoxel)
	}
	if deep >= surface || deep <= 0 {
		t.Errorf("depth dose %v not attenuated from %v", deep, surface)
	}
	if lateral := dvec[1]; lateral != lateralSpill {
		t.Errorf("lateral dose = %v, want %v", lateral, lateralSpill)
	}
	// Voxel (2, 0, 0) is two columns away and receives nothing from bixel 0.
	if dvec[2] != 0 {
		t.Errorf("distant voxel dose = %v, want 0", dvec[2])
	}

	// Every bixel influences at least one voxel.
	for b := 0; b < m.BixelCount; b++ {
		w := make([]float64, m.BixelCount)
		w[b] = 1
		dv, err := m.Apply(w)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		total := 0.0
		for _, v := range dv {
			total += v
		}
		if total <= 0 {
			t.Errorf("bixel %d deposits no dose", b)
		}
	}
}
