package model

// Modality identifies the treatment beam species.
type Modality int

const (
	ModalityPhotons Modality = iota
	ModalityProtons
)

// Setup carries the plan-level metadata the optimizer needs. It is plain
// data; delivery limits of zero mean "not bounded".
type Setup struct {
	Modality Modality
	BioModel BioModelKind

	// FractionCount is the number of treatment fractions the prescription
	// is split over. Must be positive.
	FractionCount int

	// ScenarioCount is the number of error scenarios stacked in the
	// influence matrix. 1 means nominal only; the optimizer currently
	// evaluates the nominal scenario.
	ScenarioCount int

	// Rotational enables VMAT-style delivery and its machine-limit
	// constraint rows.
	Rotational bool

	// LeafSpeedLimit is the maximum leaf travel speed in mm/s. Zero
	// disables leaf-speed constraint rows.
	LeafSpeedLimit float64

	// DoseRateLimit is the maximum dose rate in MU/s. Zero disables
	// dose-rate constraint rows.
	DoseRateLimit float64
}
