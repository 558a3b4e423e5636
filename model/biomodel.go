package model

// BioModelKind indicates how physical dose maps to the dose that objectives
// and quality indicators are evaluated against.
type BioModelKind int

const (
	BioModelNone BioModelKind = iota
	BioModelConstantRBE // fixed relative biological effectiveness
)

// constRBEProtons is the conventional fixed RBE for proton plans.
const constRBEProtons = 1.1

// BioModel converts physical dose to biologically effective dose.
type BioModel interface {
	EffectiveDose(physical float64) float64
	// Factor returns the constant scaling the model applies. All models
	// here are linear, which keeps gradients a plain chain-rule multiply.
	Factor() float64
}

// PhysicalDoseModel leaves physical dose unchanged.
type PhysicalDoseModel struct{}

func (PhysicalDoseModel) EffectiveDose(d float64) float64 { return d }
func (PhysicalDoseModel) Factor() float64                 { return 1 }

// ConstantRBEModel scales dose by a fixed relative biological effectiveness.
type ConstantRBEModel struct {
	RBE float64
}

func (m ConstantRBEModel) EffectiveDose(d float64) float64 { return d * m.RBE }
func (m ConstantRBEModel) Factor() float64                 { return m.RBE }

// NewBioModel chooses an appropriate BioModel for the setup.
// Constant RBE applies only to proton plans; photon plans are always
// evaluated on physical dose.
func NewBioModel(s Setup) BioModel {
	if s.BioModel == BioModelConstantRBE && s.Modality == ModalityProtons {
		return ConstantRBEModel{RBE: constRBEProtons}
	}
	return PhysicalDoseModel{}
}
