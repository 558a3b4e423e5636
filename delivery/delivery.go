package delivery

import (
	"math"

	"github.com/beamworks/aperture-optimizer/aperture"
)

// Limits are the machine delivery limits used for rotational plans. Zero
// values mean the corresponding limit is not enforced.
type Limits struct {
	// LeafSpeed is the maximum leaf travel speed in mm/s.
	LeafSpeed float64
	// DoseRate is the maximum dose rate in MU/s.
	DoseRate float64
}

// TransitionTime is the elapsed time allotted to one segment transition.
type TransitionTime struct {
	Transition aperture.Transition
	Seconds    float64
}

// TransitionTimes derives the per-transition elapsed time for a sequence.
// The destination segment's explicit TimeSec wins; otherwise the time to
// deliver the destination segment's monitor units at the maximum dose rate
// is used. Transitions with no derivable positive time are omitted, so the
// result length is the number of constrainable transitions.
func TransitionTimes(seq *aperture.Sequence, weightToMU float64, lim Limits) []TransitionTime {
	var out []TransitionTime
	for _, tr := range seq.Transitions() {
		to := seq.Beams[tr.Beam].Segments[tr.To]
		dt := to.TimeSec
		if dt <= 0 && lim.DoseRate > 0 {
			dt = to.Weight * weightToMU / lim.DoseRate
		}
		if dt > 0 && !math.IsNaN(dt) && !math.IsInf(dt, 0) {
			out = append(out, TransitionTime{Transition: tr, Seconds: dt})
		}
	}
	return out
}

// TransitionMetrics describes the delivery demands of one solved transition.
type TransitionMetrics struct {
	Beam int
	From int
	To   int

	// TravelMM is the largest single-leaf travel across the transition.
	TravelMM float64
	// Seconds is the allotted elapsed time.
	Seconds float64
	// LeafSpeed is the implied maximum leaf speed in mm/s.
	LeafSpeed float64
}

// Metrics summarizes delivery feasibility for a solved rotational plan.
type Metrics struct {
	Transitions []TransitionMetrics

	// PeakLeafSpeed is the highest implied leaf speed of any transition.
	PeakLeafSpeed float64
	// AllottedSeconds is the total planned delivery time.
	AllottedSeconds float64
	// OptimizedSeconds is the shortest schedule respecting the limits:
	// per transition the larger of travel/leafSpeed and MU/doseRate.
	OptimizedSeconds float64
	// SpeedViolations counts transitions whose implied leaf speed exceeds
	// the limit.
	SpeedViolations int
}

// maxLeafTravel returns the largest per-leaf position change between two
// segments of one beam.
func maxLeafTravel(from, to *aperture.Segment) float64 {
	travel := 0.0
	for t := range from.Leaves {
		if d := math.Abs(to.Leaves[t].Left - from.Leaves[t].Left); d > travel {
			travel = d
		}
		if d := math.Abs(to.Leaves[t].Right - from.Leaves[t].Right); d > travel {
			travel = d
		}
	}
	return travel
}

// Compute derives the delivery metrics of a solved sequence against the
// machine limits.
func Compute(seq *aperture.Sequence, weightToMU float64, lim Limits) *Metrics {
	m := &Metrics{}
	for _, tt := range TransitionTimes(seq, weightToMU, lim) {
		beam := seq.Beams[tt.Transition.Beam]
		from := beam.Segments[tt.Transition.From]
		to := beam.Segments[tt.Transition.To]

		travel := maxLeafTravel(from, to)
		speed := travel / tt.Seconds

		tm := TransitionMetrics{
			Beam:      tt.Transition.Beam,
			From:      tt.Transition.From,
			To:        tt.Transition.To,
			TravelMM:  travel,
			Seconds:   tt.Seconds,
			LeafSpeed: speed,
		}
		m.Transitions = append(m.Transitions, tm)

		m.AllottedSeconds += tt.Seconds
		if speed > m.PeakLeafSpeed {
			m.PeakLeafSpeed = speed
		}
		if lim.LeafSpeed > 0 && speed > lim.LeafSpeed {
			m.SpeedViolations++
		}

		// The fastest legal schedule for this transition.
		best := 0.0
		if lim.LeafSpeed > 0 {
			best = travel / lim.LeafSpeed
		}
		if lim.DoseRate > 0 {
			if mu := to.Weight * weightToMU / lim.DoseRate; mu > best {
				best = mu
			}
		}
		if best == 0 {
			best = tt.Seconds
		}
		m.OptimizedSeconds += best
	}
	return m
}
