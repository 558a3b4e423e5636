package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SolveCollector bundles Prometheus metrics for optimization runs and
// provides a ready-to-serve /metrics handler.
type SolveCollector struct {
	gatherer prometheus.Gatherer

	SolveDuration *prometheus.HistogramVec
	Iterations    prometheus.Histogram

	ObjectiveValue     prometheus.Gauge
	CalibrationFactor  prometheus.Gauge
	ProblemVariables   prometheus.Gauge
	ProblemConstraints prometheus.Gauge

	Cancellations prometheus.Counter
}

// NewSolveCollector registers solve Prometheus metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSolveCollector(reg prometheus.Registerer) (*SolveCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "solve_duration_seconds",
		Help:    "Wall-clock duration of optimization runs in seconds, labeled by terminal status.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"status"})
	durations, err := registerHistogramVec(reg, durations, "solve_duration_seconds")
	if err != nil {
		return nil, err
	}

	iterations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "solve_iterations",
		Help:    "Number of solver iterations per optimization run.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}), "solve_iterations")
	if err != nil {
		return nil, err
	}

	objective, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solve_objective_value",
		Help: "Final objective value of the most recent optimization run.",
	}), "solve_objective_value")
	if err != nil {
		return nil, err
	}
	calibration, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solve_calibration_factor",
		Help: "Prescription calibration factor applied by the most recent run.",
	}), "solve_calibration_factor")
	if err != nil {
		return nil, err
	}
	variables, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solve_problem_variables",
		Help: "Number of optimization variables in the most recent problem.",
	}), "solve_problem_variables")
	if err != nil {
		return nil, err
	}
	constraints, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solve_problem_constraints",
		Help: "Number of constraint rows in the most recent problem.",
	}), "solve_problem_constraints")
	if err != nil {
		return nil, err
	}

	cancellations, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solve_cancellations_total",
		Help: "Total number of optimization runs ended by cooperative cancellation.",
	}), "solve_cancellations_total")
	if err != nil {
		return nil, err
	}

	return &SolveCollector{
		gatherer:           gatherer,
		SolveDuration:      durations,
		Iterations:         iterations,
		ObjectiveValue:     objective,
		CalibrationFactor:  calibration,
		ProblemVariables:   variables,
		ProblemConstraints: constraints,
		Cancellations:      cancellations,
	}, nil
}

// ObserveSolve records the duration and iteration count of a finished run
// under its terminal status.
func (c *SolveCollector) ObserveSolve(status string, seconds float64, iterations int) {
	if c == nil {
		return
	}
	if c.SolveDuration != nil {
		c.SolveDuration.WithLabelValues(status).Observe(seconds)
	}
	if c.Iterations != nil {
		c.Iterations.Observe(float64(iterations))
	}
}

// SetObjective records the final objective value of a run.
func (c *SolveCollector) SetObjective(v float64) {
	if c == nil || c.ObjectiveValue == nil {
		return
	}
	c.ObjectiveValue.Set(v)
}

// SetCalibrationFactor records the prescription calibration factor of a run.
func (c *SolveCollector) SetCalibrationFactor(f float64) {
	if c == nil || c.CalibrationFactor == nil {
		return
	}
	c.CalibrationFactor.Set(f)
}

// SetProblemSize records the dimensions of the assembled problem.
func (c *SolveCollector) SetProblemSize(variables, constraints int) {
	if c == nil {
		return
	}
	if c.ProblemVariables != nil {
		c.ProblemVariables.Set(float64(variables))
	}
	if c.ProblemConstraints != nil {
		c.ProblemConstraints.Set(float64(constraints))
	}
}

// IncCancellation counts a run ended by cooperative cancellation.
func (c *SolveCollector) IncCancellation() {
	if c == nil || c.Cancellations == nil {
		return
	}
	c.Cancellations.Inc()
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SolveCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
