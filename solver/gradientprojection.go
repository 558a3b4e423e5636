package solver

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const armijoSlope = 1e-4

// GradientProjection is a projected-gradient solver with Armijo
// backtracking over box bounds. Constraint rows are folded into the merit
// function as a quadratic penalty on their violation. It is the in-tree
// reference implementation of the Solver contract: robust and dependency
// free rather than fast.
type GradientProjection struct{}

func (GradientProjection) Solve(ctx context.Context, ev Evaluator, p Problem, s Settings, progress ProgressFunc) (*Outcome, error) {
	if ev == nil {
		return nil, ErrNilEvaluator
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s = withDefaults(s)

	n := p.VariableCount()
	m := p.ConstraintCount()

	rows, cols := ev.JacobianStructure()
	if len(rows) != len(cols) {
		return nil, fmt.Errorf("%w: jacobian pattern %d rows vs %d cols", ErrBadProblem, len(rows), len(cols))
	}
	for k := range rows {
		if rows[k] < 0 || rows[k] >= m || cols[k] < 0 || cols[k] >= n {
			return nil, fmt.Errorf("%w: jacobian entry (%d,%d) outside %dx%d", ErrBadProblem, rows[k], cols[k], m, n)
		}
	}

	x := make([]float64, n)
	copy(x, p.Init)
	clampInto(x, p.Lower, p.Upper)

	grad := make([]float64, n)
	trial := make([]float64, n)
	step := make([]float64, n)
	gvals := make([]float64, m)
	jvals := make([]float64, len(rows))
	viol := make([]float64, m)

	// merit evaluates the penalized objective at y, reusing gvals.
	merit := func(y []float64) (obj, pen float64, err error) {
		obj, err = ev.Objective(y)
		if err != nil {
			return 0, 0, fmt.Errorf("objective: %w", err)
		}
		pen = obj
		if m == 0 {
			return obj, pen, nil
		}
		if err := ev.Constraints(y, gvals); err != nil {
			return 0, 0, fmt.Errorf("constraints: %w", err)
		}
		for r := 0; r < m; r++ {
			if v := violation(gvals[r], p.ConstraintLower[r], p.ConstraintUpper[r]); v != 0 {
				pen += s.PenaltyWeight * v * v
			}
		}
		return obj, pen, nil
	}

	out := &Outcome{}
	alpha := 1.0

	for it := 0; it < s.MaxIterations; it++ {
		select {
		case <-ctx.Done():
			return finish(out, x, lastTrace(out), StatusCancelled, it), nil
		default:
		}

		obj, pen, err := merit(x)
		if err != nil {
			return nil, err
		}
		if !isFinite(obj) {
			return finish(out, x, obj, StatusFailed, it+1), nil
		}
		out.Trace = append(out.Trace, obj)

		// Gradient of the penalized objective.
		if err := ev.Gradient(x, grad); err != nil {
			return nil, fmt.Errorf("gradient: %w", err)
		}
		if m > 0 {
			for r := 0; r < m; r++ {
				viol[r] = violation(gvals[r], p.ConstraintLower[r], p.ConstraintUpper[r])
			}
			if err := ev.Jacobian(x, jvals); err != nil {
				return nil, fmt.Errorf("jacobian: %w", err)
			}
			for k := range jvals {
				if v := viol[rows[k]]; v != 0 {
					grad[cols[k]] += 2 * s.PenaltyWeight * v * jvals[k]
				}
			}
		}
		for _, g := range grad {
			if !isFinite(g) {
				return finish(out, x, obj, StatusFailed, it+1), nil
			}
		}

		if progress != nil && progress(Iteration{Index: it, Objective: obj, X: x}) == Stop {
			return finish(out, x, obj, StatusCancelled, it+1), nil
		}

		// Convergence on the unit projected-gradient step.
		if projectedGradNorm(x, grad, p.Lower, p.Upper) <= s.Tolerance {
			return finish(out, x, obj, StatusConverged, it+1), nil
		}

		// Backtracking line search along the projection arc. Start from a
		// grown copy of the last accepted step so well-scaled problems take
		// full steps again quickly.
		alpha = math.Min(alpha*4, 1e8)
		accepted := false
		for alpha >= s.StepTolerance {
			for i := range trial {
				trial[i] = clamp(x[i]-alpha*grad[i], p.Lower[i], p.Upper[i])
			}
			floats.SubTo(step, trial, x)
			if floats.Norm(step, math.Inf(1)) == 0 {
				break
			}
			_, penTrial, err := merit(trial)
			if err != nil {
				return nil, err
			}
			if penTrial <= pen+armijoSlope*floats.Dot(grad, step) {
				accepted = true
				break
			}
			alpha /= 2
		}
		if !accepted {
			return finish(out, x, obj, StatusFailed, it+1), nil
		}
		copy(x, trial)
	}

	last := math.NaN()
	if len(out.Trace) > 0 {
		last = out.Trace[len(out.Trace)-1]
	}
	return finish(out, x, last, StatusMaxIterations, s.MaxIterations), nil
}

func withDefaults(s Settings) Settings {
	d := DefaultSettings()
	if s.MaxIterations <= 0 {
		s.MaxIterations = d.MaxIterations
	}
	if s.Tolerance <= 0 {
		s.Tolerance = d.Tolerance
	}
	if s.StepTolerance <= 0 {
		s.StepTolerance = d.StepTolerance
	}
	if s.PenaltyWeight <= 0 {
		s.PenaltyWeight = d.PenaltyWeight
	}
	return s
}

// violation returns how far g sits outside [lower, upper], signed: positive
// above the upper bound, negative below the lower one, zero inside.
func violation(g, lower, upper float64) float64 {
	if g > upper {
		return g - upper
	}
	if g < lower {
		return g - lower
	}
	return 0
}

// projectedGradNorm measures first-order stationarity over the box: the
// infinity norm of x - clamp(x - grad).
func projectedGradNorm(x, grad, lower, upper []float64) float64 {
	norm := 0.0
	for i := range x {
		d := x[i] - clamp(x[i]-grad[i], lower[i], upper[i])
		if a := math.Abs(d); a > norm {
			norm = a
		}
	}
	return norm
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInto(x, lower, upper []float64) {
	for i := range x {
		x[i] = clamp(x[i], lower[i], upper[i])
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func lastTrace(out *Outcome) float64 {
	if len(out.Trace) == 0 {
		return math.NaN()
	}
	return out.Trace[len(out.Trace)-1]
}

func finish(out *Outcome, x []float64, obj float64, status Status, iterations int) *Outcome {
	out.X = append([]float64(nil), x...)
	out.Objective = obj
	out.Status = status
	out.Iterations = iterations
	return out
}
