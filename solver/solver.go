// Package solver defines the contract between the optimization core and a
// generic constrained nonlinear solver, plus a projected-gradient reference
// implementation. Production deployments can plug an interior-point solver
// behind the same Solver interface.
package solver

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrBadProblem   = errors.New("malformed problem")
	ErrNilEvaluator = errors.New("nil evaluator")
)

// Status describes how a solve terminated.
type Status int

const (
	StatusConverged Status = iota
	StatusMaxIterations
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusMaxIterations:
		return "max_iterations"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Evaluator supplies the pure callbacks a constrained solver drives. All
// methods are deterministic functions of x; implementations may cache the
// last evaluation but must not have other side effects. Calls arrive
// sequentially on the solve goroutine.
type Evaluator interface {
	// Objective returns f(x).
	Objective(x []float64) (float64, error)
	// Gradient writes ∇f(x) into grad. len(grad) == len(x).
	Gradient(x, grad []float64) error
	// Constraints writes the constraint-row values g(x) into out.
	Constraints(x, out []float64) error
	// Jacobian writes the nonzero ∂g/∂x values into out, one per entry of
	// the fixed sparsity pattern, in pattern order.
	Jacobian(x, out []float64) error
	// JacobianStructure returns the fixed sparsity pattern of the
	// constraint Jacobian as parallel (row, column) slices.
	JacobianStructure() (rows, cols []int)
}

// Problem is the numeric bundle of one solve: the initial vector, the
// variable bounds copied from the aperture bounds table, and the constraint
// row bounds. It exists for one invocation only.
type Problem struct {
	Init []float64

	Lower []float64
	Upper []float64

	ConstraintLower []float64
	ConstraintUpper []float64
}

// VariableCount returns the number of optimization variables.
func (p *Problem) VariableCount() int { return len(p.Init) }

// ConstraintCount returns the number of constraint rows.
func (p *Problem) ConstraintCount() int { return len(p.ConstraintLower) }

// Validate checks the length invariants that must hold before a solve may
// start.
func (p *Problem) Validate() error {
	if len(p.Init) == 0 {
		return fmt.Errorf("%w: empty initial vector", ErrBadProblem)
	}
	if len(p.Lower) != len(p.Init) || len(p.Upper) != len(p.Init) {
		return fmt.Errorf("%w: %d variables with bounds %d/%d", ErrBadProblem, len(p.Init), len(p.Lower), len(p.Upper))
	}
	if len(p.ConstraintLower) != len(p.ConstraintUpper) {
		return fmt.Errorf("%w: constraint bounds %d/%d", ErrBadProblem, len(p.ConstraintLower), len(p.ConstraintUpper))
	}
	for i := range p.Lower {
		if p.Lower[i] > p.Upper[i] {
			return fmt.Errorf("%w: variable %d bounds [%v, %v]", ErrBadProblem, i, p.Lower[i], p.Upper[i])
		}
	}
	return nil
}

// Settings tune a solve.
type Settings struct {
	MaxIterations int
	// Tolerance is the projected-gradient infinity norm below which the
	// solve is declared converged.
	Tolerance float64
	// StepTolerance stops the line search once steps shrink below it.
	StepTolerance float64
	// PenaltyWeight scales the quadratic penalty the reference solver
	// applies to violated constraint rows.
	PenaltyWeight float64
}

// DefaultSettings returns the settings used when the caller supplies none.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations: 500,
		Tolerance:     1e-6,
		StepTolerance: 1e-12,
		PenaltyWeight: 1e3,
	}
}

// Iteration is one progress snapshot. X aliases solver-internal storage and
// must be copied if retained.
type Iteration struct {
	Index     int
	Objective float64
	X         []float64
}

// Decision tells the solver whether to continue after an iteration.
type Decision int

const (
	Continue Decision = iota
	Stop
)

// ProgressFunc observes each iteration. Returning Stop terminates the solve
// with StatusCancelled, keeping the last fully computed iterate.
type ProgressFunc func(Iteration) Decision

// Outcome is the terminal state of one solve. Immutable once returned.
type Outcome struct {
	X          []float64
	Objective  float64
	Status     Status
	Iterations int
	// Trace holds the objective value at every iteration, in order.
	Trace []float64
}

// Solver runs a constrained minimization to termination. Implementations
// poll progress after every iteration and must honor a Stop decision within
// one iteration.
type Solver interface {
	Solve(ctx context.Context, ev Evaluator, p Problem, s Settings, progress ProgressFunc) (*Outcome, error)
}
