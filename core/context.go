package core

import (
	"sync"

	"github.com/beamworks/aperture-optimizer/cancel"
)

// SolveContext owns the per-invocation state of one optimization run: its
// identity, its cancellation token, and the progress state the run
// accumulates. A fresh context is created at entry and discarded at exit,
// so two concurrent solves can never share progress state or tokens.
type SolveContext struct {
	runID string
	token *cancel.Token

	mu         sync.Mutex
	trace      []float64
	iterations int
	bestX      []float64
	bestF      float64
	hasBest    bool
}

func newSolveContext(runID string, token *cancel.Token) *SolveContext {
	return &SolveContext{runID: runID, token: token}
}

// RunID returns the identifier logging and tracing attach to this solve.
func (sc *SolveContext) RunID() string { return sc.runID }

// Token returns the cancellation token bound to this solve.
func (sc *SolveContext) Token() *cancel.Token { return sc.token }

// recordIteration stores one iteration snapshot. x is copied, never aliased.
func (sc *SolveContext) recordIteration(objective float64, x []float64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.iterations++
	sc.trace = append(sc.trace, objective)
	if !sc.hasBest || objective < sc.bestF {
		if cap(sc.bestX) < len(x) {
			sc.bestX = make([]float64, len(x))
		}
		sc.bestX = sc.bestX[:len(x)]
		copy(sc.bestX, x)
		sc.bestF = objective
		sc.hasBest = true
	}
}

// Iterations returns the number of iterations recorded so far.
func (sc *SolveContext) Iterations() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.iterations
}

// Trace returns a copy of the objective history recorded so far.
func (sc *SolveContext) Trace() []float64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]float64(nil), sc.trace...)
}

// Best returns a copy of the lowest-objective iterate seen so far. ok is
// false before the first recorded iteration.
func (sc *SolveContext) Best() (x []float64, objective float64, ok bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.hasBest {
		return nil, 0, false
	}
	return append([]float64(nil), sc.bestX...), sc.bestF, true
}
