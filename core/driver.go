package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/beamworks/aperture-optimizer/aperture"
	"github.com/beamworks/aperture-optimizer/cancel"
	"github.com/beamworks/aperture-optimizer/dose"
	"github.com/beamworks/aperture-optimizer/internal/logging"
	"github.com/beamworks/aperture-optimizer/internal/observability"
	"github.com/beamworks/aperture-optimizer/model"
	"github.com/beamworks/aperture-optimizer/progress"
	"github.com/beamworks/aperture-optimizer/solver"
)

const tracerName = "github.com/beamworks/aperture-optimizer/core"

// Optimizer drives complete optimization runs: conditioning rescale,
// problem assembly, the iterative solve with cooperative cancellation,
// inverse rescaling, post-processing, and the optional calibration pass.
// An Optimizer is stateless between runs and safe for concurrent use; all
// per-run state lives on the run's SolveContext.
type Optimizer struct {
	solver      solver.Solver
	settings    solver.Settings
	log         logging.Logger
	metrics     *observability.SolveCollector
	delivery    *observability.DeliveryCollector
	broadcaster *progress.Broadcaster
}

// Option customises Optimizer construction.
type Option func(*Optimizer)

// WithSolver replaces the built-in gradient projection solver.
func WithSolver(s solver.Solver) Option {
	return func(o *Optimizer) {
		if s != nil {
			o.solver = s
		}
	}
}

// WithSettings overrides the default solver settings.
func WithSettings(s solver.Settings) Option {
	return func(o *Optimizer) {
		o.settings = s
	}
}

// WithSolveMetrics attaches an optional solve metrics collector.
func WithSolveMetrics(c *observability.SolveCollector) Option {
	return func(o *Optimizer) {
		o.metrics = c
	}
}

// WithDeliveryMetrics attaches an optional delivery metrics collector.
func WithDeliveryMetrics(c *observability.DeliveryCollector) Option {
	return func(o *Optimizer) {
		o.delivery = c
	}
}

// WithBroadcaster attaches an optional progress broadcaster that receives
// one update per solver iteration.
func WithBroadcaster(b *progress.Broadcaster) Option {
	return func(o *Optimizer) {
		o.broadcaster = b
	}
}

// NewOptimizer builds an optimizer with the reference solver and default
// settings. A nil logger is replaced with a no-op logger.
func NewOptimizer(log logging.Logger, opts ...Option) *Optimizer {
	if log == nil {
		log = logging.Noop()
	}
	o := &Optimizer{
		solver:   solver.GradientProjection{},
		settings: solver.DefaultSettings(),
		log:      log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Inputs bundles everything one optimization run consumes. Matrix,
// Structures, and Sequence are treated as read-only; results come back on a
// fresh Result.
type Inputs struct {
	Matrix     *dose.InfluenceMatrix
	Structures *model.StructureSet
	Sequence   *aperture.Sequence
	Setup      model.Setup

	// Rescale enables the conditioning rescale before problem assembly.
	Rescale bool
	// Calibrate enables the prescription calibration pass afterwards.
	Calibrate bool

	// Token optionally supplies an externally owned cancellation token.
	// When nil the run creates its own. Either way the token is bound to
	// ctx for the duration of the run.
	Token *cancel.Token

	// OnStart, when set, receives the run's SolveContext right before the
	// solve loop begins, giving the caller a live handle on progress
	// state and the cancellation token.
	OnStart func(*SolveContext)
}

// Optimize runs one complete optimization. The returned result carries the
// terminal solver status; cancellation and solver failure are states of the
// result, not errors. Errors are reserved for precondition violations,
// evaluator failures, and a failed calibration pass.
func (o *Optimizer) Optimize(ctx context.Context, in Inputs) (*Result, error) {
	ctx, log := logging.WithRunLogger(ctx, o.log)
	runID := logging.RunIDFromContext(ctx)

	token := in.Token
	if token == nil {
		token = cancel.NewToken()
	}
	release := token.BindContext(ctx)
	defer release()
	sc := newSolveContext(runID, token)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "core/optimize",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	start := time.Now()

	matrix, seq, rescaling := in.Matrix, in.Sequence, Rescaling{Factor: 1}
	if in.Rescale {
		matrix, seq, rescaling = RescaleForConditioning(in.Matrix, in.Sequence)
		if rescaling.Applied {
			log.Debug(ctx, "rescaled for conditioning", logging.Float64("factor", rescaling.Factor))
		}
	}

	problem, normalized, err := BuildProblem(matrix, in.Structures, seq, in.Setup)
	if err != nil {
		span.RecordError(err)
		log.Error(ctx, "problem assembly failed", logging.String("error", err.Error()))
		return nil, err
	}
	o.metrics.SetProblemSize(problem.VariableCount(), problem.ConstraintCount())
	span.SetAttributes(
		attribute.Int("variables", problem.VariableCount()),
		attribute.Int("constraints", problem.ConstraintCount()),
	)
	log.Info(ctx, "problem assembled",
		logging.Int("variables", problem.VariableCount()),
		logging.Int("constraints", problem.ConstraintCount()),
		logging.Int("structures", len(normalized.Structures)),
	)

	ev := newPlanEvaluator(matrix, normalized, seq, in.Setup)
	if in.OnStart != nil {
		in.OnStart(sc)
	}

	progressFn := func(it solver.Iteration) solver.Decision {
		sc.recordIteration(it.Objective, it.X)
		o.broadcaster.Publish(progress.Update{Run: runID, Iteration: it.Index, Objective: it.Objective})
		if token.Cancelled() {
			return solver.Stop
		}
		return solver.Continue
	}

	var outcome *solver.Outcome
	if token.Cancelled() {
		// Cancelled before the first iteration: report the initial vector
		// as the last computed iterate without entering the solve loop.
		obj, oerr := ev.Objective(problem.Init)
		if oerr != nil {
			span.RecordError(oerr)
			return nil, oerr
		}
		outcome = &solver.Outcome{
			X:         append([]float64(nil), problem.Init...),
			Objective: obj,
			Status:    solver.StatusCancelled,
		}
		log.Info(ctx, "cancelled before first iteration")
	} else {
		outcome, err = o.solver.Solve(ctx, ev, problem, o.settings, progressFn)
		if err != nil {
			span.RecordError(err)
			log.Error(ctx, "solve failed", logging.String("error", err.Error()))
			return nil, err
		}
	}

	duration := time.Since(start)
	o.metrics.ObserveSolve(outcome.Status.String(), duration.Seconds(), outcome.Iterations)
	o.metrics.SetObjective(outcome.Objective)
	if outcome.Status == solver.StatusCancelled {
		o.metrics.IncCancellation()
	}
	span.SetAttributes(
		attribute.String("status", outcome.Status.String()),
		attribute.Int("iterations", outcome.Iterations),
	)

	restored := *outcome
	restored.X = rescaling.InvertVector(in.Sequence, outcome.X)

	res, err := PostProcess(&restored, in.Matrix, in.Structures, in.Sequence, in.Setup)
	if err != nil {
		span.RecordError(err)
		log.Error(ctx, "post-processing failed", logging.String("error", err.Error()))
		return nil, err
	}
	res.RunID = runID
	res.Rescaling = rescaling

	if res.Delivery != nil {
		for _, tm := range res.Delivery.Transitions {
			o.delivery.ObserveLeafTravel(tm.TravelMM)
		}
		o.delivery.SetPeakLeafSpeed(res.Delivery.PeakLeafSpeed)
		o.delivery.SetDeliverySeconds(res.Delivery.OptimizedSeconds)
		o.delivery.AddSpeedViolations(res.Delivery.SpeedViolations)
	}

	if in.Calibrate {
		factor, cerr := CalibrateToPrescription(res, in.Matrix, in.Structures, in.Setup)
		if cerr != nil {
			span.RecordError(cerr)
			log.Error(ctx, "prescription calibration failed", logging.String("error", cerr.Error()))
			return nil, cerr
		}
		o.metrics.SetCalibrationFactor(factor)
		span.SetAttributes(attribute.Float64("calibration_factor", factor))
		log.Info(ctx, "calibrated to prescription", logging.Float64("factor", factor))
	}

	log.Info(ctx, "optimization finished",
		logging.String("status", outcome.Status.String()),
		logging.Int("iterations", outcome.Iterations),
		logging.Float64("objective", outcome.Objective),
		logging.String("duration", duration.Round(time.Millisecond).String()),
	)
	return res, nil
}
