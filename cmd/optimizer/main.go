package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/beamworks/aperture-optimizer/cancel"
	"github.com/beamworks/aperture-optimizer/core"
	"github.com/beamworks/aperture-optimizer/dose"
	"github.com/beamworks/aperture-optimizer/internal/logging"
	"github.com/beamworks/aperture-optimizer/internal/observability"
	"github.com/beamworks/aperture-optimizer/plan"
	"github.com/beamworks/aperture-optimizer/progress"
	"github.com/beamworks/aperture-optimizer/solver"
)

func main() {
	scenarioPath := flag.String("scenario", "configs/scenario.json", "Path to a JSON scenario file")
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics; empty disables it")
	maxIterations := flag.Int("max-iterations", 0, "Solver iteration cap; 0 keeps the default")
	rescale := flag.Bool("rescale", true, "Rescale the problem for conditioning before solving")
	calibrate := flag.Bool("calibrate", true, "Calibrate the solved plan to its prescription")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.String("error", err.Error()))
		os.Exit(1)
	}

	solveMetrics, err := observability.NewSolveCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise solve metrics", logging.String("error", err.Error()))
		os.Exit(1)
	}
	deliveryMetrics, err := observability.NewDeliveryCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise delivery metrics", logging.String("error", err.Error()))
		os.Exit(1)
	}
	metricsSrv := serveMetrics(*metricsAddr, solveMetrics, log)

	scn, matrix := loadScenario(ctx, log, *scenarioPath)
	fmt.Printf("Loaded scenario %q: %d structures, %d beams, %d segments, %d voxels x %d bixels\n",
		scn.Name,
		len(scn.Structures.Structures),
		len(scn.Sequence.Beams),
		scn.Sequence.SegmentCount(),
		matrix.VoxelCount,
		matrix.BixelCount,
	)

	settings := solver.DefaultSettings()
	if *maxIterations > 0 {
		settings.MaxIterations = *maxIterations
	}

	broadcaster := progress.NewBroadcaster()
	broadcaster.Subscribe(func(u progress.Update) {
		if u.Iteration%10 == 0 {
			fmt.Printf("iter %4d  objective %.6g\n", u.Iteration, u.Objective)
		}
	})

	opt := core.NewOptimizer(log,
		core.WithSettings(settings),
		core.WithSolveMetrics(solveMetrics),
		core.WithDeliveryMetrics(deliveryMetrics),
		core.WithBroadcaster(broadcaster),
	)

	// The first interrupt cancels the run cooperatively; the solve stops at
	// the next iteration boundary and the partial result is printed below.
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	token := cancel.NewToken()
	res, err := opt.Optimize(runCtx, core.Inputs{
		Matrix:     matrix,
		Structures: scn.Structures,
		Sequence:   scn.Sequence,
		Setup:      scn.Setup,
		Rescale:    *rescale,
		Calibrate:  *calibrate,
		Token:      token,
	})
	if err != nil {
		log.Error(ctx, "optimization failed", logging.String("error", err.Error()))
		os.Exit(1)
	}

	printResult(res)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	observability.ShutdownWithTimeout(shutdownCtx, shutdownTracing, log)

	if res.Status == solver.StatusFailed {
		os.Exit(1)
	}
}

// loadScenario reads the scenario file and fabricates its synthetic
// influence matrix. Any failure is fatal; there is nothing to optimize
// without them.
func loadScenario(ctx context.Context, log logging.Logger, path string) (*plan.Scenario, *dose.InfluenceMatrix) {
	f, err := os.Open(path)
	if err != nil {
		log.Error(ctx, "failed to open scenario", logging.String("path", path), logging.String("error", err.Error()))
		os.Exit(1)
	}
	defer f.Close()

	scn, err := plan.LoadScenario(f)
	if err != nil {
		log.Error(ctx, "failed to load scenario", logging.String("path", path), logging.String("error", err.Error()))
		os.Exit(1)
	}
	matrix, err := plan.SyntheticInfluence(scn)
	if err != nil {
		log.Error(ctx, "failed to build influence matrix", logging.String("error", err.Error()))
		os.Exit(1)
	}
	return scn, matrix
}

func printResult(res *core.Result) {
	fmt.Printf("Run %s finished: status=%s iterations=%d objective=%.6g\n",
		res.RunID, res.Status, res.Iterations, res.Objective)
	if res.Rescaling.Applied {
		fmt.Printf("Conditioning rescale factor: %.4g\n", res.Rescaling.Factor)
	}
	if res.CalibrationFactor != 1 {
		fmt.Printf("Prescription calibration factor: %.4f\n", res.CalibrationFactor)
	}
	for _, qi := range res.Indicators {
		fmt.Printf("↳ %-16s D95=%7.3f Gy  mean=%7.3f Gy  max=%7.3f Gy\n",
			qi.Name, qi.D95, qi.Dmean, qi.Dmax)
	}
	if d := res.Delivery; d != nil {
		fmt.Printf("Delivery: %d transitions, peak leaf speed %.2f mm/s, %.1f s optimized schedule, %d speed violations\n",
			len(d.Transitions), d.PeakLeafSpeed, d.OptimizedSeconds, d.SpeedViolations)
	}
}

func serveMetrics(addr string, collector *observability.SolveCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
