package crf

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/usptact/TriCRF/optimize"
)

// ErrOptimizerFailed reports that the line search could not satisfy the
// Wolfe conditions within its budget.
var ErrOptimizerFailed = errors.New("optimizer failed")

// objectiveFunc evaluates the unpenalized negative log-likelihood at the
// current weights and leaves its gradient (expected minus empirical
// counts) in the model's gradient vector.
type objectiveFunc func() (float64, error)

// estimate drives the outer training loop: evaluate the objective, add the
// regularization penalty, hand (θ, obj, g) to the optimizer, repeat until
// convergence, failure or the iteration budget runs out.
func estimate(name string, theta, grad []float64, obj objectiveFunc, cfg TrainConfig, devEval func() float64) error {
	opt := optimize.New(len(theta), optimize.Config{
		History:     cfg.History,
		OrthantWise: cfg.L1,
		C:           cfg.C,
	})

	slog.Info("Starting estimation", "model", name, "parameters", len(theta),
		"iterations", cfg.Iterations, "l2-sigma", cfg.Sigma, "l1", cfg.L1)
	start := time.Now()

	for iter := 0; iter < cfg.Iterations; iter++ {
		if cfg.Context != nil {
			select {
			case <-cfg.Context.Done():
				slog.Info("Training cancelled", "model", name, "iteration", iter+1)
				return cfg.Context.Err()
			default:
			}
		}
		nll, err := obj()
		if err != nil {
			return err
		}
		if cfg.Sigma > 0 {
			nll += floats.Dot(theta, theta) / (2 * cfg.Sigma * cfg.Sigma)
			floats.AddScaled(grad, 1/(cfg.Sigma*cfg.Sigma), theta)
		}
		if cfg.L1 {
			for _, w := range theta {
				nll += cfg.C * math.Abs(w)
			}
		}
		if !isFinite(nll) || !isFinite(floats.Norm(grad, 2)) {
			return fmt.Errorf("%w: iteration %d: non-finite objective or gradient", ErrNumericBreakdown, iter+1)
		}

		if devEval != nil {
			slog.Debug("Iteration", "model", name, "iteration", iter+1,
				"objective", nll, "dev-accuracy", devEval())
		} else {
			slog.Debug("Iteration", "model", name, "iteration", iter+1, "objective", nll)
		}

		status, err := opt.Step(theta, nll, grad)
		switch status {
		case optimize.Converged:
			slog.Info("Converged", "model", name, "iteration", iter+1,
				"objective", nll, "duration", time.Since(start))
			return nil
		case optimize.Failed:
			return fmt.Errorf("%w: %v", ErrOptimizerFailed, err)
		}
	}
	slog.Info("Iteration budget exhausted", "model", name,
		"iterations", cfg.Iterations, "duration", time.Since(start))
	return nil
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
