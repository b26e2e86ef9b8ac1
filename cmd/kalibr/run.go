package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/KALIBR/internal/estimation"
	"github.com/copyleftdev/KALIBR/internal/estimation/differencing"
	"github.com/copyleftdev/KALIBR/internal/estimation/gaussnewton"
	"github.com/copyleftdev/KALIBR/internal/estimation/linesearch"
	"github.com/copyleftdev/KALIBR/internal/logging"
)

var (
	problemPath string
	outPath     string
	historyPath string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a calibration problem",
	Long:  `Loads a YAML problem file, runs the Gauss-Newton fit and writes the result as JSON.`,
	RunE:  runCalibration,
}

func init() {
	runCmd.Flags().StringVar(&problemPath, "problem", "", "Problem file path (required)")
	runCmd.Flags().StringVar(&outPath, "out", "result.json", "Result output path")
	runCmd.Flags().StringVar(&historyPath, "history", "", "Optional JSONL iteration history path")

	runCmd.MarkFlagRequired("problem")
	rootCmd.AddCommand(runCmd)
}

type runOutput struct {
	Status         string             `json:"status"`
	Parameters     map[string]float64 `json:"parameters"`
	ResidualNorm   float64            `json:"residual_norm"`
	Iterations     int                `json:"iterations"`
	Evaluations    int                `json:"evaluations"`
	ElapsedSeconds float64            `json:"elapsed_seconds"`
	Error          string             `json:"error,omitempty"`
}

func runCalibration(cmd *cobra.Command, args []string) error {
	problem, err := LoadProblem(problemPath)
	if err != nil {
		return err
	}

	manager, err := problem.Manager()
	if err != nil {
		return err
	}

	model, err := estimation.BuiltinModel(problem.Model, manager.Count())
	if err != nil {
		return err
	}

	target, err := problem.ResolveTarget(model)
	if err != nil {
		return err
	}

	diffCfg := differencing.DefaultConfig()
	var differ differencing.Strategy
	switch problem.Differencing {
	case "", "forward":
		differ = differencing.NewForward(diffCfg)
	case "pure-forward":
		differ = differencing.NewPureForward(diffCfg)
	case "central":
		differ = differencing.NewCentral(diffCfg)
	default:
		return fmt.Errorf("unknown differencing scheme %q", problem.Differencing)
	}

	optCfg := gaussnewton.DefaultConfig()
	if problem.MaxIterations > 0 {
		optCfg.MaxIterations = problem.MaxIterations
	}
	if problem.Tolerance > 0 {
		optCfg.Tolerance = problem.Tolerance
	}

	optimizer, err := gaussnewton.New(optCfg, manager, differ,
		linesearch.NewLinearParallel(), logging.NewZapLogger(logger))
	if err != nil {
		return err
	}

	workers := problem.Workers
	if workers <= 0 {
		workers = 4
	}
	evaluator := estimation.NewFuncEvaluator(model,
		estimation.WithWorkers(workers),
		estimation.WithTransform(manager.Transform),
	)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := evaluator.Start(ctx); err != nil {
		return err
	}
	defer evaluator.Close()

	resultOpts := []estimation.ResultOption{
		estimation.WithResultLogger(logging.NewZapLogger(logger)),
	}
	if historyPath != "" {
		resultOpts = append(resultOpts, estimation.WithResultPath(historyPath))
	}
	recorder := estimation.NewResult(resultOpts...)

	logger.Info("starting calibration", map[string]interface{}{
		"model":        problem.Model,
		"parameters":   manager.Count(),
		"measurements": len(target),
		"differencing": problem.Differencing,
	})

	start := time.Now()
	result, runErr := optimizer.Run(ctx, evaluator, manager.InitialValues(), target, recorder)
	elapsed := time.Since(start)

	output := runOutput{
		Evaluations:    evaluator.Count(),
		ElapsedSeconds: elapsed.Seconds(),
	}
	if runErr != nil {
		output.Error = runErr.Error()
	}
	if result != nil {
		output.Status = result.Status.String()
		output.ResidualNorm = result.ResidualNorm
		output.Iterations = result.Iterations

		// Report physical values, not the raw optimizer-space vector.
		final := result.Parameters
		if physical, perr := manager.Transform(result.Parameters); perr == nil {
			final = physical
		}
		output.Parameters = make(map[string]float64, len(final))
		for i, name := range manager.Names() {
			output.Parameters[name] = final[i]
		}
	} else {
		output.Status = "failed"
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}

	if result != nil {
		fmt.Printf("Wrote %s (status: %s, residual: %.6g, %d iterations, %d evaluations)\n",
			outPath, output.Status, output.ResidualNorm, output.Iterations, output.Evaluations)
	}
	if runErr != nil {
		return runErr
	}
	return nil
}
