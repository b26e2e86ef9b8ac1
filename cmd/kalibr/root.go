package main

import (
	"github.com/spf13/cobra"

	"github.com/copyleftdev/KALIBR/internal/logging"
)

var (
	logLevel string
	logger   *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kalibr",
	Short: "Gauss-Newton parameter estimation for simulation models",
	Long: `KALIBR fits model parameters against target measurements using a
damped Gauss-Newton iteration with finite-difference Jacobians, bound
handling and parallel batch evaluation.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		logger, err = logging.NewLogger(&logging.Config{
			Level:  logLevel,
			Output: "stderr",
		})
		if err != nil {
			logger = logging.New(logging.InfoLevel, cmd.ErrOrStderr())
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}
