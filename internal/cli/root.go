package cli

import (
	"github.com/spf13/cobra"

	"github.com/caravel-io/caravel/internal/logging"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "caravel",
	Short: "Deployment orchestration for cloud infrastructure and pipelines",
	Long: `Caravel converges declared infrastructure and runs deployment pipelines.

It provides:
  • Declarative resource graphs with dependency-ordered convergence
  • Idempotent plans: a converged topology plans to nothing
  • Pipeline runs with gated stages and bounded parallelism
  • Encrypted local or S3-backed state`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to $CARAVEL_LOG_LEVEL, then info")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}
