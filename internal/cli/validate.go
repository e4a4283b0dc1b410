package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/caravel-io/caravel/internal/config"
	"github.com/caravel-io/caravel/internal/engine"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path...]",
	Short: "Validate configuration files",
	Long: `Validates infrastructure configs (.hcl) and pipeline files (.yaml).
Infrastructure configs are additionally checked for dependency cycles; the
default with no arguments validates the current directory.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		args = []string{"."}
	}

	for _, path := range args {
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			fmt.Printf("Checking pipeline %s... ", path)
			if _, err := config.LoadPipeline(path); err != nil {
				fmt.Println("FAILED")
				return fmt.Errorf("validation failed: %w", err)
			}
			fmt.Println("OK")
		default:
			fmt.Printf("Checking %s... ", path)
			cfg, err := config.LoadInfra(path)
			if err != nil {
				fmt.Println("FAILED")
				return fmt.Errorf("validation failed: %w", err)
			}
			if _, err := engine.BuildDAG(engine.ExpandResources(cfg.Resources)); err != nil {
				fmt.Println("FAILED")
				return fmt.Errorf("validation failed: %w", err)
			}
			fmt.Println("OK")
		}
	}

	fmt.Println("\nConfiguration is valid!")
	return nil
}
