package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caravel-io/caravel/internal/engine"
	"github.com/caravel-io/caravel/internal/provider"
)

var planCmd = &cobra.Command{
	Use:   "plan [dir]",
	Short: "Generate an execution plan",
	Long: `Generates an execution plan showing what actions Caravel will take
to reach the desired state declared in your configuration.

The plan shows:
  • Resources to be created
  • Resources to be updated (with diff)
  • Resources to be deleted`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

func init() {
	addStateFlags(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	ctx := cmd.Context()

	cfg, err := loadInfraDir(dir)
	if err != nil {
		return err
	}

	backend, err := openBackend()
	if err != nil {
		return err
	}

	currentState, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	registry := provider.NewRegistry()
	RegisterBuiltins(registry)
	if err := loadRequiredProviders(registry, cfg); err != nil {
		return err
	}
	if err := loadStateProviders(registry, currentState); err != nil {
		return err
	}

	eng := engine.NewEngine(registry)

	fmt.Print("Calculating plan... ")
	plan, err := eng.CreatePlan(ctx, cfg, currentState)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Println("OK")

	renderPlanSummary(plan)

	if len(plan.Changes) == 0 {
		fmt.Println("\nNo changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Println("\nCaravel will perform the following actions:")
	renderPlanChanges(plan)
	return nil
}
