package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caravel-io/caravel/internal/engine"
	"github.com/caravel-io/caravel/internal/ir"
	"github.com/caravel-io/caravel/internal/provider"
)

var destroyAutoApprove bool

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy all managed infrastructure",
	Long: `Destroys every resource tracked in the state file, in reverse
dependency order. A node group is always destroyed before its cluster.`,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval before destroying")
	addStateFlags(destroyCmd)
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	backend, err := openBackend()
	if err != nil {
		return err
	}

	if err := backend.Lock(); err != nil {
		return err
	}
	defer backend.Unlock()

	fmt.Print("Reading state... ")
	currentState, err := backend.Read(ctx)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to read state: %w", err)
	}
	fmt.Println("OK")

	if len(currentState.Resources) == 0 {
		fmt.Println("No resources to destroy.")
		return nil
	}

	registry := provider.NewRegistry()
	RegisterBuiltins(registry)
	if err := loadStateProviders(registry, currentState); err != nil {
		return err
	}

	// Planning an empty config against the state yields a pure destroy plan.
	eng := engine.NewEngine(registry)
	plan, err := eng.CreatePlan(ctx, &ir.Config{}, currentState)
	if err != nil {
		return fmt.Errorf("destroy plan generation failed: %w", err)
	}

	fmt.Printf("\nCaravel will destroy %d resource(s):\n", plan.Summary.Delete)
	renderPlanChanges(plan)

	if !destroyAutoApprove {
		fmt.Print("\nDo you really want to destroy all resources? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" {
			fmt.Println("Destroy cancelled.")
			return nil
		}
	}

	newState, applyErr := eng.ApplyPlan(ctx, plan, currentState)

	if err := backend.Write(ctx, newState); err != nil {
		return fmt.Errorf("failed to write state: %w", errors.Join(err, applyErr))
	}

	if applyErr != nil {
		return fmt.Errorf("destroy failed: %w", applyErr)
	}

	fmt.Printf("\nDestroy complete! %d resource(s) deleted.\n", plan.Summary.Delete)
	return nil
}
