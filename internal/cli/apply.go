package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/caravel-io/caravel/internal/engine"
	"github.com/caravel-io/caravel/internal/provider"
)

var (
	applyAutoApprove bool
	applyParallelism int
)

var applyCmd = &cobra.Command{
	Use:   "apply [dir]",
	Short: "Apply a configuration",
	Long: `Builds or changes infrastructure according to Caravel configuration files.

Re-running apply on a converged topology performs no operations. After a
partial failure the successful changes are kept in state, so a subsequent
apply performs exactly the outstanding operations.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of plan before applying")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", 0, "Maximum concurrent resource operations")
	addStateFlags(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
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

	if err := backend.Lock(); err != nil {
		return err
	}
	defer backend.Unlock()

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
	eng.Parallelism = applyParallelism

	fmt.Print("Calculating plan... ")
	plan, err := eng.CreatePlan(ctx, cfg, currentState)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Println("OK")

	if len(plan.Changes) == 0 {
		fmt.Println("No changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Println("\nCaravel will perform the following actions:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if !applyAutoApprove {
		fmt.Print("\nDo you want to perform these actions? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" {
			fmt.Println("Apply cancelled.")
			return nil
		}
	}

	fmt.Printf("\nApplying %d changes...\n", len(plan.Changes))

	newState, applyErr := eng.ApplyPlanWithCallback(ctx, plan, currentState, func(event engine.ApplyEvent) {
		switch event.Status {
		case "started":
			fmt.Printf("  %s: %s...\n", event.Address, event.Action)
		case "completed":
			fmt.Printf("  %s: %s complete (%s)\n", event.Address, event.Action, event.Duration.Round(time.Millisecond))
		case "failed":
			fmt.Printf("  \033[31m%s: FAILED (%v)\033[0m\n", event.Address, event.Error)
		case "skipped":
			fmt.Printf("  %s: skipped\n", event.Address)
		}
	})

	// The partially updated state is written even when the apply halted, so
	// the resources that did converge are never orphaned.
	if err := backend.Write(ctx, newState); err != nil {
		return fmt.Errorf("failed to write state: %w", errors.Join(err, applyErr))
	}

	if applyErr != nil {
		var halted *engine.ApplyError
		if errors.As(applyErr, &halted) {
			fmt.Printf("\nApply halted: %d succeeded, %d failed, %d skipped.\n",
				len(halted.Succeeded), len(halted.Failed), len(halted.Skipped))
			fmt.Println("Successful changes are saved in state; re-run apply to resume.")
		}
		return fmt.Errorf("apply failed: %w", applyErr)
	}

	fmt.Println("\nApply complete! Resources: " +
		fmt.Sprintf("%d added, %d changed, %d destroyed.", plan.Summary.Create, plan.Summary.Update+plan.Summary.Replace, plan.Summary.Delete))

	if len(newState.Outputs) > 0 {
		fmt.Println("\nOutputs:")
		for k, v := range newState.Outputs {
			fmt.Printf("  %s = %v\n", k, v)
		}
	}

	return nil
}
