package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caravel-io/caravel/internal/config"
	"github.com/caravel-io/caravel/internal/ir"
	"github.com/caravel-io/caravel/internal/provider"
	"github.com/caravel-io/caravel/internal/stage"
	"github.com/caravel-io/caravel/internal/state"
	awsprovider "github.com/caravel-io/caravel/providers/aws"
	dockerprovider "github.com/caravel-io/caravel/providers/docker"
	nullprovider "github.com/caravel-io/caravel/providers/null"
)

var (
	stateBackend string
	statePath    string
	backendOpts  map[string]string
)

// addStateFlags wires the state backend flags onto commands that touch state.
func addStateFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&stateBackend, "backend", "local", "State backend (local or s3)")
	cmd.Flags().StringVar(&statePath, "state", "caravel.state.json", "Path to the local state file")
	cmd.Flags().StringToStringVar(&backendOpts, "backend-config", nil, "Backend settings (format: key=value)")
}

// openBackend builds the state backend from the command-line flags.
func openBackend() (state.Backend, error) {
	cfg := &state.BackendConfig{
		Type:   stateBackend,
		Config: map[string]string{"path": statePath},
	}
	for k, v := range backendOpts {
		cfg.Config[k] = v
	}
	return state.NewBackend(cfg)
}

// loadInfraDir parses the infrastructure config under dir.
func loadInfraDir(dir string) (*ir.Config, error) {
	fmt.Print("Loading configuration... ")
	cfg, err := config.LoadInfra(dir)
	if err != nil {
		fmt.Println("FAILED")
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	fmt.Println("OK")
	return cfg, nil
}

// RegisterBuiltins makes every built-in provider available in the registry.
func RegisterBuiltins(registry *provider.Registry) {
	registry.Register("null", func() provider.Interface { return nullprovider.New() })
	registry.Register("aws", func() provider.Interface { return awsprovider.New() })
	registry.Register("docker", func() provider.Interface { return dockerprovider.New() })
}

// NewRunnerRegistry builds the stage runner registry with every built-in
// runner. The infra-apply runner shares the provider registry so pipeline
// stages converge infrastructure with the same providers the CLI uses.
func NewRunnerRegistry(providers *provider.Registry) *stage.Registry {
	runners := stage.NewRegistry()
	runners.Register("exec", stage.NewExecRunner())
	runners.Register("docker-image", stage.NewDockerImageRunner())
	runners.Register("kube-deploy", stage.NewKubeDeployRunner())
	runners.Register("infra-apply", stage.NewInfraApplyRunner(providers))
	return runners
}

// loadRequiredProviders auto-loads all providers referenced by config resources.
func loadRequiredProviders(registry *provider.Registry, cfg *ir.Config) error {
	seen := make(map[string]bool)
	for _, res := range cfg.Resources {
		if res.Provider != "" && !seen[res.Provider] {
			seen[res.Provider] = true
			if err := registry.LoadProvider(res.Provider); err != nil {
				return fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
			}
		}
	}
	return nil
}

// loadStateProviders auto-loads all providers referenced by state resources (needed for DELETE).
func loadStateProviders(registry *provider.Registry, st *ir.State) error {
	seen := make(map[string]bool)
	for _, res := range st.Resources {
		if res.Provider != "" && !seen[res.Provider] {
			seen[res.Provider] = true
			if err := registry.LoadProvider(res.Provider); err != nil {
				return fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
			}
		}
	}
	return nil
}

// renderPlanChanges prints the detailed change list for a plan.
func renderPlanChanges(plan *ir.Plan) {
	for _, change := range plan.Changes {
		symbol := "~"
		switch change.Action {
		case "CREATE":
			symbol = "+"
		case "DELETE":
			symbol = "-"
		case "REPLACE":
			symbol = "-/+"
		case "NOOP":
			symbol = " "
		}

		color := "\033[0m"
		if change.Action == "CREATE" {
			color = "\033[32m"
		} else if change.Action == "DELETE" {
			color = "\033[31m"
		} else if change.Action == "UPDATE" || change.Action == "REPLACE" {
			color = "\033[33m"
		}

		var resourceType, resourceName string
		if change.Desired != nil {
			resourceType = change.Desired.Type
			resourceName = change.Desired.Name
		} else if change.Prior != nil {
			resourceType = change.Prior.Type
			resourceName = change.Prior.Name
		}

		fmt.Printf("\n%s  # %s will be %s%s\n", color, change.Address, change.Action, "\033[0m")
		fmt.Printf("%s  %s resource \"%s\" \"%s\" {\n", color, symbol, resourceType, resourceName)

		if len(change.Diff) > 0 {
			renderPropertyDiff(change, color)
		} else if change.Action == "CREATE" && change.Desired != nil {
			for k, v := range change.Desired.Properties {
				fmt.Printf("%s      + %s = %v\n", color, k, formatValue(v))
			}
		} else if change.Action == "DELETE" && change.Prior != nil {
			for k, v := range change.Prior.Properties {
				fmt.Printf("%s      - %s = %v\n", color, k, formatValue(v))
			}
		} else {
			fmt.Printf("%s      ...\n", color)
		}
		fmt.Printf("%s    }%s\n", color, "\033[0m")
	}
}

// renderPropertyDiff prints structured property diffs.
func renderPropertyDiff(change *ir.ResourceChange, color string) {
	for key, diff := range change.Diff {
		switch diff.Action {
		case "create":
			fmt.Printf("\033[32m      + %s = %v\033[0m\n", key, formatValue(diff.After))
		case "delete":
			fmt.Printf("\033[31m      - %s = %v\033[0m\n", key, formatValue(diff.Before))
		case "update":
			fmt.Printf("\033[33m      ~ %s = %v -> %v\033[0m\n", key, formatValue(diff.Before), formatValue(diff.After))
		default:
			fmt.Printf("%s        %s = %v\n", color, key, formatValue(diff.After))
		}
	}
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	if v == nil {
		return "null"
	}
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(plan *ir.Plan) {
	fmt.Println("\nPlan Summary:")
	fmt.Printf("  Create:  %d\n", plan.Summary.Create)
	fmt.Printf("  Update:  %d\n", plan.Summary.Update)
	fmt.Printf("  Delete:  %d\n", plan.Summary.Delete)
	fmt.Printf("  Replace: %d\n", plan.Summary.Replace)
	fmt.Printf("  NoOp:    %d\n", plan.Summary.NoOp)
}
