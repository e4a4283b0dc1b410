package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caravel-io/caravel/internal/provider"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Update state to match real infrastructure",
	Long: `Reads the current state of all managed resources from their providers
and updates the state file to reflect actual infrastructure.

This detects drift between what Caravel thinks exists and what actually exists.`,
	RunE: runRefresh,
}

func init() {
	addStateFlags(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
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
		fmt.Println("No resources to refresh.")
		return nil
	}

	registry := provider.NewRegistry()
	RegisterBuiltins(registry)
	if err := loadStateProviders(registry, currentState); err != nil {
		return err
	}

	fmt.Printf("Refreshing %d resource(s)...\n\n", len(currentState.Resources))

	drifted := 0
	deleted := 0

	for _, res := range currentState.Resources {
		addr := fmt.Sprintf("%s.%s", res.Type, res.Name)
		prov, err := registry.Get(res.Provider)
		if err != nil {
			fmt.Printf("  %s: SKIP (provider %s not available)\n", addr, res.Provider)
			continue
		}

		var resourceID string
		if id, ok := res.Outputs["id"]; ok {
			resourceID = fmt.Sprintf("%v", id)
		}

		var currentJSON []byte
		if res.Outputs != nil {
			currentJSON, _ = json.Marshal(res.Outputs)
		}

		resp, err := prov.Read(ctx, &provider.ReadRequest{
			Type:             res.Type,
			ID:               resourceID,
			CurrentStateJSON: currentJSON,
		})
		if err != nil {
			fmt.Printf("  %s: ERROR (%v)\n", addr, err)
			continue
		}

		if !resp.Exists {
			fmt.Printf("  \033[31m%s: DELETED (no longer exists in provider)\033[0m\n", addr)
			deleted++
			continue
		}

		if len(resp.NewStateJSON) > 0 {
			var newOutputs map[string]any
			if err := json.Unmarshal(resp.NewStateJSON, &newOutputs); err == nil {
				if fmt.Sprintf("%v", newOutputs) != fmt.Sprintf("%v", res.Outputs) {
					fmt.Printf("  \033[33m%s: DRIFTED (state updated)\033[0m\n", addr)
					res.Outputs = newOutputs
					drifted++
				} else {
					fmt.Printf("  %s: OK\n", addr)
				}
			}
		} else {
			fmt.Printf("  %s: OK\n", addr)
		}
	}

	if drifted > 0 || deleted > 0 {
		currentState.Serial++
		if err := backend.Write(ctx, currentState); err != nil {
			return fmt.Errorf("failed to write state: %w", err)
		}
	}

	fmt.Printf("\nRefresh complete. %d drifted, %d deleted.\n", drifted, deleted)
	return nil
}
