package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/caravel-io/caravel/internal/ir"
	"github.com/caravel-io/caravel/internal/logging"
	"github.com/caravel-io/caravel/internal/provider"
)

// Engine orchestrates the lifecycle of resources.
type Engine struct {
	registry        *provider.Registry
	ContinueOnError bool // If true, apply continues past failures instead of stopping
	Parallelism     int  // Max concurrent operations; defaults to defaultParallelism
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{
		registry: registry,
	}
}

// CreatePlan generates an execution plan by comparing the desired config
// with the observed state. Planning the observed state against itself yields
// an empty change list.
func (e *Engine) CreatePlan(ctx context.Context, cfg *ir.Config, state *ir.State) (*ir.Plan, error) {
	return e.CreatePlanWithTargets(ctx, cfg, state, nil)
}

// CreatePlanWithTargets generates a plan filtered to specific resource addresses.
// If targets is nil or empty, all resources are planned.
func (e *Engine) CreatePlanWithTargets(ctx context.Context, cfg *ir.Config, state *ir.State, targets []string) (*ir.Plan, error) {
	logging.Debug("creating plan", "resources", len(cfg.Resources), "state_resources", len(state.Resources), "targets", len(targets))
	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
		Changes: []*ir.ResourceChange{},
		Summary: &ir.PlanSummary{},
		Outputs: cfg.Outputs,
	}

	resources := ExpandResources(cfg.Resources)

	for _, res := range resources {
		if err := e.registry.LoadProvider(res.Provider); err != nil {
			return nil, fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
		}
	}

	dag, err := BuildDAG(resources)
	if err != nil {
		return nil, err
	}

	stateMap := make(map[string]*ir.ResourceState)
	for _, res := range state.Resources {
		addr := fmt.Sprintf("%s.%s", res.Type, res.Name)
		stateMap[addr] = res
	}

	configByAddr := make(map[string]*ir.Resource)
	for _, res := range resources {
		configByAddr[resourceAddr(res)] = res
	}

	// If targets are specified, include their transitive dependencies so the
	// plan stays applicable.
	var targetSet map[string]bool
	if len(targets) > 0 {
		targetSet = make(map[string]bool)
		for _, t := range targets {
			targetSet[t] = true
			for _, dep := range dag.TransitiveDeps(t) {
				targetSet[dep] = true
			}
		}
	}

	// Creates and updates, in dependency order.
	for _, addr := range dag.CreationOrder() {
		res := configByAddr[addr]

		if targetSet != nil && !targetSet[addr] {
			plan.Summary.NoOp++
			continue
		}

		change, err := e.planResource(ctx, res, stateMap[addr])
		if err != nil {
			return nil, err
		}
		if change == nil {
			plan.Summary.NoOp++
			continue
		}

		plan.Changes = append(plan.Changes, change)
		switch change.Action {
		case "CREATE":
			plan.Summary.Create++
		case "UPDATE":
			plan.Summary.Update++
		case "REPLACE":
			plan.Summary.Replace++
		}
	}

	// Deletions: resources in state but absent from config, ordered
	// dependents-first so a node pool is always destroyed before its cluster.
	var orphaned []*ir.ResourceState
	for _, res := range state.Resources {
		addr := fmt.Sprintf("%s.%s", res.Type, res.Name)
		if _, ok := configByAddr[addr]; ok {
			continue
		}
		if targetSet != nil && !targetSet[addr] {
			continue
		}
		orphaned = append(orphaned, res)
	}
	if len(orphaned) > 0 {
		stateDag, err := BuildDAGFromState(orphaned)
		if err != nil {
			return nil, err
		}
		orphanByAddr := make(map[string]*ir.ResourceState)
		for _, res := range orphaned {
			orphanByAddr[fmt.Sprintf("%s.%s", res.Type, res.Name)] = res
		}
		for _, addr := range stateDag.DestructionOrder() {
			res, ok := orphanByAddr[addr]
			if !ok {
				continue
			}
			plan.Changes = append(plan.Changes, &ir.ResourceChange{
				Address: addr,
				Action:  "DELETE",
				Prior: &ir.Resource{
					Type:       res.Type,
					Name:       res.Name,
					Provider:   res.Provider,
					Properties: res.Inputs,
				},
				Diff: buildDeleteDiff(res.Inputs),
			})
			plan.Summary.Delete++
		}
	}

	return plan, nil
}

// planResource asks the owning provider what action a single resource needs.
// Returns nil when the resource is already converged.
func (e *Engine) planResource(ctx context.Context, res *ir.Resource, prior *ir.ResourceState) (*ir.ResourceChange, error) {
	addr := resourceAddr(res)
	resourceType := res.Type
	if resourceType == "" {
		resourceType = "null_resource"
	}

	prov, err := e.registry.Get(res.Provider)
	if err != nil {
		return nil, err
	}

	desiredJSON, err := json.Marshal(res.Properties)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal properties for %s: %w", res.Name, err)
	}

	var priorJSON []byte
	if prior != nil {
		priorJSON, _ = json.Marshal(prior.Outputs)
	}

	resp, err := prov.Plan(ctx, &provider.PlanRequest{
		Type:              resourceType,
		Name:              res.Name,
		DesiredConfigJSON: desiredJSON,
		PriorStateJSON:    priorJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("plan failed for %s: %w", addr, err)
	}

	action := resp.Action
	if action == provider.ActionNoop {
		return nil, nil
	}

	if err := enforceLifecycle(res, action, addr); err != nil {
		return nil, err
	}

	if res.Lifecycle != nil && len(res.Lifecycle.IgnoreChanges) > 0 && action == provider.ActionUpdate {
		action = filterIgnoredChanges(res, resp)
		if action == provider.ActionNoop {
			return nil, nil
		}
	}

	change := &ir.ResourceChange{
		Address: addr,
		Action:  action.String(),
		Desired: res,
	}
	if prior != nil {
		change.Prior = &ir.Resource{
			Type:       prior.Type,
			Name:       prior.Name,
			Provider:   prior.Provider,
			Properties: prior.Inputs,
		}
		change.Diff = buildPropertyDiff(prior.Inputs, res.Properties)
	} else {
		change.Diff = buildCreateDiff(res.Properties)
	}
	return change, nil
}

// enforceLifecycle checks lifecycle rules and returns an error if violated.
func enforceLifecycle(res *ir.Resource, action provider.Action, addr string) error {
	if res.Lifecycle == nil {
		return nil
	}

	if res.Lifecycle.PreventDestroy && (action == provider.ActionDelete || action == provider.ActionReplace) {
		return fmt.Errorf("resource %s has prevent_destroy set but plan requires destruction", addr)
	}

	return nil
}

// filterIgnoredChanges downgrades an update to a no-op when every changed
// attribute is listed in IgnoreChanges.
func filterIgnoredChanges(res *ir.Resource, resp *provider.PlanResponse) provider.Action {
	ignoreSet := make(map[string]bool)
	for _, attr := range res.Lifecycle.IgnoreChanges {
		ignoreSet[attr] = true
	}

	if len(resp.ChangedAttributes) > 0 {
		allIgnored := true
		for _, attr := range resp.ChangedAttributes {
			if !ignoreSet[attr] {
				allIgnored = false
				break
			}
		}
		if allIgnored {
			return provider.ActionNoop
		}
	}

	return resp.Action
}

// buildPropertyDiff compares prior and desired properties and returns a diff map.
func buildPropertyDiff(prior, desired map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)

	allKeys := make(map[string]bool)
	for k := range prior {
		allKeys[k] = true
	}
	for k := range desired {
		allKeys[k] = true
	}

	for k := range allKeys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		if !inPrior {
			diff[k] = &ir.PropertyDiff{
				After:  desiredVal,
				Action: "create",
			}
		} else if !inDesired {
			diff[k] = &ir.PropertyDiff{
				Before: priorVal,
				Action: "delete",
			}
		} else if fmt.Sprintf("%v", priorVal) != fmt.Sprintf("%v", desiredVal) {
			diff[k] = &ir.PropertyDiff{
				Before: priorVal,
				After:  desiredVal,
				Action: "update",
			}
		}
	}

	return diff
}

func buildCreateDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{
			After:  v,
			Action: "create",
		}
	}
	return diff
}

func buildDeleteDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{
			Before: v,
			Action: "delete",
		}
	}
	return diff
}
