package engine

import (
	"context"
	"testing"

	"github.com/caravel-io/caravel/internal/ir"
	"github.com/caravel-io/caravel/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePlan_AllNew(t *testing.T) {
	reg := testRegistry(nil)
	eng := NewEngine(reg)
	require.NoError(t, reg.LoadProvider("null"))

	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{Type: "null_resource", Name: "subnet", Provider: "null", DependsOn: []string{"null_resource.vpc"}},
			{Type: "null_resource", Name: "vpc", Provider: "null"},
		},
	}
	state := &ir.State{Version: 1}

	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)

	require.Len(t, plan.Changes, 2)
	assert.Equal(t, "null_resource.vpc", plan.Changes[0].Address)
	assert.Equal(t, "CREATE", plan.Changes[0].Action)
	assert.Equal(t, "null_resource.subnet", plan.Changes[1].Address)
	assert.Equal(t, 2, plan.Summary.Create)
}

func TestCreatePlan_ObservedEqualsDesired_IsEmpty(t *testing.T) {
	reg := testRegistry(nil)
	eng := NewEngine(reg)

	triggers := map[string]any{"rev": "abc123"}
	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{Type: "null_resource", Name: "a", Provider: "null", Properties: map[string]any{"triggers": triggers}},
		},
	}
	state := &ir.State{
		Version: 1,
		Resources: []*ir.ResourceState{
			{
				Type:     "null_resource",
				Name:     "a",
				Provider: "null",
				Inputs:   map[string]any{"triggers": triggers},
				Outputs:  map[string]any{"id": "null-a", "triggers": triggers},
			},
		},
	}

	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)
	assert.Empty(t, plan.Changes)
	assert.Equal(t, 1, plan.Summary.NoOp)
}

func TestCreatePlan_FullTeardownOrder(t *testing.T) {
	reg := testRegistry(nil)
	eng := NewEngine(reg)
	require.NoError(t, reg.LoadProvider("null"))

	// Empty desired config against an observed vpc -> subnet -> cluster ->
	// nodepool chain: deletes come out dependents-first.
	cfg := &ir.Config{}
	state := &ir.State{
		Version: 1,
		Resources: []*ir.ResourceState{
			{Type: "null_resource", Name: "vpc", Provider: "null"},
			{Type: "null_resource", Name: "subnet", Provider: "null", Dependencies: []string{"null_resource.vpc"}},
			{Type: "null_resource", Name: "cluster", Provider: "null", Dependencies: []string{"null_resource.subnet"}},
			{Type: "null_resource", Name: "nodepool", Provider: "null", Dependencies: []string{"null_resource.cluster"}},
		},
	}

	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)

	var addrs []string
	for _, change := range plan.Changes {
		assert.Equal(t, "DELETE", change.Action)
		addrs = append(addrs, change.Address)
	}
	assert.Equal(t, []string{
		"null_resource.nodepool",
		"null_resource.cluster",
		"null_resource.subnet",
		"null_resource.vpc",
	}, addrs)
	assert.Equal(t, 4, plan.Summary.Delete)
}

func TestCreatePlan_CycleRejectedBeforeExecution(t *testing.T) {
	reg := testRegistry(nil)
	eng := NewEngine(reg)

	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{Type: "null_resource", Name: "a", Provider: "null", DependsOn: []string{"null_resource.b"}},
			{Type: "null_resource", Name: "b", Provider: "null", DependsOn: []string{"null_resource.a"}},
		},
	}

	_, err := eng.CreatePlan(context.Background(), cfg, &ir.State{Version: 1})
	require.Error(t, err)
	assert.ErrorContains(t, err, "cycle")
}

func TestCreatePlan_PreventDestroy(t *testing.T) {
	reg := testRegistry(nil)
	eng := NewEngine(reg)

	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{
				Type:      "null_resource",
				Name:      "a",
				Provider:  "null",
				Lifecycle: &ir.Lifecycle{PreventDestroy: true},
				Properties: map[string]any{
					"triggers": map[string]any{"rev": "new"},
				},
			},
		},
	}
	state := &ir.State{
		Version: 1,
		Resources: []*ir.ResourceState{
			{
				Type:     "null_resource",
				Name:     "a",
				Provider: "null",
				Outputs:  map[string]any{"id": "null-a", "triggers": map[string]any{"rev": "old"}},
			},
		},
	}

	_, err := eng.CreatePlan(context.Background(), cfg, state)
	require.Error(t, err)
	assert.ErrorContains(t, err, "prevent_destroy")
}

func TestCreatePlanWithTargets_IncludesDependencies(t *testing.T) {
	reg := testRegistry(nil)
	eng := NewEngine(reg)

	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{Type: "null_resource", Name: "vpc", Provider: "null"},
			{Type: "null_resource", Name: "subnet", Provider: "null", DependsOn: []string{"null_resource.vpc"}},
			{Type: "null_resource", Name: "unrelated", Provider: "null"},
		},
	}

	plan, err := eng.CreatePlanWithTargets(context.Background(), cfg, &ir.State{Version: 1}, []string{"null_resource.subnet"})
	require.NoError(t, err)

	var addrs []string
	for _, change := range plan.Changes {
		addrs = append(addrs, change.Address)
	}
	assert.Equal(t, []string{"null_resource.vpc", "null_resource.subnet"}, addrs)
	assert.Equal(t, 1, plan.Summary.NoOp)
}

func TestCreatePlan_IgnoreChanges(t *testing.T) {
	reg := testRegistry(nil)
	eng := NewEngine(reg)

	// A provider that reports an update with named changed attributes.
	upd := &updatingProvider{changed: []string{"tags"}}
	reg.Register("upd", func() provider.Interface { return upd })
	require.NoError(t, reg.LoadProvider("upd"))

	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{
				Type:       "fake_thing",
				Name:       "a",
				Provider:   "upd",
				Lifecycle:  &ir.Lifecycle{IgnoreChanges: []string{"tags"}},
				Properties: map[string]any{"tags": map[string]any{"env": "dev"}},
			},
		},
	}
	state := &ir.State{
		Version: 1,
		Resources: []*ir.ResourceState{
			{Type: "fake_thing", Name: "a", Provider: "upd", Outputs: map[string]any{"id": "x"}},
		},
	}

	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)
	assert.Empty(t, plan.Changes, "update touching only ignored attributes downgrades to noop")
}
