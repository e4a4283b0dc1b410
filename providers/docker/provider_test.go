package docker

import (
	"context"
	"encoding/json"
	"testing"

	pv "github.com/caravel-io/caravel/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_CreateWhenNoPriorState(t *testing.T) {
	p := New()
	desired, _ := json.Marshal(ImageConfig{Name: "app:latest", BuildContext: "./app"})

	resp, err := p.Plan(context.Background(), &pv.PlanRequest{
		Type:              "docker_image",
		Name:              "app",
		DesiredConfigJSON: desired,
	})
	require.NoError(t, err)
	assert.Equal(t, pv.ActionCreate, resp.Action)
}

func TestPlan_NoopWhenNameUnchanged(t *testing.T) {
	p := New()
	desired, _ := json.Marshal(ImageConfig{Name: "app:latest"})
	prior, _ := json.Marshal(ImageState{ID: "sha256:abc", Name: "app:latest"})

	resp, err := p.Plan(context.Background(), &pv.PlanRequest{
		Type:              "docker_image",
		Name:              "app",
		DesiredConfigJSON: desired,
		PriorStateJSON:    prior,
	})
	require.NoError(t, err)
	assert.Equal(t, pv.ActionNoop, resp.Action)
}

func TestPlan_ReplaceWhenNameChanged(t *testing.T) {
	p := New()
	desired, _ := json.Marshal(ImageConfig{Name: "app:v2"})
	prior, _ := json.Marshal(ImageState{ID: "sha256:abc", Name: "app:v1"})

	resp, err := p.Plan(context.Background(), &pv.PlanRequest{
		Type:              "docker_image",
		Name:              "app",
		DesiredConfigJSON: desired,
		PriorStateJSON:    prior,
	})
	require.NoError(t, err)
	assert.Equal(t, pv.ActionReplace, resp.Action)
	assert.Equal(t, []string{"name"}, resp.ChangedAttributes)
}
