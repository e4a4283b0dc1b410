package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/caravel-io/caravel/internal/provider"
	"github.com/caravel-io/caravel/providers/null"
)

// fakeProvider is an in-memory provider for exercising the engine. It plans
// CREATE for anything without prior state and records every apply request.
type fakeProvider struct {
	mu      sync.Mutex
	failOn  map[string]bool
	applied []string
	deleted []string
	desired map[string]map[string]any
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		failOn:  make(map[string]bool),
		desired: make(map[string]map[string]any),
	}
}

func (f *fakeProvider) Configure(ctx context.Context, req *provider.ConfigureRequest) (*provider.ConfigureResponse, error) {
	return &provider.ConfigureResponse{}, nil
}

func (f *fakeProvider) Plan(ctx context.Context, req *provider.PlanRequest) (*provider.PlanResponse, error) {
	if req.PriorStateJSON == nil {
		return &provider.PlanResponse{Action: provider.ActionCreate}, nil
	}
	return &provider.PlanResponse{Action: provider.ActionNoop}, nil
}

func (f *fakeProvider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failOn[req.Name] {
		return nil, fmt.Errorf("provider refused %s: simulated API error", req.Name)
	}

	var props map[string]any
	if len(req.DesiredConfigJSON) > 0 {
		_ = json.Unmarshal(req.DesiredConfigJSON, &props)
	}
	f.applied = append(f.applied, req.Name)
	f.desired[req.Name] = props

	stateJSON, _ := json.Marshal(map[string]any{"id": "fake-" + req.Name})
	return &provider.ApplyResponse{NewStateJSON: stateJSON}, nil
}

func (f *fakeProvider) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResponse, error) {
	return &provider.ReadResponse{Exists: true, NewStateJSON: req.CurrentStateJSON}, nil
}

func (f *fakeProvider) Delete(ctx context.Context, req *provider.DeleteRequest) (*provider.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failOn[req.ID] {
		return nil, fmt.Errorf("provider refused delete of %s: simulated API error", req.ID)
	}
	f.deleted = append(f.deleted, req.ID)
	return &provider.DeleteResponse{}, nil
}

func (f *fakeProvider) appliedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.applied))
	copy(out, f.applied)
	return out
}

// updatingProvider always plans an UPDATE with a fixed set of changed
// attributes, for exercising IgnoreChanges filtering.
type updatingProvider struct {
	changed []string
}

func (u *updatingProvider) Configure(ctx context.Context, req *provider.ConfigureRequest) (*provider.ConfigureResponse, error) {
	return &provider.ConfigureResponse{}, nil
}

func (u *updatingProvider) Plan(ctx context.Context, req *provider.PlanRequest) (*provider.PlanResponse, error) {
	if req.PriorStateJSON == nil {
		return &provider.PlanResponse{Action: provider.ActionCreate}, nil
	}
	return &provider.PlanResponse{Action: provider.ActionUpdate, ChangedAttributes: u.changed}, nil
}

func (u *updatingProvider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	stateJSON, _ := json.Marshal(map[string]any{"id": "upd-" + req.Name})
	return &provider.ApplyResponse{NewStateJSON: stateJSON}, nil
}

func (u *updatingProvider) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResponse, error) {
	return &provider.ReadResponse{Exists: true, NewStateJSON: req.CurrentStateJSON}, nil
}

func (u *updatingProvider) Delete(ctx context.Context, req *provider.DeleteRequest) (*provider.DeleteResponse, error) {
	return &provider.DeleteResponse{}, nil
}

// testRegistry returns a registry with the null provider plus a shared fake
// registered under "fake".
func testRegistry(fake *fakeProvider) *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register("null", func() provider.Interface { return null.New() })
	if fake != nil {
		reg.Register("fake", func() provider.Interface { return fake })
	}
	return reg
}
