package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/caravel-io/caravel/internal/config"
	"github.com/caravel-io/caravel/internal/engine"
	"github.com/caravel-io/caravel/internal/logging"
	"github.com/caravel-io/caravel/internal/provider"
	"github.com/caravel-io/caravel/internal/state"
)

// InfraApplyRunner converges infrastructure as a pipeline stage. It plans the
// stage's config directory against the stored state and applies the
// resulting changes. A failed apply persists the partial state before the
// stage is reported failed, so the next pipeline run picks up exactly the
// outstanding operations.
//
// Stage inputs (with):
//
//	dir      directory of infrastructure config files, default "."
//	state    state file path, default "caravel.state.json"
//	backend  "local" or "s3", default "local"
//	bucket, key, region, dynamodb_table, profile
//	         s3 backend settings
type InfraApplyRunner struct {
	registry *provider.Registry
}

func NewInfraApplyRunner(registry *provider.Registry) *InfraApplyRunner {
	return &InfraApplyRunner{registry: registry}
}

func (r *InfraApplyRunner) Run(ctx context.Context, req *Request) (*Result, error) {
	dir := stringWith(req, "dir", ".")

	cfg, err := config.LoadInfra(dir)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", req.Stage.Name, err)
	}

	backend, err := r.backend(req)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", req.Stage.Name, err)
	}

	if err := backend.Lock(); err != nil {
		return nil, fmt.Errorf("stage %q: failed to lock state: %w", req.Stage.Name, err)
	}
	defer backend.Unlock()

	st, err := backend.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("stage %q: failed to read state: %w", req.Stage.Name, err)
	}

	// State-only resources plan to DELETE, so their providers must be loaded
	// even when the config no longer references them.
	seen := make(map[string]bool)
	for _, res := range st.Resources {
		if res.Provider == "" || seen[res.Provider] {
			continue
		}
		seen[res.Provider] = true
		if err := r.registry.LoadProvider(res.Provider); err != nil {
			return nil, fmt.Errorf("stage %q: failed to load provider %s: %w", req.Stage.Name, res.Provider, err)
		}
	}

	eng := engine.NewEngine(r.registry)
	plan, err := eng.CreatePlan(ctx, cfg, st)
	if err != nil {
		return nil, fmt.Errorf("stage %q: plan failed: %w", req.Stage.Name, err)
	}

	var out strings.Builder
	fmt.Fprintf(&out, "plan: %d to create, %d to update, %d to replace, %d to delete\n",
		plan.Summary.Create, plan.Summary.Update, plan.Summary.Replace, plan.Summary.Delete)

	if len(plan.Changes) == 0 {
		fmt.Fprintln(&out, "infrastructure is up to date")
		return &Result{Output: out.String()}, nil
	}

	logging.Info("applying infrastructure changes",
		"stage", req.Stage.Name, "changes", len(plan.Changes))

	newState, applyErr := eng.ApplyPlan(ctx, plan, st)

	// The partially updated state is written even on failure. Losing it
	// would orphan the resources that did converge.
	if writeErr := backend.Write(ctx, newState); writeErr != nil {
		return nil, fmt.Errorf("stage %q: failed to write state: %w",
			req.Stage.Name, errors.Join(writeErr, applyErr))
	}

	if applyErr != nil {
		var ae *engine.ApplyError
		if errors.As(applyErr, &ae) {
			fmt.Fprintf(&out, "apply failed: %d succeeded, %d failed, %d skipped\n",
				len(ae.Succeeded), len(ae.Failed), len(ae.Skipped))
		}
		return nil, fmt.Errorf("stage %q: %w", req.Stage.Name, applyErr)
	}

	fmt.Fprintf(&out, "applied %d change(s), state serial %d\n", len(plan.Changes), newState.Serial)
	return &Result{Output: out.String()}, nil
}

func (r *InfraApplyRunner) backend(req *Request) (state.Backend, error) {
	cfg := &state.BackendConfig{
		Type:   stringWith(req, "backend", "local"),
		Config: map[string]string{},
	}
	for _, key := range []string{"path", "bucket", "key", "region", "dynamodb_table", "profile"} {
		if v := stringWith(req, key, ""); v != "" {
			cfg.Config[key] = v
		}
	}
	if v := stringWith(req, "state", ""); v != "" {
		cfg.Config["path"] = v
	}
	return state.NewBackend(cfg)
}
