package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/caravel-io/caravel/internal/ir"
	"github.com/caravel-io/caravel/internal/logging"
	"github.com/caravel-io/caravel/internal/provider"
)

const defaultParallelism = 10

// ApplyEvent represents a progress event during apply.
type ApplyEvent struct {
	Address  string
	Action   string
	Status   string // "started", "completed", "failed", "skipped"
	Duration time.Duration
	Error    error
}

// ApplyCallback is called for each apply event if set.
type ApplyCallback func(event ApplyEvent)

// ApplyPlan executes a plan and updates the state.
func (e *Engine) ApplyPlan(ctx context.Context, plan *ir.Plan, state *ir.State) (*ir.State, error) {
	return e.ApplyPlanWithCallback(ctx, plan, state, nil)
}

// ApplyPlanWithCallback executes a plan with progress event callbacks.
// Creates and updates run in parallel where no dependency ordering relates
// them; deletes run in the plan's reverse-topological order. On a failure the
// remaining operations are skipped and an *ApplyError is returned alongside
// the partially updated state, so that a subsequent plan yields exactly the
// outstanding operations. If e.ContinueOnError is set, apply instead
// continues past individual failures and aggregates the errors.
func (e *Engine) ApplyPlanWithCallback(ctx context.Context, plan *ir.Plan, state *ir.State, callback ApplyCallback) (*ir.State, error) {
	emit := func(event ApplyEvent) {
		if callback != nil {
			callback(event)
		}
	}

	stateIndex := make(map[string]int)
	for i, res := range state.Resources {
		addr := fmt.Sprintf("%s.%s", res.Type, res.Name)
		stateIndex[addr] = i
	}

	var createUpdates, deletes []*ir.ResourceChange
	for _, change := range plan.Changes {
		if change.Action == "DELETE" {
			deletes = append(deletes, change)
		} else {
			createUpdates = append(createUpdates, change)
		}
	}

	var mu sync.Mutex
	tracker := newApplyTracker()

	applyErr := e.applyParallel(ctx, createUpdates, state, stateIndex, &mu, emit, tracker)

	// Deletes touch shared external state and are already ordered
	// dependents-first by the plan, so they run strictly sequentially.
	if applyErr == nil || e.ContinueOnError {
		for _, change := range deletes {
			if err := ctx.Err(); err != nil {
				applyErr = errors.Join(applyErr, fmt.Errorf("apply cancelled: %w", err))
				tracker.skip(change.Address)
				emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "skipped"})
				continue
			}
			if applyErr != nil && !e.ContinueOnError {
				tracker.skip(change.Address)
				emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "skipped"})
				continue
			}
			start := time.Now()
			emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "started"})
			if err := e.applyChange(ctx, change, state, stateIndex, &mu); err != nil {
				emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "failed", Duration: time.Since(start), Error: err})
				tracker.fail(change.Address)
				applyErr = errors.Join(applyErr, err)
				continue
			}
			emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "completed", Duration: time.Since(start)})
			tracker.complete(change.Address)
		}
	} else {
		for _, change := range deletes {
			tracker.skip(change.Address)
			emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "skipped"})
		}
	}

	state.Serial++
	if applyErr == nil {
		state.Outputs = plan.Outputs
		return state, nil
	}

	succeeded, failed, skipped := tracker.report()
	return state, &ApplyError{
		Succeeded: succeeded,
		Failed:    failed,
		Skipped:   skipped,
		Err:       applyErr,
	}
}

// applyTracker records per-operation outcomes for the final apply report.
type applyTracker struct {
	mu        sync.Mutex
	completed map[string]bool
	failed    map[string]bool
	skipped   map[string]bool
}

func newApplyTracker() *applyTracker {
	return &applyTracker{
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
		skipped:   make(map[string]bool),
	}
}

func (t *applyTracker) complete(addr string) {
	t.mu.Lock()
	t.completed[addr] = true
	t.mu.Unlock()
}

func (t *applyTracker) fail(addr string) {
	t.mu.Lock()
	t.failed[addr] = true
	t.mu.Unlock()
}

func (t *applyTracker) skip(addr string) {
	t.mu.Lock()
	t.skipped[addr] = true
	t.mu.Unlock()
}

func (t *applyTracker) report() (succeeded, failed, skipped []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr := range t.completed {
		succeeded = append(succeeded, addr)
	}
	for addr := range t.failed {
		failed = append(failed, addr)
	}
	for addr := range t.skipped {
		skipped = append(skipped, addr)
	}
	sort.Strings(succeeded)
	sort.Strings(failed)
	sort.Strings(skipped)
	return succeeded, failed, skipped
}

// applyParallel applies creates/updates concurrently, respecting the
// dependency edges between the changes. Parallelism is bounded by a
// semaphore; an operation only starts once every change it depends on has
// completed.
func (e *Engine) applyParallel(ctx context.Context, changes []*ir.ResourceChange, state *ir.State, stateIndex map[string]int, mu *sync.Mutex, emit func(ApplyEvent), tracker *applyTracker) error {
	if len(changes) == 0 {
		return nil
	}

	changeMap := make(map[string]*ir.ResourceChange)
	for _, c := range changes {
		changeMap[c.Address] = c
	}

	deps := make(map[string]map[string]bool)
	for _, c := range changes {
		deps[c.Address] = make(map[string]bool)
		if c.Desired == nil {
			continue
		}
		for _, d := range c.Desired.DependsOn {
			if _, ok := changeMap[d]; ok {
				deps[c.Address][d] = true
			}
		}
		for _, ref := range extractPtrRefs(c.Desired.Properties) {
			depAddr := ptrRefToAddr(ref)
			if _, ok := changeMap[depAddr]; ok {
				deps[c.Address][depAddr] = true
			}
		}
	}

	parallelism := e.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}

	completed := make(map[string]bool)
	halted := make(map[string]bool)
	trackMu := sync.Mutex{}
	cond := sync.NewCond(&trackMu)
	var firstErr error
	var allErrs []error
	sem := make(chan struct{}, parallelism)

	var wg sync.WaitGroup

	for _, change := range changes {
		wg.Add(1)
		go func(c *ir.ResourceChange) {
			defer wg.Done()

			trackMu.Lock()
			for {
				if (firstErr != nil && !e.ContinueOnError) || ctx.Err() != nil {
					trackMu.Unlock()
					tracker.skip(c.Address)
					emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "skipped"})
					cond.Broadcast()
					return
				}
				depHalted := false
				allDepsReady := true
				for dep := range deps[c.Address] {
					if halted[dep] {
						depHalted = true
						break
					}
					if !completed[dep] {
						allDepsReady = false
						break
					}
				}
				if depHalted {
					halted[c.Address] = true
					trackMu.Unlock()
					tracker.skip(c.Address)
					emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "skipped"})
					cond.Broadcast()
					return
				}
				if allDepsReady {
					break
				}
				cond.Wait()
			}
			trackMu.Unlock()

			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "started"})

			if err := e.applyChange(ctx, c, state, stateIndex, mu); err != nil {
				emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "failed", Duration: time.Since(start), Error: err})
				tracker.fail(c.Address)
				trackMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				allErrs = append(allErrs, err)
				halted[c.Address] = true
				trackMu.Unlock()
				cond.Broadcast()
				return
			}

			emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "completed", Duration: time.Since(start)})
			tracker.complete(c.Address)

			trackMu.Lock()
			completed[c.Address] = true
			trackMu.Unlock()
			cond.Broadcast()
		}(change)
	}

	wg.Wait()

	if e.ContinueOnError && len(allErrs) > 0 {
		return fmt.Errorf("%d resource(s) failed: %w", len(allErrs), errors.Join(allErrs...))
	}
	if firstErr == nil && ctx.Err() != nil {
		return fmt.Errorf("apply cancelled: %w", ctx.Err())
	}
	return firstErr
}

func (e *Engine) applyChange(ctx context.Context, change *ir.ResourceChange, state *ir.State, stateIndex map[string]int, mu *sync.Mutex) error {
	addr := change.Address
	logging.Debug("applying change", "address", addr, "action", change.Action)

	var timeout time.Duration
	if change.Desired != nil && change.Desired.Timeout != "" {
		if d, err := time.ParseDuration(change.Desired.Timeout); err == nil {
			timeout = d
		}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var desiredJSON []byte
	var priorJSON []byte
	var name, typ string

	if change.Desired != nil {
		name = change.Desired.Name
		typ = change.Desired.Type
		mu.Lock()
		resolvedProps := resolveReferences(change.Desired.Properties, state)
		mu.Unlock()
		desiredJSON, _ = json.Marshal(resolvedProps)
	} else if change.Prior != nil {
		name = change.Prior.Name
		typ = change.Prior.Type
	}

	mu.Lock()
	if idx, ok := stateIndex[addr]; ok {
		priorState := state.Resources[idx]
		if priorState.Outputs != nil {
			priorJSON, _ = json.Marshal(priorState.Outputs)
		}
	}
	mu.Unlock()

	provName := "null"
	if change.Desired != nil {
		provName = change.Desired.Provider
	} else if change.Prior != nil {
		provName = change.Prior.Provider
	}

	prov, err := e.registry.Get(provName)
	if err != nil {
		return fmt.Errorf("provider not found: %s", provName)
	}

	retryPolicy := DefaultRetryPolicy()

	switch change.Action {
	case "CREATE", "UPDATE", "REPLACE":
		var resp *provider.ApplyResponse
		err := RetryWithBackoff(ctx, retryPolicy, func() error {
			var applyErr error
			resp, applyErr = prov.Apply(ctx, &provider.ApplyRequest{
				Type:              typ,
				Name:              name,
				DesiredConfigJSON: desiredJSON,
				PriorStateJSON:    priorJSON,
			})
			return applyErr
		}, IsTransientError)
		if err != nil {
			return fmt.Errorf("apply failed for %s: %w", addr, err)
		}

		var outputs map[string]any
		if len(resp.NewStateJSON) > 0 {
			if err := json.Unmarshal(resp.NewStateJSON, &outputs); err != nil {
				return fmt.Errorf("failed to unmarshal state: %w", err)
			}
		}

		newResState := &ir.ResourceState{
			Type:         typ,
			Name:         name,
			Provider:     provName,
			Inputs:       change.Desired.Properties,
			Outputs:      outputs,
			Dependencies: changeDependencies(change.Desired),
		}

		mu.Lock()
		if idx, ok := stateIndex[addr]; ok {
			state.Resources[idx] = newResState
		} else {
			stateIndex[addr] = len(state.Resources)
			state.Resources = append(state.Resources, newResState)
		}
		mu.Unlock()

	case "DELETE":
		var resourceID string
		mu.Lock()
		if idx, ok := stateIndex[addr]; ok {
			if id, exists := state.Resources[idx].Outputs["id"]; exists {
				resourceID = fmt.Sprintf("%v", id)
			}
		}
		mu.Unlock()

		err := RetryWithBackoff(ctx, retryPolicy, func() error {
			_, deleteErr := prov.Delete(ctx, &provider.DeleteRequest{
				Type:             typ,
				ID:               resourceID,
				CurrentStateJSON: priorJSON,
			})
			return deleteErr
		}, IsTransientError)
		if err != nil {
			return fmt.Errorf("delete failed for %s: %w", addr, err)
		}

		mu.Lock()
		if idx, ok := stateIndex[addr]; ok {
			state.Resources = append(state.Resources[:idx], state.Resources[idx+1:]...)
			// Rebuild index after removal
			for k := range stateIndex {
				delete(stateIndex, k)
			}
			for i, res := range state.Resources {
				a := fmt.Sprintf("%s.%s", res.Type, res.Name)
				stateIndex[a] = i
			}
		}
		mu.Unlock()
	}

	return nil
}

// changeDependencies records the dependency addresses of a resource so the
// destroy ordering survives in state after the config is gone.
func changeDependencies(res *ir.Resource) []string {
	seen := make(map[string]bool)
	var deps []string
	for _, d := range res.DependsOn {
		if !seen[d] {
			deps = append(deps, d)
			seen[d] = true
		}
	}
	for _, ref := range extractPtrRefs(res.Properties) {
		if addr := ptrRefToAddr(ref); addr != "" && !seen[addr] {
			deps = append(deps, addr)
			seen[addr] = true
		}
	}
	sort.Strings(deps)
	return deps
}

// resolveReferences substitutes ptr://type/name/attribute references with
// the attribute value recorded in state for the referenced resource.
func resolveReferences(val any, state *ir.State) any {
	switch v := val.(type) {
	case string:
		if strings.HasPrefix(v, "ptr://") {
			for _, res := range state.Resources {
				matchPrefix := fmt.Sprintf("ptr://%s/%s/", res.Type, res.Name)
				if strings.HasPrefix(v, matchPrefix) {
					attr := strings.TrimPrefix(v, matchPrefix)
					if out, ok := res.Outputs[attr]; ok {
						return out
					}
					if in, ok := res.Inputs[attr]; ok {
						return in
					}
					return v
				}
			}
		}
		return v
	case map[string]any:
		newMap := make(map[string]any, len(v))
		for k, item := range v {
			newMap[k] = resolveReferences(item, state)
		}
		return newMap
	case []any:
		newSlice := make([]any, len(v))
		for i, item := range v {
			newSlice[i] = resolveReferences(item, state)
		}
		return newSlice
	default:
		return v
	}
}
