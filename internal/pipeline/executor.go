package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caravel-io/caravel/internal/ir"
	"github.com/caravel-io/caravel/internal/logging"
	"github.com/caravel-io/caravel/internal/stage"
)

const defaultWorkers = 4

// Event is a progress notification emitted as stages change state.
type Event struct {
	Stage      string
	Status     string
	Diagnostic string
	Duration   time.Duration
}

// Callback receives progress events. It is invoked from worker goroutines and
// must be safe for concurrent use.
type Callback func(Event)

// Executor runs pipelines. Independent stages run concurrently on a worker
// pool; a stage starts only after every stage it needs has passed.
type Executor struct {
	runners  *stage.Registry
	Workers  int
	Callback Callback
}

func NewExecutor(runners *stage.Registry) *Executor {
	return &Executor{runners: runners}
}

// Run executes the pipeline for one trigger event and returns the run record.
// The graph is validated and credentials preflighted before any stage starts.
// A stage failure skips all of its transitive downstream stages and fails the
// run; unrelated branches still finish. Cancelling ctx takes effect at stage
// boundaries only: stages already started run to completion, stages not yet
// started are skipped and the run reports canceled.
func (e *Executor) Run(ctx context.Context, p *ir.Pipeline, trigger *ir.Trigger) (*ir.Run, error) {
	run := &ir.Run{
		ID:        uuid.New().String(),
		Pipeline:  p.Name,
		Commit:    trigger.Commit,
		Branch:    trigger.Branch,
		Status:    ir.RunRunning,
		StartedAt: time.Now().UTC(),
	}

	nodes, err := buildGraph(p)
	if err != nil {
		run.Status = ir.RunFailed
		return run, err
	}
	if err := preflightCredentials(nodes, trigger); err != nil {
		run.Status = ir.RunFailed
		return run, err
	}

	logging.Info("starting pipeline run", "pipeline", p.Name, "run", run.ID, "commit", trigger.Commit, "stages", len(nodes))

	x := &execution{
		executor:  e,
		run:       run,
		trigger:   trigger,
		artifacts: make(map[string]string),
	}

	readyChan := make(chan *node, len(nodes))
	for _, n := range nodes {
		if n.depCount.Load() == 0 {
			readyChan <- n
		}
	}

	x.wg.Add(len(nodes))

	workers := e.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	for i := 0; i < workers; i++ {
		go x.worker(ctx, readyChan)
	}

	x.wg.Wait()
	close(readyChan)

	x.mu.Lock()
	defer x.mu.Unlock()

	switch {
	case x.firstErr != nil:
		run.Status = ir.RunFailed
		return run, x.firstErr
	case ctx.Err() != nil && x.skipped > 0:
		run.Status = ir.RunCanceled
		return run, fmt.Errorf("run canceled: %w", ctx.Err())
	default:
		run.Status = ir.RunPassed
		return run, nil
	}
}

// execution is the mutable state of one in-flight run.
type execution struct {
	executor  *Executor
	run       *ir.Run
	trigger   *ir.Trigger
	wg        sync.WaitGroup
	mu        sync.Mutex
	artifacts map[string]string
	firstErr  error
	skipped   int
}

func (x *execution) worker(ctx context.Context, readyChan chan *node) {
	for n := range readyChan {
		if ctx.Err() != nil {
			if n.state.CompareAndSwap(statePending, stateSkipped) {
				x.record(n, &ir.StageResult{
					Stage:      n.stage.Name,
					Status:     ir.StageSkipped,
					Diagnostic: "canceled before start",
				})
				x.skipDependents(n, n.stage.Name)
				x.wg.Done()
			}
			continue
		}

		if !n.state.CompareAndSwap(statePending, stateRunning) {
			continue
		}

		x.emit(Event{Stage: n.stage.Name, Status: ir.StageRunning})
		start := time.Now()
		result, err := x.runStage(ctx, n)
		duration := time.Since(start)

		if err != nil {
			gateErr := &GateError{Stage: n.stage.Name, Err: err}
			if reason, ok := err.(*gateRejection); ok {
				gateErr.Reason = reason.reason
				gateErr.Err = nil
			}
			logging.Error("stage failed", "stage", n.stage.Name, "error", gateErr)
			n.state.Store(stateFailed)
			x.record(n, &ir.StageResult{
				Stage:      n.stage.Name,
				Status:     ir.StageFailed,
				Diagnostic: gateErr.Error(),
				Duration:   duration,
			})
			x.mu.Lock()
			if x.firstErr == nil {
				x.firstErr = gateErr
			}
			x.mu.Unlock()
			x.skipDependents(n, n.stage.Name)
			x.wg.Done()
			continue
		}

		n.state.Store(statePassed)
		artifact := result.Artifact
		if artifact == "" {
			artifact = n.stage.Artifact
		}
		if artifact != "" {
			x.mu.Lock()
			x.artifacts[n.stage.Name] = artifact
			x.mu.Unlock()
		}
		x.record(n, &ir.StageResult{
			Stage:    n.stage.Name,
			Status:   ir.StagePassed,
			Artifact: artifact,
			Duration: duration,
		})

		for _, dep := range n.dependents {
			if dep.depCount.Add(-1) == 0 {
				readyChan <- dep
			}
		}
		x.wg.Done()
	}
}

// runStage invokes the stage's runner and evaluates its gate. The stage
// context is detached from run cancellation so that an in-flight stage always
// finishes; per-stage timeouts still apply.
func (x *execution) runStage(ctx context.Context, n *node) (*stage.Result, error) {
	runner, err := x.executor.runners.Get(n.stage.Uses)
	if err != nil {
		return nil, err
	}

	stageCtx := context.WithoutCancel(ctx)
	if n.stage.Timeout != "" {
		if d, perr := time.ParseDuration(n.stage.Timeout); perr == nil {
			var cancel context.CancelFunc
			stageCtx, cancel = context.WithTimeout(stageCtx, d)
			defer cancel()
		}
	}

	creds := make(map[string]string, len(n.stage.Credentials))
	for _, key := range n.stage.Credentials {
		creds[key] = x.trigger.Credentials[key]
	}

	x.mu.Lock()
	artifacts := make(map[string]string, len(x.artifacts))
	for k, v := range x.artifacts {
		artifacts[k] = v
	}
	x.mu.Unlock()

	result, err := runner.Run(stageCtx, &stage.Request{
		Stage:       n.stage,
		Commit:      x.trigger.Commit,
		Branch:      x.trigger.Branch,
		Credentials: creds,
		Artifacts:   artifacts,
	})
	if err != nil {
		return nil, err
	}

	if n.failPattern != nil && n.failPattern.MatchString(result.Output) {
		return nil, &gateRejection{reason: fmt.Sprintf("output matched gate pattern %q", n.failPattern)}
	}
	return result, nil
}

// gateRejection marks a gate verdict so it can be told apart from a runner
// error when building the GateError.
type gateRejection struct {
	reason string
}

func (g *gateRejection) Error() string { return g.reason }

// skipDependents walks downstream of a terminal node and marks everything not
// yet started as skipped. CompareAndSwap keeps each node's done count exact
// even when two upstream failures race to skip the same dependent.
func (x *execution) skipDependents(n *node, cause string) {
	for _, dep := range n.dependents {
		if dep.state.CompareAndSwap(statePending, stateSkipped) {
			x.record(dep, &ir.StageResult{
				Stage:      dep.stage.Name,
				Status:     ir.StageSkipped,
				Diagnostic: fmt.Sprintf("skipped due to upstream failure of %q", cause),
			})
			x.skipDependents(dep, cause)
			x.wg.Done()
		}
	}
}

func (x *execution) record(n *node, result *ir.StageResult) {
	x.mu.Lock()
	x.run.Results = append(x.run.Results, result)
	if result.Status == ir.StageSkipped {
		x.skipped++
	}
	x.mu.Unlock()
	x.emit(Event{Stage: result.Stage, Status: result.Status, Diagnostic: result.Diagnostic, Duration: result.Duration})
}

func (x *execution) emit(ev Event) {
	if x.executor.Callback != nil {
		x.executor.Callback(ev)
	}
}
