package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caravel-io/caravel/internal/ir"
	"github.com/caravel-io/caravel/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records every invocation and can be told to fail specific
// stages, emit canned output, or block until released.
type fakeRunner struct {
	mu       sync.Mutex
	executed []string
	requests map[string]*stage.Request
	failOn   map[string]error
	outputs  map[string]string
	artifact map[string]string
	started  map[string]chan struct{}
	release  map[string]chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		requests: make(map[string]*stage.Request),
		failOn:   make(map[string]error),
		outputs:  make(map[string]string),
		artifact: make(map[string]string),
		started:  make(map[string]chan struct{}),
		release:  make(map[string]chan struct{}),
	}
}

func (f *fakeRunner) Run(ctx context.Context, req *stage.Request) (*stage.Result, error) {
	name := req.Stage.Name

	f.mu.Lock()
	f.executed = append(f.executed, name)
	f.requests[name] = req
	startedCh := f.started[name]
	releaseCh := f.release[name]
	failErr := f.failOn[name]
	out := f.outputs[name]
	art := f.artifact[name]
	f.mu.Unlock()

	if startedCh != nil {
		close(startedCh)
	}
	if releaseCh != nil {
		<-releaseCh
	}
	if failErr != nil {
		return nil, failErr
	}
	return &stage.Result{Output: out, Artifact: art}, nil
}

func (f *fakeRunner) executedStages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.executed))
	copy(out, f.executed)
	return out
}

func testExecutor(f *fakeRunner) *Executor {
	reg := stage.NewRegistry()
	reg.Register("exec", f)
	return NewExecutor(reg)
}

func deployPipeline() *ir.Pipeline {
	return &ir.Pipeline{
		Name: "deploy",
		Stages: []*ir.Stage{
			{Name: "compile"},
			{Name: "security-scan", Needs: []string{"compile"}},
			{Name: "test", Needs: []string{"compile"}},
			{Name: "build", Needs: []string{"security-scan", "test"}},
			{Name: "containerize", Needs: []string{"build"}},
			{Name: "deploy", Needs: []string{"containerize"}},
		},
	}
}

func TestRun_AllStagesPass(t *testing.T) {
	fake := newFakeRunner()
	exec := testExecutor(fake)

	run, err := exec.Run(context.Background(), deployPipeline(), &ir.Trigger{Commit: "abc123", Branch: "main"})
	require.NoError(t, err)

	assert.Equal(t, ir.RunPassed, run.Status)
	assert.Equal(t, "abc123", run.Commit)
	assert.NotEmpty(t, run.ID)
	require.Len(t, run.Results, 6)
	for _, res := range run.Results {
		assert.Equal(t, ir.StagePassed, res.Status, res.Stage)
	}
}

func TestRun_RespectsStageOrder(t *testing.T) {
	fake := newFakeRunner()
	exec := testExecutor(fake)

	_, err := exec.Run(context.Background(), deployPipeline(), &ir.Trigger{})
	require.NoError(t, err)

	order := fake.executedStages()
	require.Len(t, order, 6)
	assert.Equal(t, "compile", order[0])
	assert.Less(t, indexOf(order, "build"), indexOf(order, "containerize"))
	assert.Less(t, indexOf(order, "containerize"), indexOf(order, "deploy"))
	assert.Less(t, indexOf(order, "security-scan"), indexOf(order, "build"))
	assert.Less(t, indexOf(order, "test"), indexOf(order, "build"))
}

func TestRun_FailureSkipsDownstream(t *testing.T) {
	fake := newFakeRunner()
	fake.failOn["security-scan"] = errors.New("2 HIGH vulnerabilities found")
	exec := testExecutor(fake)

	run, err := exec.Run(context.Background(), deployPipeline(), &ir.Trigger{})
	require.Error(t, err)

	var gateErr *GateError
	require.True(t, errors.As(err, &gateErr))
	assert.Equal(t, "security-scan", gateErr.Stage)

	assert.Equal(t, ir.RunFailed, run.Status)
	assert.Equal(t, ir.StagePassed, run.Result("compile").Status)
	assert.Equal(t, ir.StageFailed, run.Result("security-scan").Status)
	assert.Contains(t, run.Result("security-scan").Diagnostic, "HIGH vulnerabilities")
	assert.Equal(t, ir.StagePassed, run.Result("test").Status, "sibling branch still runs")
	assert.Equal(t, ir.StageSkipped, run.Result("build").Status)
	assert.Equal(t, ir.StageSkipped, run.Result("containerize").Status)
	assert.Equal(t, ir.StageSkipped, run.Result("deploy").Status)

	executed := fake.executedStages()
	assert.NotContains(t, executed, "build")
	assert.NotContains(t, executed, "deploy")
}

func TestRun_GateRejectsMatchingOutput(t *testing.T) {
	fake := newFakeRunner()
	fake.outputs["security-scan"] = "scanned 214 packages\nCVE-2026-0001 HIGH in libfoo"
	exec := testExecutor(fake)

	p := &ir.Pipeline{
		Name: "gated",
		Stages: []*ir.Stage{
			{Name: "security-scan", Gate: &ir.Gate{FailPattern: `(HIGH|CRITICAL)`}},
			{Name: "deploy", Needs: []string{"security-scan"}},
		},
	}

	run, err := exec.Run(context.Background(), p, &ir.Trigger{})
	require.Error(t, err)

	var gateErr *GateError
	require.True(t, errors.As(err, &gateErr))
	assert.Equal(t, "security-scan", gateErr.Stage)
	assert.Contains(t, gateErr.Reason, "gate pattern")

	assert.Equal(t, ir.StageFailed, run.Result("security-scan").Status)
	assert.Equal(t, ir.StageSkipped, run.Result("deploy").Status)
}

func TestRun_GatePassesCleanOutput(t *testing.T) {
	fake := newFakeRunner()
	fake.outputs["security-scan"] = "scanned 214 packages, no findings"
	exec := testExecutor(fake)

	p := &ir.Pipeline{
		Name: "gated",
		Stages: []*ir.Stage{
			{Name: "security-scan", Gate: &ir.Gate{FailPattern: `(HIGH|CRITICAL)`}},
		},
	}

	run, err := exec.Run(context.Background(), p, &ir.Trigger{})
	require.NoError(t, err)
	assert.Equal(t, ir.RunPassed, run.Status)
}

func TestRun_CredentialPreflightBlocksEverything(t *testing.T) {
	fake := newFakeRunner()
	exec := testExecutor(fake)

	p := &ir.Pipeline{
		Name: "deploy",
		Stages: []*ir.Stage{
			{Name: "compile"},
			{Name: "push", Needs: []string{"compile"}, Credentials: []string{"REGISTRY_TOKEN"}},
		},
	}

	run, err := exec.Run(context.Background(), p, &ir.Trigger{})
	require.Error(t, err)

	var credErr *CredentialError
	require.True(t, errors.As(err, &credErr))
	assert.Equal(t, "push", credErr.Stage)

	assert.Equal(t, ir.RunFailed, run.Status)
	assert.Empty(t, run.Results)
	assert.Empty(t, fake.executedStages(), "no stage runs when preflight fails")
}

func TestRun_StagesReceiveOnlyDeclaredCredentials(t *testing.T) {
	fake := newFakeRunner()
	exec := testExecutor(fake)

	p := &ir.Pipeline{
		Name: "deploy",
		Stages: []*ir.Stage{
			{Name: "push", Credentials: []string{"REGISTRY_TOKEN"}},
		},
	}
	trigger := &ir.Trigger{
		Credentials: map[string]string{
			"REGISTRY_TOKEN": "r-tok",
			"KUBE_TOKEN":     "k-tok",
		},
	}

	_, err := exec.Run(context.Background(), p, trigger)
	require.NoError(t, err)

	req := fake.requests["push"]
	require.NotNil(t, req)
	assert.Equal(t, map[string]string{"REGISTRY_TOKEN": "r-tok"}, req.Credentials)
}

func TestRun_ArtifactsFlowDownstream(t *testing.T) {
	fake := newFakeRunner()
	fake.artifact["containerize"] = "123456789.dkr.ecr.us-east-1.amazonaws.com/app:abc123"
	exec := testExecutor(fake)

	p := &ir.Pipeline{
		Name: "deploy",
		Stages: []*ir.Stage{
			{Name: "containerize"},
			{Name: "deploy", Needs: []string{"containerize"}},
		},
	}

	run, err := exec.Run(context.Background(), p, &ir.Trigger{})
	require.NoError(t, err)

	assert.Equal(t, "123456789.dkr.ecr.us-east-1.amazonaws.com/app:abc123", run.Result("containerize").Artifact)
	req := fake.requests["deploy"]
	require.NotNil(t, req)
	assert.Equal(t, "123456789.dkr.ecr.us-east-1.amazonaws.com/app:abc123", req.Artifacts["containerize"])
}

func TestRun_CancellationAtStageBoundary(t *testing.T) {
	fake := newFakeRunner()
	fake.started["slow"] = make(chan struct{})
	fake.release["slow"] = make(chan struct{})
	exec := testExecutor(fake)

	p := &ir.Pipeline{
		Name: "deploy",
		Stages: []*ir.Stage{
			{Name: "slow"},
			{Name: "after", Needs: []string{"slow"}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var run *ir.Run
	var runErr error
	go func() {
		run, runErr = exec.Run(ctx, p, &ir.Trigger{})
		close(done)
	}()

	<-fake.started["slow"]
	cancel()
	close(fake.release["slow"])

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	require.Error(t, runErr)
	assert.Equal(t, ir.RunCanceled, run.Status)
	assert.Equal(t, ir.StagePassed, run.Result("slow").Status, "in-flight stage runs to completion")
	assert.Equal(t, ir.StageSkipped, run.Result("after").Status)
	assert.Contains(t, run.Result("after").Diagnostic, "canceled")
}

func TestRun_IndependentStagesRunConcurrently(t *testing.T) {
	fake := newFakeRunner()
	for _, name := range []string{"a", "b", "c"} {
		fake.started[name] = make(chan struct{})
		fake.release[name] = make(chan struct{})
	}
	exec := testExecutor(fake)
	exec.Workers = 3

	p := &ir.Pipeline{
		Name: "fanout",
		Stages: []*ir.Stage{
			{Name: "a"}, {Name: "b"}, {Name: "c"},
		},
	}

	done := make(chan struct{})
	go func() {
		_, _ = exec.Run(context.Background(), p, &ir.Trigger{})
		close(done)
	}()

	// All three must be in flight at once before any is released.
	for _, name := range []string{"a", "b", "c"} {
		select {
		case <-fake.started[name]:
		case <-time.After(5 * time.Second):
			t.Fatalf("stage %s never started", name)
		}
	}
	for _, name := range []string{"a", "b", "c"} {
		close(fake.release[name])
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestRun_UnknownRunnerFailsStage(t *testing.T) {
	fake := newFakeRunner()
	exec := testExecutor(fake)

	p := &ir.Pipeline{
		Name: "deploy",
		Stages: []*ir.Stage{
			{Name: "weird", Uses: "no-such-runner"},
		},
	}

	run, err := exec.Run(context.Background(), p, &ir.Trigger{})
	require.Error(t, err)
	assert.Equal(t, ir.RunFailed, run.Status)
	assert.Equal(t, ir.StageFailed, run.Result("weird").Status)
	assert.Contains(t, run.Result("weird").Diagnostic, "unknown stage runner")
}

func TestRun_EmitsProgressEvents(t *testing.T) {
	fake := newFakeRunner()
	exec := testExecutor(fake)

	var mu sync.Mutex
	events := make(map[string][]string)
	exec.Callback = func(ev Event) {
		mu.Lock()
		events[ev.Stage] = append(events[ev.Stage], ev.Status)
		mu.Unlock()
	}

	p := &ir.Pipeline{
		Name:   "tiny",
		Stages: []*ir.Stage{{Name: "compile"}},
	}

	_, err := exec.Run(context.Background(), p, &ir.Trigger{})
	require.NoError(t, err)
	assert.Equal(t, []string{ir.StageRunning, ir.StagePassed}, events["compile"])
}

func indexOf(s []string, v string) int {
	for i, item := range s {
		if item == v {
			return i
		}
	}
	return -1
}
