package stage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/caravel-io/caravel/internal/ir"
)

// Request carries everything a runner needs to execute one stage. Credentials
// holds only the keys the stage declared; Artifacts maps upstream stage names
// to the artifact references they produced.
type Request struct {
	Stage       *ir.Stage
	Commit      string
	Branch      string
	Credentials map[string]string
	Artifacts   map[string]string
}

// Result is the outcome of a successful runner invocation. Output is the
// combined textual output, used for gate evaluation and diagnostics.
type Result struct {
	Output   string
	Artifact string
}

// Runner executes one stage kind (exec, docker-image, kube-deploy,
// infra-apply). Runners must respect ctx cancellation and deadlines.
type Runner interface {
	Run(ctx context.Context, req *Request) (*Result, error)
}

// DefaultRunner is used when a stage does not name a runner.
const DefaultRunner = "exec"

// Registry maps runner names to implementations.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

func (r *Registry) Register(name string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[name] = runner
}

func (r *Registry) Get(name string) (Runner, error) {
	if name == "" {
		name = DefaultRunner
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[name]
	if !ok {
		return nil, fmt.Errorf("unknown stage runner: %s", name)
	}
	return runner, nil
}

// Names returns the registered runner names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
