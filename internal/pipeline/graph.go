package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"sync/atomic"

	"github.com/caravel-io/caravel/internal/ir"
)

// Node lifecycle. A node moves from pending to exactly one of running,
// skipped; running then settles as passed or failed. Transitions out of
// pending go through compare-and-swap so a node is counted done only once.
const (
	statePending int32 = iota
	stateRunning
	statePassed
	stateFailed
	stateSkipped
)

// node is one stage in the executable graph. depCount reaches zero when
// every upstream stage has passed.
type node struct {
	stage       *ir.Stage
	failPattern *regexp.Regexp
	deps        []*node
	dependents  []*node
	depCount    atomic.Int32
	state       atomic.Int32
}

// buildGraph validates a pipeline and wires it into executable nodes.
// Duplicate stage names, unknown needs references, bad gate patterns and
// dependency cycles are all rejected here, before anything runs.
func buildGraph(p *ir.Pipeline) ([]*node, error) {
	if len(p.Stages) == 0 {
		return nil, fmt.Errorf("pipeline %q has no stages", p.Name)
	}

	nodes := make(map[string]*node, len(p.Stages))
	ordered := make([]*node, 0, len(p.Stages))
	for _, stage := range p.Stages {
		if stage.Name == "" {
			return nil, fmt.Errorf("pipeline %q has a stage without a name", p.Name)
		}
		if _, dup := nodes[stage.Name]; dup {
			return nil, fmt.Errorf("duplicate stage name: %s", stage.Name)
		}
		n := &node{stage: stage}
		if stage.Gate != nil && stage.Gate.FailPattern != "" {
			re, err := regexp.Compile(stage.Gate.FailPattern)
			if err != nil {
				return nil, fmt.Errorf("stage %q: invalid gate pattern: %w", stage.Name, err)
			}
			n.failPattern = re
		}
		nodes[stage.Name] = n
		ordered = append(ordered, n)
	}

	for _, n := range ordered {
		for _, need := range n.stage.Needs {
			dep, ok := nodes[need]
			if !ok {
				return nil, fmt.Errorf("stage %q needs unknown stage %q", n.stage.Name, need)
			}
			if dep == n {
				return nil, fmt.Errorf("stage %q needs itself", n.stage.Name)
			}
			n.deps = append(n.deps, dep)
			dep.dependents = append(dep.dependents, n)
			n.depCount.Add(1)
		}
	}

	if err := checkAcyclic(ordered); err != nil {
		return nil, err
	}
	return ordered, nil
}

// checkAcyclic runs Kahn's algorithm over a throwaway in-degree map and
// reports the residue as the cycle members.
func checkAcyclic(nodes []*node) error {
	indegree := make(map[*node]int, len(nodes))
	for _, n := range nodes {
		indegree[n] = len(n.deps)
	}

	var queue []*node
	for _, n := range nodes {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range n.dependents {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited == len(nodes) {
		return nil
	}

	var members []string
	for n, deg := range indegree {
		if deg > 0 {
			members = append(members, n.stage.Name)
		}
	}
	sort.Strings(members)
	return &CycleError{Members: members}
}

// preflightCredentials checks every stage's declared credential keys against
// the trigger bundle. The first stage with a missing key fails the run before
// anything executes; stages are checked in declaration order.
func preflightCredentials(nodes []*node, trigger *ir.Trigger) error {
	for _, n := range nodes {
		var missing []string
		for _, key := range n.stage.Credentials {
			if _, ok := trigger.Credentials[key]; !ok {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return &CredentialError{Stage: n.stage.Name, Missing: missing}
		}
	}
	return nil
}
