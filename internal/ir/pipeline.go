package ir

import "time"

// Stage is a single named step in a pipeline (compile, security-scan, test,
// build, containerize, deploy). A stage only runs after all of its Needs
// report passed.
type Stage struct {
	Name        string            `yaml:"name" json:"name"`
	Needs       []string          `yaml:"needs,omitempty" json:"needs,omitempty"`
	Uses        string            `yaml:"uses,omitempty" json:"uses,omitempty"` // runner name; default "exec"
	Run         string            `yaml:"run,omitempty" json:"run,omitempty"`   // command for the exec runner
	With        map[string]any    `yaml:"with,omitempty" json:"with,omitempty"` // runner-specific inputs
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Credentials []string          `yaml:"credentials,omitempty" json:"credentials,omitempty"` // required bundle keys
	Timeout     string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Gate        *Gate             `yaml:"gate,omitempty" json:"gate,omitempty"`
	Artifact    string            `yaml:"artifact,omitempty" json:"artifact,omitempty"` // produced artifact reference
}

// Gate is a pass/fail predicate evaluated when a stage completes. A stage
// with no gate passes iff its runner returned no error.
type Gate struct {
	// FailPattern marks the stage failed when the runner output matches
	// this regular expression, even if the runner itself succeeded.
	FailPattern string `yaml:"failPattern,omitempty" json:"failPattern,omitempty"`
}

// Pipeline is a declarative stage graph as authored by an operator.
type Pipeline struct {
	Name   string   `yaml:"name" json:"name"`
	Stages []*Stage `yaml:"stages" json:"stages"`
}

// Trigger is the change event that starts a pipeline run. Credentials are
// opaque strings supplied by an external collaborator; the core only hands
// them to stage runners.
type Trigger struct {
	Commit      string
	Branch      string
	Credentials map[string]string
}

// Stage status values. A stage never re-enters pending once started.
const (
	StagePending = "pending"
	StageRunning = "running"
	StagePassed  = "passed"
	StageFailed  = "failed"
	StageSkipped = "skipped"
)

// Run status values.
const (
	RunRunning  = "running"
	RunPassed   = "passed"
	RunFailed   = "failed"
	RunCanceled = "canceled"
)

// StageResult records the outcome of one stage within a run.
type StageResult struct {
	Stage      string        `json:"stage"`
	Status     string        `json:"status"`
	Diagnostic string        `json:"diagnostic,omitempty"`
	Artifact   string        `json:"artifact,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Run is the ordered record of stage outcomes for one trigger event. It is
// appended to as stages complete and immutable once Status is terminal.
type Run struct {
	ID        string         `json:"id"`
	Pipeline  string         `json:"pipeline"`
	Commit    string         `json:"commit"`
	Branch    string         `json:"branch"`
	Status    string         `json:"status"`
	StartedAt time.Time      `json:"startedAt"`
	Results   []*StageResult `json:"results"`
}

// Result returns the recorded result for a stage name, or nil.
func (r *Run) Result(stage string) *StageResult {
	for _, res := range r.Results {
		if res.Stage == stage {
			return res
		}
	}
	return nil
}
