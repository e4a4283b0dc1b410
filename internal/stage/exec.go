package stage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/caravel-io/caravel/internal/logging"
)

// ExecRunner runs a stage's command through the shell. It backs the default
// stage kinds (compile, security-scan, test, build). Declared credentials and
// the stage env are exported to the child process, alongside CARAVEL_COMMIT
// and CARAVEL_BRANCH for the trigger.
type ExecRunner struct {
	// Dir is the working directory for commands. Empty means inherit.
	Dir string
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, req *Request) (*Result, error) {
	if req.Stage.Run == "" {
		return nil, fmt.Errorf("stage %q has no run command", req.Stage.Name)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", req.Stage.Run)
	cmd.Dir = r.Dir
	if dir, ok := req.Stage.With["dir"].(string); ok && dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = buildEnv(req)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logging.Debug("running stage command", "stage", req.Stage.Name, "command", req.Stage.Run)
	err := cmd.Run()
	output := out.String()
	if err != nil {
		return nil, fmt.Errorf("command failed: %w\n%s", err, output)
	}
	return &Result{Output: output}, nil
}

func buildEnv(req *Request) []string {
	env := os.Environ()
	env = append(env,
		"CARAVEL_COMMIT="+req.Commit,
		"CARAVEL_BRANCH="+req.Branch,
	)

	keys := make([]string, 0, len(req.Stage.Env)+len(req.Credentials))
	for k := range req.Stage.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Stage.Env[k])
	}

	keys = keys[:0]
	for k := range req.Credentials {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Credentials[k])
	}
	return env
}
