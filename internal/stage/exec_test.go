package stage

import (
	"context"
	"testing"
	"time"

	"github.com/caravel-io/caravel/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_CapturesOutput(t *testing.T) {
	r := NewExecRunner()
	res, err := r.Run(context.Background(), &Request{
		Stage: &ir.Stage{Name: "compile", Run: "echo building && echo done 1>&2"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "building")
	assert.Contains(t, res.Output, "done")
}

func TestExecRunner_ExportsTriggerAndCredentials(t *testing.T) {
	r := NewExecRunner()
	res, err := r.Run(context.Background(), &Request{
		Stage: &ir.Stage{
			Name: "push",
			Run:  `echo "$CARAVEL_COMMIT $CARAVEL_BRANCH $REGISTRY_TOKEN $BUILD_MODE"`,
			Env:  map[string]string{"BUILD_MODE": "release"},
		},
		Commit:      "abc123",
		Branch:      "main",
		Credentials: map[string]string{"REGISTRY_TOKEN": "r-tok"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "abc123 main r-tok release")
}

func TestExecRunner_CommandFailure(t *testing.T) {
	r := NewExecRunner()
	_, err := r.Run(context.Background(), &Request{
		Stage: &ir.Stage{Name: "test", Run: "echo 3 tests failed && exit 1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 tests failed")
}

func TestExecRunner_MissingCommand(t *testing.T) {
	r := NewExecRunner()
	_, err := r.Run(context.Background(), &Request{
		Stage: &ir.Stage{Name: "empty"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no run command")
}

func TestExecRunner_RespectsContext(t *testing.T) {
	r := NewExecRunner()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, &Request{
		Stage: &ir.Stage{Name: "slow", Run: "sleep 10"},
	})
	require.Error(t, err)
}

func TestRegistry_DefaultRunner(t *testing.T) {
	reg := NewRegistry()
	reg.Register("exec", NewExecRunner())

	r, err := reg.Get("")
	require.NoError(t, err)
	assert.NotNil(t, r)

	_, err = reg.Get("no-such")
	require.Error(t, err)
}
