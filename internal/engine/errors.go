package engine

import (
	"fmt"
	"strings"
)

// CycleError reports a dependency cycle in the resource graph. A malformed
// graph is rejected before any operation executes.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected in resource graph: %s", strings.Join(e.Members, ", "))
}

// ApplyError reports a halted apply. Operations listed in Skipped were never
// attempted because an earlier operation failed; the state passed to
// ApplyPlan has been partially updated with the succeeded operations, so a
// re-plan yields only the outstanding work.
type ApplyError struct {
	Succeeded []string
	Failed    []string
	Skipped   []string
	Err       error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply halted: %d succeeded, %d failed, %d skipped: %v",
		len(e.Succeeded), len(e.Failed), len(e.Skipped), e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
