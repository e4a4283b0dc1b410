package pipeline

import (
	"fmt"
	"strings"
)

// CycleError reports a dependency cycle among pipeline stages. Runs are
// rejected before any stage executes.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("stage dependency cycle involving: %s", strings.Join(e.Members, ", "))
}

// CredentialError reports credential keys required by a stage but absent from
// the trigger bundle. Preflight failure is fatal for the whole run.
type CredentialError struct {
	Stage   string
	Missing []string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("stage %q requires credentials not present in trigger: %s", e.Stage, strings.Join(e.Missing, ", "))
}

// GateError reports a stage whose runner failed or whose gate rejected the
// runner output. All transitive downstream stages are skipped.
type GateError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *GateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("stage %q failed: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Err)
}

func (e *GateError) Unwrap() error { return e.Err }
