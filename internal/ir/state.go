package ir

// State is the observed snapshot of currently-provisioned resources.
// It is mutated only by successful apply/destroy operations.
type State struct {
	Version   int              `json:"version"`
	Serial    int              `json:"serial"`
	Lineage   string           `json:"lineage"`
	Resources []*ResourceState `json:"resources"`
	Outputs   map[string]any   `json:"outputs,omitempty"`
}

type ResourceState struct {
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Provider     string         `json:"provider"`
	Inputs       map[string]any `json:"inputs"`  // User provided
	Outputs      map[string]any `json:"outputs"` // Provider returned
	Dependencies []string       `json:"dependencies,omitempty"`
}
