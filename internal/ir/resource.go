package ir

// Resource represents a single managed resource in the desired topology.
// Count and ForEach declare iterated resources; the engine expands them into
// individual instances before planning.
type Resource struct {
	Type       string         `json:"type"` // e.g., "aws:EC2.Vpc"
	Name       string         `json:"name"`
	Provider   string         `json:"provider"`
	Lifecycle  *Lifecycle     `json:"lifecycle,omitempty"`
	DependsOn  []string       `json:"dependsOn,omitempty"`
	Timeout    string         `json:"timeout,omitempty"`
	Count      int            `json:"count,omitempty"`
	ForEach    map[string]any `json:"forEach,omitempty"`
	Properties map[string]any `json:"properties"` // Dynamic properties
}

type Lifecycle struct {
	PreventDestroy bool     `json:"preventDestroy"`
	IgnoreChanges  []string `json:"ignoreChanges,omitempty"`
}
