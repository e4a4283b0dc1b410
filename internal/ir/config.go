package ir

// Config represents the desired infrastructure topology as authored by an
// operator. It is produced by the config loader; the engine never reads
// configuration files itself.
type Config struct {
	Resources []*Resource    `json:"resources"`
	Outputs   map[string]any `json:"outputs,omitempty"`
}
