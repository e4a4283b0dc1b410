package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/caravel-io/caravel/internal/ir"
)

// LoadPipeline reads a pipeline definition from a YAML file. Structural
// validation (needs references, cycles, gate patterns) happens in the
// executor; this only rejects files that are not a pipeline at all.
func LoadPipeline(path string) (*ir.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return ParsePipeline(data)
}

func ParsePipeline(data []byte) (*ir.Pipeline, error) {
	var p ir.Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("pipeline has no name")
	}
	if len(p.Stages) == 0 {
		return nil, fmt.Errorf("pipeline %q has no stages", p.Name)
	}
	for i, s := range p.Stages {
		if s.Name == "" {
			return nil, fmt.Errorf("pipeline %q: stage %d has no name", p.Name, i)
		}
	}
	return &p, nil
}
