package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/caravel-io/caravel/internal/ir"
	"github.com/caravel-io/caravel/internal/logging"
)

// fileRoot decodes the top-level blocks of one infrastructure file.
type fileRoot struct {
	Resources []*resourceBlock `hcl:"resource,block"`
	Outputs   []*outputBlock   `hcl:"output,block"`
}

type resourceBlock struct {
	Type       string            `hcl:"type,label"`
	Name       string            `hcl:"name,label"`
	Provider   string            `hcl:"provider,optional"`
	DependsOn  []string          `hcl:"depends_on,optional"`
	Timeout    string            `hcl:"timeout,optional"`
	Count      int               `hcl:"count,optional"`
	ForEach    map[string]string `hcl:"for_each,optional"`
	Lifecycle  *lifecycleBlock   `hcl:"lifecycle,block"`
	Properties *propertiesBlock  `hcl:"properties,block"`
}

type lifecycleBlock struct {
	PreventDestroy bool     `hcl:"prevent_destroy,optional"`
	IgnoreChanges  []string `hcl:"ignore_changes,optional"`
}

type propertiesBlock struct {
	Body hcl.Body `hcl:",remain"`
}

type outputBlock struct {
	Name  string `hcl:"name,label"`
	Value string `hcl:"value"`
}

// LoadInfra parses every .hcl file under the given paths into one desired
// state config. A path may be a single file or a directory, which is walked
// recursively.
func LoadInfra(paths ...string) (*ir.Config, error) {
	files, err := findHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl files found in %s", strings.Join(paths, ", "))
	}

	cfg := &ir.Config{Outputs: make(map[string]any)}
	parser := hclparse.NewParser()

	seen := make(map[string]bool)
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse %s: %w", file, diags)
		}

		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode %s: %w", file, diags)
		}

		for _, block := range root.Resources {
			res, err := translateResource(block)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			addr := fmt.Sprintf("%s.%s", res.Type, res.Name)
			if seen[addr] {
				return nil, fmt.Errorf("%s: duplicate resource %s", file, addr)
			}
			seen[addr] = true
			cfg.Resources = append(cfg.Resources, res)
		}
		for _, out := range root.Outputs {
			cfg.Outputs[out.Name] = out.Value
		}
	}

	logging.Debug("loaded infrastructure config", "files", len(files), "resources", len(cfg.Resources))
	return cfg, nil
}

func translateResource(block *resourceBlock) (*ir.Resource, error) {
	res := &ir.Resource{
		Type:      block.Type,
		Name:      block.Name,
		Provider:  block.Provider,
		DependsOn: block.DependsOn,
		Timeout:   block.Timeout,
		Count:     block.Count,
	}
	if len(block.ForEach) > 0 {
		res.ForEach = make(map[string]any, len(block.ForEach))
		for k, v := range block.ForEach {
			res.ForEach[k] = v
		}
	}
	if res.Provider == "" {
		res.Provider = defaultProvider(block.Type)
	}
	if block.Lifecycle != nil {
		res.Lifecycle = &ir.Lifecycle{
			PreventDestroy: block.Lifecycle.PreventDestroy,
			IgnoreChanges:  block.Lifecycle.IgnoreChanges,
		}
	}
	if block.Properties != nil {
		props, err := decodeProperties(block.Properties.Body)
		if err != nil {
			return nil, fmt.Errorf("resource %s.%s: %w", block.Type, block.Name, err)
		}
		res.Properties = props
	}
	return res, nil
}

// defaultProvider derives the provider name from the resource type when the
// config does not name one: "aws:EC2.Vpc" -> "aws", "docker_image" ->
// "docker", "null_resource" -> "null".
func defaultProvider(resType string) string {
	if i := strings.Index(resType, ":"); i > 0 {
		return resType[:i]
	}
	if i := strings.Index(resType, "_"); i > 0 {
		return resType[:i]
	}
	return resType
}

func decodeProperties(body hcl.Body) (map[string]any, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid properties: %w", diags)
	}

	props := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("property %s: %w", name, diags)
		}
		goVal, err := ctyToGo(val)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		props[name] = goVal
	}
	return props, nil
}

// ctyToGo converts a cty value into the plain Go shapes the engine diffs and
// serializes.
func ctyToGo(val cty.Value) (any, error) {
	if !val.IsKnown() || val.IsNull() {
		return nil, nil
	}
	if val.Type().IsPrimitiveType() {
		switch val.Type() {
		case cty.String:
			return val.AsString(), nil
		case cty.Number:
			f, _ := val.AsBigFloat().Float64()
			return f, nil
		case cty.Bool:
			return val.True(), nil
		default:
			return nil, fmt.Errorf("unsupported primitive type: %s", val.Type().FriendlyName())
		}
	}
	if val.Type().IsObjectType() || val.Type().IsMapType() {
		out := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			converted, err := ctyToGo(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = converted
		}
		return out, nil
	}
	if val.Type().IsTupleType() || val.Type().IsListType() || val.Type().IsSetType() {
		var out []any
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			converted, err := ctyToGo(v)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type: %s", val.Type().FriendlyName())
}

func findHCLFiles(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})

	add := func(p string) {
		if _, ok := seen[p]; !ok {
			files = append(files, p)
			seen[p] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("error accessing %s: %w", path, err)
		}
		if !info.IsDir() {
			if filepath.Ext(path) == ".hcl" {
				add(path)
			}
			continue
		}
		err = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !fi.IsDir() && filepath.Ext(p) == ".hcl" {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}
