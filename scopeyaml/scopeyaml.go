// Package scopeyaml loads Plan declarations from YAML.
//
// Resources may appear in any order; a Plan nests them by their dependencies:
//
//	resources:
//	  - kind: postgres
//	    name: main
//	    driver: pgx
//	    options:
//	      dsn: postgres://localhost:5432/app
package scopeyaml

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chenyanchen/scope"
)

type resourceEntry struct {
	Kind    string    `yaml:"kind"`
	Name    string    `yaml:"name"`
	Driver  string    `yaml:"driver"`
	Options yaml.Node `yaml:"options"`
}

type configFile struct {
	Resources []resourceEntry `yaml:"resources"`
}

// Load reads the YAML file at path and returns its resource declarations.
func Load(path string) ([]scope.NodeSpec, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	specs, err := Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return specs, nil
}

// Parse decodes a YAML document into resource declarations.
// Options are re-encoded as JSON so definitions decode them with their default decoder.
func Parse(payload []byte) ([]scope.NodeSpec, error) {
	var cfg configFile
	if err := yaml.Unmarshal(payload, &cfg); err != nil {
		return nil, err
	}

	specs := make([]scope.NodeSpec, 0, len(cfg.Resources))
	for i, entry := range cfg.Resources {
		switch {
		case entry.Kind == "":
			return nil, fmt.Errorf("resources[%d]: kind is empty", i)
		case entry.Name == "":
			return nil, fmt.Errorf("resources[%d]: name is empty", i)
		case entry.Driver == "":
			return nil, fmt.Errorf("resources[%d]: driver is empty", i)
		}

		raw, err := optionsJSON(&entry.Options)
		if err != nil {
			return nil, fmt.Errorf("resources[%d] %s/%s options: %w", i, entry.Kind, entry.Name, err)
		}
		specs = append(specs, scope.NodeSpec{
			Kind:    entry.Kind,
			Name:    entry.Name,
			Driver:  entry.Driver,
			Options: raw,
		})
	}
	return specs, nil
}

func optionsJSON(node *yaml.Node) (json.RawMessage, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return json.Marshal(stringKeys(v))
}

// stringKeys rewrites YAML mappings with non-string keys, such as {1: host-a},
// into JSON objects keyed by the key's text.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = stringKeys(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
		return t
	default:
		return v
	}
}
